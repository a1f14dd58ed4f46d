// Package metrics2 offers a simple interface for reporting metrics:
// counters, int64 gauges, livenesses and timers. The only implementation is
// backed by Prometheus; metrics are exposed on the /metrics handler of the
// admin mux.
package metrics2

// Int64Metric is a metric that has an int64 value, reported as a gauge.
type Int64Metric interface {
	// Get returns the current value.
	Get() int64

	// Update sets the current value.
	Update(v int64)
}

// Counter is a metric that increments and decrements.
type Counter interface {
	// Get returns the current value.
	Get() int64

	// Inc increments the counter by the given quantity.
	Inc(i int64)

	// Dec decrements the counter by the given quantity.
	Dec(i int64)

	// Reset sets the counter to zero.
	Reset()
}

// Client represents a set of metrics.
type Client interface {
	// GetCounter creates or retrieves a Counter with the given name and tags.
	GetCounter(name string, tags ...map[string]string) Counter

	// GetInt64Metric creates or retrieves an Int64Metric with the given name
	// and tags.
	GetInt64Metric(name string, tags ...map[string]string) Int64Metric
}

var defaultClient Client = newPromClient()

// GetDefaultClient returns the Client used by the package-level functions.
func GetDefaultClient() Client {
	return defaultClient
}

// GetCounter creates or retrieves a Counter using the default client.
func GetCounter(name string, tags ...map[string]string) Counter {
	return defaultClient.GetCounter(name, tags...)
}

// GetInt64Metric creates or retrieves an Int64Metric using the default client.
func GetInt64Metric(name string, tags ...map[string]string) Int64Metric {
	return defaultClient.GetInt64Metric(name, tags...)
}
