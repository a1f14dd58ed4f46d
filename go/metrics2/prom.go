package metrics2

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.sahl.health/claims/go/sklog"
)

// invalidChar is used to force metric and tag names to conform to Prometheus's
// restrictions.
var invalidChar = regexp.MustCompile("([^a-zA-Z0-9_:])")

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// promInt64 implements the Int64Metric and Counter interfaces.
type promInt64 struct {
	// i tracks the value of the gauge, because the prometheus client lib
	// doesn't support Get on Gauge values.
	i     int64
	gauge prometheus.Gauge
}

func (m *promInt64) Get() int64 {
	return atomic.LoadInt64(&m.i)
}

func (m *promInt64) Update(v int64) {
	atomic.StoreInt64(&m.i, v)
	m.gauge.Set(float64(v))
}

func (m *promInt64) Inc(i int64) {
	m.gauge.Set(float64(atomic.AddInt64(&m.i, i)))
}

func (m *promInt64) Dec(i int64) {
	m.gauge.Set(float64(atomic.AddInt64(&m.i, -i)))
}

func (m *promInt64) Reset() {
	m.Update(0)
}

// promClient implements the Client interface.
type promClient struct {
	int64GaugeVecs map[string]*prometheus.GaugeVec
	int64Gauges    map[string]*promInt64
	int64Mutex     sync.Mutex
}

func newPromClient() *promClient {
	return &promClient{
		int64GaugeVecs: map[string]*prometheus.GaugeVec{},
		int64Gauges:    map[string]*promInt64{},
	}
}

// commonGet merges and cleans the tags and returns the keys needed to look up
// both the GaugeVec and the individual gauge.
func (p *promClient) commonGet(name string, tags ...map[string]string) (string, map[string]string, []string, string, string) {
	measurement := clean(name)
	cleanTags := map[string]string{}
	for _, t := range tags {
		for k, v := range t {
			cleanTags[clean(k)] = v
		}
	}
	keys := make([]string, 0, len(cleanTags))
	for k := range cleanTags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	gaugeKey := measurement
	for _, k := range keys {
		gaugeKey += "-" + k + "-" + cleanTags[k]
	}
	gaugeVecKey := measurement + "-" + strings.Join(keys, "-")
	return measurement, cleanTags, keys, gaugeKey, gaugeVecKey
}

func (p *promClient) int64Gauge(name string, tags ...map[string]string) *promInt64 {
	measurement, cleanTags, keys, gaugeKey, gaugeVecKey := p.commonGet(name, tags...)
	p.int64Mutex.Lock()
	defer p.int64Mutex.Unlock()
	if g, ok := p.int64Gauges[gaugeKey]; ok {
		return g
	}
	vec, ok := p.int64GaugeVecs[gaugeVecKey]
	if !ok {
		vec = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: measurement}, keys)
		p.int64GaugeVecs[gaugeVecKey] = vec
	}
	gauge, err := vec.GetMetricWith(prometheus.Labels(cleanTags))
	if err != nil {
		// Mismatched label sets for the same metric name is a programming
		// error; surface it loudly and keep the process alive.
		sklog.Errorf("Failed to get metric %q with tags %v: %s", name, cleanTags, err)
		gauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: measurement + "_orphan"})
	}
	g := &promInt64{gauge: gauge}
	p.int64Gauges[gaugeKey] = g
	return g
}

// GetInt64Metric implements the Client interface.
func (p *promClient) GetInt64Metric(name string, tags ...map[string]string) Int64Metric {
	return p.int64Gauge(name, tags...)
}

// GetCounter implements the Client interface.
func (p *promClient) GetCounter(name string, tags ...map[string]string) Counter {
	return p.int64Gauge(name, tags...)
}
