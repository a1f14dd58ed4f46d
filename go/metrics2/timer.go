package metrics2

import (
	"time"
)

// Timer measures elapsed time. Unlike the other metric helpers, Timer does
// not continuously report data; it reports a single value when Stop is
// called.
type Timer interface {
	// Start resets the timer.
	Start()

	// Stop reports the elapsed time since Start (or creation) in
	// milliseconds and returns it.
	Stop() time.Duration
}

type timer struct {
	begin time.Time
	m     Int64Metric
}

// NewTimer creates and returns a started Timer using the default client.
func NewTimer(name string, tags ...map[string]string) Timer {
	t := map[string]string{"type": "timer"}
	for _, tag := range tags {
		for k, v := range tag {
			t[k] = v
		}
	}
	return &timer{
		begin: time.Now(),
		m:     GetInt64Metric("timer_"+name+"_ms", t),
	}
}

// Start implements Timer.
func (t *timer) Start() {
	t.begin = time.Now()
}

// Stop implements Timer.
func (t *timer) Stop() time.Duration {
	elapsed := time.Since(t.begin)
	t.m.Update(int64(elapsed / time.Millisecond))
	return elapsed
}
