package metrics2

import (
	"sync"
	"time"
)

const livenessReportFrequency = time.Minute

// Liveness keeps a time-since-last-successful-update metric, in seconds.
//
// It is used to keep track of periodic processes to make sure that they are
// running successfully. Every liveness metric should have a corresponding
// alert that fires when the value gets too large.
type Liveness interface {
	// Get returns the current value, in seconds.
	Get() int64

	// Reset should be called when some work has been successfully completed.
	Reset()

	// Close stops the background reporting goroutine.
	Close()
}

type liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
	stopCh               chan struct{}
}

// NewLiveness creates a new Liveness metric helper using the default client.
func NewLiveness(name string, tags ...map[string]string) Liveness {
	t := map[string]string{"type": "liveness"}
	for _, tag := range tags {
		for k, v := range tag {
			t[k] = v
		}
	}
	l := &liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    GetInt64Metric("liveness_"+name+"_s", t),
		stopCh:               make(chan struct{}),
	}
	go func() {
		ticker := time.NewTicker(livenessReportFrequency)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				l.update()
			}
		}
	}()
	return l
}

func (l *liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

// Get implements Liveness.
func (l *liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.m.Get()
}

// Reset implements Liveness.
func (l *liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = time.Now()
	l.m.Update(0)
}

// Close implements Liveness.
func (l *liveness) Close() {
	close(l.stopCh)
}
