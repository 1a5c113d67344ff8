// Package metrics defines the instrumentation surface of the pipeline and its
// Prometheus and no-op implementations.
package metrics

import "time"

// Collector receives pipeline measurements
type Collector interface {
	// Job lifecycle
	JobCreated()
	JobConflict()
	RunStarted()
	RunFinished(status string, d time.Duration)
	WatchdogTimeout()

	// Generation
	AttemptScored(accepted bool, score float64)
	BackendRequest(stage string, d time.Duration, err error)

	// Enrichment
	QualityModule(module string, d time.Duration, err error)
}

// Nop discards every measurement
type Nop struct{}

var _ Collector = Nop{}

// NewNop creates a no-op collector
func NewNop() Nop { return Nop{} }

func (Nop) JobCreated()                                 {}
func (Nop) JobConflict()                                {}
func (Nop) RunStarted()                                 {}
func (Nop) RunFinished(string, time.Duration)           {}
func (Nop) WatchdogTimeout()                            {}
func (Nop) AttemptScored(bool, float64)                 {}
func (Nop) BackendRequest(string, time.Duration, error) {}
func (Nop) QualityModule(string, time.Duration, error)  {}
