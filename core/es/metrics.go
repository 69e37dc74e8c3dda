package es

import "github.com/driftworks/evlog-go/core/metrics"

// Metrics is the instrumentation surface of the event store. All methods
// must be safe for concurrent use.
type Metrics interface {
	AppendDuration(eventType string) metrics.Timer
	EventAppended(eventType string)
	ConcurrencyConflict()
	DuplicateSkipped()

	ProjectionUpdateDuration(projection string) metrics.Timer
	ProjectionHandlerError(projection string)

	SubscriberEnqueued()
	SubscriberDelivered(success bool)

	SnapshotSaveDuration() metrics.Timer
	SnapshotLoadDuration() metrics.Timer
	RebuildDuration() metrics.Timer

	CacheHit()
	CacheMiss()
}

type nopMetrics struct{}

func (nopMetrics) AppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) EventAppended(string)                {}
func (nopMetrics) ConcurrencyConflict()                {}
func (nopMetrics) DuplicateSkipped()                   {}

func (nopMetrics) ProjectionUpdateDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) ProjectionHandlerError(string)                 {}

func (nopMetrics) SubscriberEnqueued()      {}
func (nopMetrics) SubscriberDelivered(bool) {}

func (nopMetrics) SnapshotSaveDuration() metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) SnapshotLoadDuration() metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) RebuildDuration() metrics.Timer      { return metrics.NopTimer() }

func (nopMetrics) CacheHit()  {}
func (nopMetrics) CacheMiss() {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
