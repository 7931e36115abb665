package domain

import "time"

// Metrics is the observability surface the core calls into. Wiring a real
// exporter (Prometheus, statsd, ...) is left to the caller; the core only
// ever calls this interface.
type Metrics interface {
	// IncSubmit increments tasks_submit_total{name}.
	IncSubmit(name string)
	// ObserveCheckout observes tasks_checkout_timing: now - scheduled_at
	// at run_task entry.
	ObserveCheckout(name string, d time.Duration)
	// ObserveHandlerDuration observes tasks_timing{name}: handler wall-clock duration.
	ObserveHandlerDuration(name string, d time.Duration)
}
