package metrics

import "time"

// Noop is the default sink when no statsd address is configured.
type Noop struct{}

func (Noop) Increment(string) {}

func (Noop) Duration(string, time.Duration) {}

func (Noop) Gauge(string, int) {}
