package relay

import "time"

// Metrics receives relay counters. pkg/metrics.Collector implements it.
type Metrics interface {
	IncRequest(kind string)
	IncDispatchFailure()
	ObserveDispatch(status string, d time.Duration)
	IncOutbound(purpose, status string)
	IncCommand(name, status string)
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

type nopMetrics struct{}

func (nopMetrics) IncRequest(string)                     {}
func (nopMetrics) IncDispatchFailure()                   {}
func (nopMetrics) ObserveDispatch(string, time.Duration) {}
func (nopMetrics) IncOutbound(string, string)            {}
func (nopMetrics) IncCommand(string, string)             {}

func metricsOrNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
