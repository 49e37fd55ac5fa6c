package realtime

// Metrics is the instrumentation hook for the realtime layer. The concrete
// implementation lives with the application wiring; a no-op is used when
// nothing is registered.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	HandshakeResult(result string)
	MessageBroadcast()
	EventDropped()
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()      {}
func (nopMetrics) ConnectionClosed()      {}
func (nopMetrics) HandshakeResult(string) {}
func (nopMetrics) MessageBroadcast()      {}
func (nopMetrics) EventDropped()          {}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
