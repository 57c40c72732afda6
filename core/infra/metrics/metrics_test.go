package metrics

import "testing"

func TestNoopImplementsInterfaces(t *testing.T) {
	var b BridgeMetrics = Noop{}
	var r RelayMetrics = Noop{}
	b.ObserveRequest("compile", "ok", 0.1)
	b.IncDispatched("q")
	b.IncRetries()
	r.IncConnections()
	r.DecConnections()
	r.IncForwarded()
	r.IncForwardFailed()
	r.IncNoListener()
}

func TestPromCollectors(t *testing.T) {
	b := NewBridgeProm("bridge_test")
	b.ObserveRequest("compile", "ok", 0.05)
	b.IncDispatched("prod-compilation-blue.fifo")
	b.IncRetries()

	r := NewRelayProm("relay_test")
	r.IncConnections()
	r.IncForwarded()
	r.IncForwardFailed()
	r.IncNoListener()
	r.DecConnections()
}
