// Package metrics exposes networking events as Prometheus gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/florinxfl/go-p2p"
)

const namespace = "p2pnet"

// Listener is a p2p.NetworkListener that mirrors every event into gauges.
type Listener struct {
	networkActive prometheus.Gauge
	connections   prometheus.Gauge
	bytesReceived prometheus.Gauge
	bytesSent     prometheus.Gauge
}

// NewListener creates the gauges and registers them on reg.
func NewListener(reg prometheus.Registerer) (*Listener, error) {
	l := &Listener{
		networkActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_active",
			Help:      "1 while p2p networking is enabled, 0 while it is disabled",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of connected peers",
		}),
		// the node reports running totals, so these are gauges set to the latest value
		bytesReceived: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received from peers",
		}),
		bytesSent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to peers",
		}),
	}

	for _, c := range []prometheus.Collector{l.networkActive, l.connections, l.bytesReceived, l.bytesSent} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// SetNetworkActive seeds the network gauge before the first event arrives.
func (l *Listener) SetNetworkActive(active bool) {
	if active {
		l.networkActive.Set(1)
		return
	}

	l.networkActive.Set(0)
}

func (l *Listener) OnNetworkEnabled() {
	l.networkActive.Set(1)
}

func (l *Listener) OnNetworkDisabled() {
	l.networkActive.Set(0)
}

func (l *Listener) OnConnectionCountChanged(numConnections int32) {
	l.connections.Set(float64(numConnections))
}

func (l *Listener) OnBytesChanged(totalRecv, totalSent uint64) {
	l.bytesReceived.Set(float64(totalRecv))
	l.bytesSent.Set(float64(totalSent))
}

var _ p2p.NetworkListener = (*Listener)(nil)
