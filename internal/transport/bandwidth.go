package transport

import (
	"net"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bytesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "golemnet_bytes_sent_total",
		Help: "Total bytes written to peer connections.",
	})
	bytesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "golemnet_bytes_received_total",
		Help: "Total bytes read from peer connections.",
	})
)

func init() {
	prometheus.MustRegister(bytesSentTotal, bytesReceivedTotal)
}

// Meter accumulates byte counts across every connection it wraps and
// mirrors them onto the package's Prometheus counters.
type Meter struct {
	sent     uint64
	received uint64
}

// NewMeter returns an empty bandwidth meter.
func NewMeter() *Meter { return &Meter{} }

// Sent returns the cumulative bytes written across all wrapped connections.
func (m *Meter) Sent() uint64 { return atomic.LoadUint64(&m.sent) }

// Received returns the cumulative bytes read across all wrapped connections.
func (m *Meter) Received() uint64 { return atomic.LoadUint64(&m.received) }

// Wrap instruments conn so every read/write updates this meter.
func (m *Meter) Wrap(conn net.Conn) net.Conn {
	return &meteredConn{Conn: conn, meter: m}
}

type meteredConn struct {
	net.Conn
	meter *Meter
}

func (c *meteredConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		atomic.AddUint64(&c.meter.received, uint64(n))
		bytesReceivedTotal.Add(float64(n))
	}
	return n, err
}

func (c *meteredConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		atomic.AddUint64(&c.meter.sent, uint64(n))
		bytesSentTotal.Add(float64(n))
	}
	return n, err
}
