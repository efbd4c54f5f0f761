package health

import "sync/atomic"

// Metrics holds the server-wide counters exported on /metrics. All fields
// are updated atomically from the connection layer.
type Metrics struct {
	ConnectionsTotal      atomic.Int64
	MessagesReceivedTotal atomic.Int64
	MessagesSentTotal     atomic.Int64
	BytesReceivedTotal    atomic.Int64
	BytesSentTotal        atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordReceive counts one inbound frame.
func (m *Metrics) RecordReceive(bytes int) {
	m.MessagesReceivedTotal.Add(1)
	m.BytesReceivedTotal.Add(int64(bytes))
}

// RecordSend counts one outbound frame.
func (m *Metrics) RecordSend(bytes int) {
	m.MessagesSentTotal.Add(1)
	m.BytesSentTotal.Add(int64(bytes))
}
