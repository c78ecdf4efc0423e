package observability

import (
	"sync/atomic"
)

// MetricsCollector provides hooks for metrics collection on the send/receive path.
// Can be implemented to integrate with Prometheus, StatsD, etc.
type MetricsCollector interface {
	IncSent()
	IncOffloaded(bytes int)
	IncUploadFailed()
	IncReceived()
	IncReassembled(bytes int)
	IncDownloadFailed()
	IncBlobDeleted()
	IncDeleteFailed()
	IncProcessed()
	IncFailed()
}

// InMemoryMetrics is a simple in-memory implementation for testing/demo
type InMemoryMetrics struct {
	Sent             atomic.Int64
	Offloaded        atomic.Int64
	OffloadedBytes   atomic.Int64
	UploadFailed     atomic.Int64
	Received         atomic.Int64
	Reassembled      atomic.Int64
	ReassembledBytes atomic.Int64
	DownloadFailed   atomic.Int64
	BlobDeleted      atomic.Int64
	DeleteFailed     atomic.Int64
	Processed        atomic.Int64
	Failed           atomic.Int64
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

func (m *InMemoryMetrics) IncSent() {
	m.Sent.Add(1)
}

func (m *InMemoryMetrics) IncOffloaded(bytes int) {
	m.Offloaded.Add(1)
	m.OffloadedBytes.Add(int64(bytes))
}

func (m *InMemoryMetrics) IncUploadFailed() {
	m.UploadFailed.Add(1)
}

func (m *InMemoryMetrics) IncReceived() {
	m.Received.Add(1)
}

func (m *InMemoryMetrics) IncReassembled(bytes int) {
	m.Reassembled.Add(1)
	m.ReassembledBytes.Add(int64(bytes))
}

func (m *InMemoryMetrics) IncDownloadFailed() {
	m.DownloadFailed.Add(1)
}

func (m *InMemoryMetrics) IncBlobDeleted() {
	m.BlobDeleted.Add(1)
}

func (m *InMemoryMetrics) IncDeleteFailed() {
	m.DeleteFailed.Add(1)
}

func (m *InMemoryMetrics) IncProcessed() {
	m.Processed.Add(1)
}

func (m *InMemoryMetrics) IncFailed() {
	m.Failed.Add(1)
}

func (m *InMemoryMetrics) GetSent() int64 {
	return m.Sent.Load()
}

func (m *InMemoryMetrics) GetOffloaded() int64 {
	return m.Offloaded.Load()
}

func (m *InMemoryMetrics) GetUploadFailed() int64 {
	return m.UploadFailed.Load()
}

func (m *InMemoryMetrics) GetReceived() int64 {
	return m.Received.Load()
}

func (m *InMemoryMetrics) GetReassembled() int64 {
	return m.Reassembled.Load()
}

func (m *InMemoryMetrics) GetDownloadFailed() int64 {
	return m.DownloadFailed.Load()
}

func (m *InMemoryMetrics) GetBlobDeleted() int64 {
	return m.BlobDeleted.Load()
}

func (m *InMemoryMetrics) GetDeleteFailed() int64 {
	return m.DeleteFailed.Load()
}

func (m *InMemoryMetrics) GetProcessed() int64 {
	return m.Processed.Load()
}

func (m *InMemoryMetrics) GetFailed() int64 {
	return m.Failed.Load()
}
