package observability

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Stats aggregates bridge counters for the debug dashboard.
type Stats struct {
	mu        sync.Mutex
	lastCheck time.Time
	lastRate  float64

	bytesAcked        atomic.Uint64
	windowBytes       atomic.Uint64
	sessionsCompleted atomic.Uint64
	sessionsAborted   atomic.Uint64
	sessionsResumed   atomic.Uint64
	clientConnects    atomic.Uint64
	cameraEvents      atomic.Uint64
	errorCount        atomic.Uint64
}

func NewStats() *Stats {
	return &Stats{lastCheck: time.Now()}
}

// AddBytesAcked records bytes confirmed delivered to the client.
func (s *Stats) AddBytesAcked(n uint64) {
	s.bytesAcked.Add(n)
	s.windowBytes.Add(n)
}

func (s *Stats) IncrSessionsCompleted() { s.sessionsCompleted.Add(1) }
func (s *Stats) IncrSessionsAborted()   { s.sessionsAborted.Add(1) }
func (s *Stats) IncrSessionsResumed()   { s.sessionsResumed.Add(1) }
func (s *Stats) IncrClientConnects()    { s.clientConnects.Add(1) }
func (s *Stats) IncrCameraEvents()      { s.cameraEvents.Add(1) }
func (s *Stats) IncrErrorCount()        { s.errorCount.Add(1) }

// Snapshot computes the delivery rate since the last call and returns
// every counter keyed for the dashboard template.
func (s *Stats) Snapshot() map[string]any {
	s.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(s.lastCheck).Seconds()
	if elapsed > 0.1 {
		window := s.windowBytes.Swap(0)
		s.lastRate = (float64(window) / 1024 / 1024) / elapsed
		s.lastCheck = now
	}
	rate := s.lastRate
	s.mu.Unlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]any{
		"DeliveryRateMBs":   rate,
		"BytesAcked":        s.bytesAcked.Load(),
		"SessionsCompleted": s.sessionsCompleted.Load(),
		"SessionsAborted":   s.sessionsAborted.Load(),
		"SessionsResumed":   s.sessionsResumed.Load(),
		"ClientConnects":    s.clientConnects.Load(),
		"CameraEvents":      s.cameraEvents.Load(),
		"Errors":            s.errorCount.Load(),
		"AllocMemMB":        m.Alloc / 1024 / 1024,
		"NumGC":             m.NumGC,
	}
}
