package source

import (
	"io"
	"sync/atomic"
	"time"
)

// IngestStats captures byte-level metrics for an input, exposed in the
// session debug snapshot for monitoring source health.
type IngestStats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`

	TS *TSStats `json:"ts,omitempty"`
}

type ingestStats struct {
	startedAt     time.Time
	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
	ts            *tsMonitor
}

func newIngestStats() *ingestStats {
	return &ingestStats{startedAt: time.Now()}
}

// monitorTS enables transport-stream inspection of every read.
func (s *ingestStats) monitorTS() { s.ts = newTSMonitor() }

func (s *ingestStats) recordRead(p []byte) {
	s.bytesReceived.Add(int64(len(p)))
	s.readCount.Add(1)
	if s.ts != nil {
		s.ts.observe(p)
	}
}

func (s *ingestStats) setRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

func (s *ingestStats) snapshot() IngestStats {
	addr, _ := s.remoteAddr.Load().(string)
	st := IngestStats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.startedAt.UnixMilli(),
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
	if s.ts != nil {
		ts := s.ts.snapshot()
		st.TS = &ts
	}
	return st
}

// countingReader records every successful read into stats.
type countingReader struct {
	r     io.Reader
	stats *ingestStats
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.stats.recordRead(p[:n])
	}
	return n, err
}
