package transfer

import (
	"fmt"
	"sync"
	"time"
)

// BytesTransfer is the monotonic sum of client-side bytes read and written
// across every completed relay session. Reset only by process restart.
func (t *Transfer) BytesTransfer() uint64 {
	return t.bytesTransfer.Load()
}

// Sessions counts relayed sessions since construction.
func (t *Transfer) Sessions() uint64 {
	return t.sessions.Load()
}

// Speed renders the transfer rate since the previous Speed call. The
// counter itself is monotonic; the rate is derived at sampling time.
func (t *Transfer) Speed() string {
	return t.speed.sample(t.bytesTransfer.Load())
}

type speedSampler struct {
	mu        sync.Mutex
	lastBytes uint64
	lastAt    time.Time
}

func (s *speedSampler) sample(current uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.lastAt.IsZero() {
		s.lastAt = now
		s.lastBytes = current
		return formatRate(0)
	}
	elapsed := now.Sub(s.lastAt).Seconds()
	if elapsed <= 0 {
		return formatRate(0)
	}
	rate := float64(current-s.lastBytes) / elapsed
	s.lastAt = now
	s.lastBytes = current
	return formatRate(rate)
}

func formatRate(bytesPerSec float64) string {
	switch {
	case bytesPerSec >= 1<<30:
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1<<30))
	case bytesPerSec >= 1<<20:
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1<<20))
	case bytesPerSec >= 1<<10:
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/(1<<10))
	default:
		return fmt.Sprintf("%.0f B/s", bytesPerSec)
	}
}
