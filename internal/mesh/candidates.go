package mesh

import (
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

// CandidateBuffer holds remote ICE candidates that arrive before the remote
// description. It remembers every candidate it has admitted, so one
// candidate is never applied twice, and it refuses everything once closed.
type CandidateBuffer struct {
	mu       sync.Mutex
	pending  []webrtc.ICECandidateInit
	admitted []webrtc.ICECandidateInit
	seen     map[string]struct{}
	closed   bool
}

func NewCandidateBuffer() *CandidateBuffer {
	return &CandidateBuffer{seen: make(map[string]struct{})}
}

// Push buffers c for a later Take. It reports false for duplicates and after
// Close.
func (b *CandidateBuffer) Push(c webrtc.ICECandidateInit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.admitLocked(c) {
		return false
	}
	b.pending = append(b.pending, c)
	return true
}

// Admit records c for immediate application. It reports false for
// duplicates and after Close.
func (b *CandidateBuffer) Admit(c webrtc.ICECandidateInit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.admitLocked(c)
}

func (b *CandidateBuffer) admitLocked(c webrtc.ICECandidateInit) bool {
	if b.closed {
		return false
	}
	key := candidateKey(c)
	if _, dup := b.seen[key]; dup {
		return false
	}
	b.seen[key] = struct{}{}
	b.admitted = append(b.admitted, c)
	return true
}

// Take removes and returns everything buffered, in arrival order.
func (b *CandidateBuffer) Take() []webrtc.ICECandidateInit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// Rotate forgets applied candidates while keeping buffered ones. Called when
// the remote ICE credentials change, since the old candidates no longer
// apply.
func (b *CandidateBuffer) Rotate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = make(map[string]struct{}, len(b.pending))
	for _, c := range b.pending {
		b.seen[candidateKey(c)] = struct{}{}
	}
	b.admitted = append([]webrtc.ICECandidateInit(nil), b.pending...)
}

// Carry returns every candidate admitted since the last Rotate, buffered or
// already applied, in arrival order. A replacement link starts from these.
// It keeps working after Close.
func (b *CandidateBuffer) Carry() []webrtc.ICECandidateInit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), b.admitted...)
}

// Close drops buffered candidates and makes the buffer refuse new ones.
func (b *CandidateBuffer) Close() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := len(b.pending)
	b.pending = nil
	b.closed = true
	return dropped
}

// Len returns the number of buffered candidates.
func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func candidateKey(c webrtc.ICECandidateInit) string {
	return strings.TrimPrefix(strings.TrimSpace(c.Candidate), "candidate:")
}
