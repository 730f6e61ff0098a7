package mesh

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestCandidateBufferFlushesOnce(t *testing.T) {
	b := NewCandidateBuffer()
	require.True(t, b.Push(cand("candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host")))
	require.True(t, b.Push(cand("candidate:2 1 udp 2130706431 10.0.0.1 5001 typ host")))
	assert.False(t, b.Push(cand("candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host")), "duplicate")
	assert.Equal(t, 2, b.Len())

	got := b.Take()
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Candidate, "5000")
	assert.Empty(t, b.Take())
	assert.Equal(t, 0, b.Len())

	// Flushed candidates are remembered, so a late copy is not applied again.
	assert.False(t, b.Admit(cand("1 1 udp 2130706431 10.0.0.1 5000 typ host")))
	assert.True(t, b.Admit(cand("candidate:3 1 udp 2130706431 10.0.0.1 5002 typ host")))
}

func TestCandidateBufferRotateKeepsPending(t *testing.T) {
	b := NewCandidateBuffer()
	require.True(t, b.Admit(cand("candidate:applied")))
	require.True(t, b.Push(cand("candidate:waiting")))

	b.Rotate()
	assert.True(t, b.Admit(cand("candidate:applied")), "new ICE generation")
	assert.False(t, b.Push(cand("candidate:waiting")))
	assert.Len(t, b.Take(), 1)
}

func TestCandidateBufferClose(t *testing.T) {
	b := NewCandidateBuffer()
	b.Push(cand("candidate:a"))
	b.Push(cand("candidate:b"))

	assert.Equal(t, 2, b.Close())
	assert.False(t, b.Push(cand("candidate:c")))
	assert.False(t, b.Admit(cand("candidate:d")))
	assert.Empty(t, b.Take())
}

func TestCandidateBufferCarrySurvivesClose(t *testing.T) {
	b := NewCandidateBuffer()
	require.True(t, b.Admit(cand("candidate:applied")))
	require.True(t, b.Push(cand("candidate:waiting")))
	b.Close()

	got := b.Carry()
	require.Len(t, got, 2)
	assert.Equal(t, "candidate:applied", got[0].Candidate)
	assert.Equal(t, "candidate:waiting", got[1].Candidate)

	b = NewCandidateBuffer()
	b.Admit(cand("candidate:old"))
	b.Push(cand("candidate:new"))
	b.Rotate()
	got = b.Carry()
	require.Len(t, got, 1, "rotation forgets the previous generation")
	assert.Equal(t, "candidate:new", got[0].Candidate)
}
