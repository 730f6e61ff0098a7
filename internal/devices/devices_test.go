package devices

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticUserMedia(t *testing.T) {
	p := NewSynthetic()
	ctx := context.Background()

	tracks, err := p.UserMedia(ctx, Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, KindAudio, tracks[0].Kind())
	assert.Equal(t, KindVideo, tracks[1].Kind())
	assert.Equal(t, "audio", tracks[0].Local().Kind().String())

	p.Deny(SourceCamera, nil)
	_, err = p.UserMedia(ctx, Constraints{Audio: true, Video: true})
	require.ErrorIs(t, err, ErrPermissionDenied, "requests are all or nothing")

	tracks, err = p.UserMedia(ctx, Constraints{Audio: true})
	require.NoError(t, err)
	require.Len(t, tracks, 1)

	devs, err := p.Enumerate(ctx)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, SourceMicrophone, devs[0].Source)
}

func TestSyntheticDisplayMedia(t *testing.T) {
	p := NewSynthetic()
	video, audio, err := p.DisplayMedia(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, SourceScreen, video.Source())
	require.NotNil(t, audio)
	assert.Equal(t, SourceSystemAudio, audio.Source())

	video, audio, err = p.WithoutSystemAudio().DisplayMedia(context.Background(), true)
	require.NoError(t, err)
	assert.NotNil(t, video)
	assert.Nil(t, audio)
}

func TestTrackStop(t *testing.T) {
	released := 0
	p := NewSynthetic()
	tracks, err := p.UserMedia(context.Background(), Constraints{Video: true})
	require.NoError(t, err)

	tr := NewTrack(SourceCamera, tracks[0].Local(), func() { released++ })
	assert.True(t, tr.Live())
	tr.SetEnabled(false)
	assert.False(t, tr.Enabled())

	tr.Stop()
	tr.Stop()
	assert.Equal(t, 1, released)
	assert.False(t, tr.Live())
	select {
	case <-tr.Ended():
	default:
		t.Fatal("Ended must be closed after Stop")
	}
}
