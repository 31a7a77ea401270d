package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/pion/webrtc/v3"
)

func trackIds(tracks []webrtc.TrackLocal) []string {
	ids := []string{}
	for _, track := range tracks {
		ids = append(ids, track.ID())
	}
	return ids
}

func TestMediaToggle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	media := NewMediaController(ctx, NewSampleMediaDevices("a", MediaKindAudio, MediaKindVideo))
	defer media.Close()

	updates := [][]string{}
	media.AddTracksCallback(func(tracks []webrtc.TrackLocal) {
		updates = append(updates, trackIds(tracks))
	})

	on, err := media.ToggleVideo(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, on, true)
	on, err = media.ToggleAudio(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, on, true)
	assert.Equal(t, media.AudioEnabled(), true)
	assert.Equal(t, media.VideoEnabled(), true)
	assert.Equal(t, trackIds(media.Tracks()), []string{"audio", "video"})

	on, err = media.ToggleAudio(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, on, false)
	assert.Equal(t, media.AudioEnabled(), false)

	assert.Equal(t, updates, [][]string{
		{"video"},
		{"audio", "video"},
		{"video"},
	})
}

func TestMediaPermissionDenied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	media := NewMediaController(ctx, NewSampleMediaDevices("a"))
	defer media.Close()

	type mediaError struct {
		kind MediaKind
		err  error
	}
	mediaErrors := []mediaError{}
	media.AddErrorCallback(func(kind MediaKind, err error) {
		mediaErrors = append(mediaErrors, mediaError{kind: kind, err: err})
	})
	updates := 0
	media.AddTracksCallback(func(tracks []webrtc.TrackLocal) {
		updates += 1
	})

	on, err := media.ToggleAudio(ctx)
	assert.Equal(t, on, false)
	assert.Equal(t, errors.Is(err, ErrMediaPermissionDenied), true)

	err = media.StartScreenShare(ctx)
	assert.Equal(t, errors.Is(err, ErrMediaPermissionDenied), true)

	assert.Equal(t, len(mediaErrors), 2)
	assert.Equal(t, mediaErrors[0].kind, MediaKindAudio)
	assert.Equal(t, mediaErrors[1].kind, MediaKindScreen)
	assert.Equal(t, errors.Is(mediaErrors[1].err, ErrMediaPermissionDenied), true)
	assert.Equal(t, updates, 0)
	assert.Equal(t, len(media.Tracks()), 0)
}

func TestMediaScreenShare(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	devices := NewSampleMediaDevices("a", MediaKindVideo, MediaKindScreen)
	media := NewMediaController(ctx, devices)
	defer media.Close()

	updates := make(chan []string, 8)
	media.AddTracksCallback(func(tracks []webrtc.TrackLocal) {
		updates <- trackIds(tracks)
	})

	_, err := media.ToggleVideo(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, <-updates, []string{"video"})

	// the share replaces the camera
	err = media.StartScreenShare(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, <-updates, []string{"screen"})
	assert.Equal(t, media.ScreenSharing(), true)

	// ended by the capture source, the camera comes back
	devices.EndScreenShare()
	select {
	case ids := <-updates:
		assert.Equal(t, ids, []string{"video"})
	case <-time.After(5 * time.Second):
		t.Fatal("share did not end")
	}
	assert.Equal(t, media.ScreenSharing(), false)

	// stopped locally
	err = media.StartScreenShare(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, <-updates, []string{"screen"})
	media.StopScreenShare()
	assert.Equal(t, <-updates, []string{"video"})

	// a stale end does nothing
	devices.EndScreenShare()
	media.StopScreenShare()
	select {
	case ids := <-updates:
		t.Fatalf("unexpected update %v", ids)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, trackIds(media.Tracks()), []string{"video"})
}
