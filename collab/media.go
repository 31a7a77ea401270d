package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/pion/webrtc/v3"
)

var ErrMediaPermissionDenied = errors.New("media permission denied")

type MediaKind string

const (
	MediaKindAudio  MediaKind = "audio"
	MediaKindVideo  MediaKind = "video"
	MediaKindScreen MediaKind = "screen"
)

// the local capture devices
type MediaDevices interface {
	// audio or video
	GetUserMedia(ctx context.Context, kind MediaKind) (webrtc.TrackLocal, error)
	// `ended` is closed when the share is ended outside of the app
	GetDisplayMedia(ctx context.Context) (track webrtc.TrackLocal, ended <-chan struct{}, err error)
}

// SampleMediaDevices produces sample tracks that the app writes encoded media into
// with `WriteSample`. Kinds that are not allowed fail with `ErrMediaPermissionDenied`.
type SampleMediaDevices struct {
	streamId string
	allowed  map[MediaKind]bool

	mutex       sync.Mutex
	screenEnded chan struct{}
}

func NewSampleMediaDevices(streamId string, allowed ...MediaKind) *SampleMediaDevices {
	allowedKinds := map[MediaKind]bool{}
	for _, kind := range allowed {
		allowedKinds[kind] = true
	}
	return &SampleMediaDevices{
		streamId: streamId,
		allowed:  allowedKinds,
	}
}

func (self *SampleMediaDevices) GetUserMedia(ctx context.Context, kind MediaKind) (webrtc.TrackLocal, error) {
	if !self.allowed[kind] {
		return nil, fmt.Errorf("%s: %w", kind, ErrMediaPermissionDenied)
	}
	switch kind {
	case MediaKindAudio:
		return webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio",
			self.streamId,
		)
	case MediaKindVideo:
		return webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video",
			self.streamId,
		)
	default:
		return nil, fmt.Errorf("unsupported user media %s", kind)
	}
}

func (self *SampleMediaDevices) GetDisplayMedia(ctx context.Context) (webrtc.TrackLocal, <-chan struct{}, error) {
	if !self.allowed[MediaKindScreen] {
		return nil, nil, fmt.Errorf("%s: %w", MediaKindScreen, ErrMediaPermissionDenied)
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen",
		self.streamId,
	)
	if err != nil {
		return nil, nil, err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	ended := make(chan struct{})
	self.screenEnded = ended
	return track, ended, nil
}

// EndScreenShare signals that the active share was ended by the capture source.
func (self *SampleMediaDevices) EndScreenShare() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.screenEnded != nil {
		close(self.screenEnded)
		self.screenEnded = nil
	}
}

type MediaTracksFunction = func(tracks []webrtc.TrackLocal)
type MediaErrorFunction = func(kind MediaKind, err error)

// MediaController holds the local tracks. The screen share, while active,
// replaces the camera as the outbound video.
type MediaController struct {
	ctx     context.Context
	devices MediaDevices

	mutex            sync.Mutex
	audio            webrtc.TrackLocal
	video            webrtc.TrackLocal
	screen           webrtc.TrackLocal
	screenGeneration int

	tracksCallbacks *CallbackList[MediaTracksFunction]
	errorCallbacks  *CallbackList[MediaErrorFunction]
}

func NewMediaController(ctx context.Context, devices MediaDevices) *MediaController {
	return &MediaController{
		ctx:             ctx,
		devices:         devices,
		tracksCallbacks: NewCallbackList[MediaTracksFunction](),
		errorCallbacks:  NewCallbackList[MediaErrorFunction](),
	}
}

func (self *MediaController) AddTracksCallback(tracksCallback MediaTracksFunction) func() {
	callbackId := self.tracksCallbacks.Add(tracksCallback)
	return func() {
		self.tracksCallbacks.Remove(callbackId)
	}
}

func (self *MediaController) AddErrorCallback(errorCallback MediaErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(errorCallback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

// the outbound tracks, audio first
func (self *MediaController) Tracks() []webrtc.TrackLocal {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.tracks()
}

func (self *MediaController) tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{}
	if self.audio != nil {
		tracks = append(tracks, self.audio)
	}
	if self.screen != nil {
		tracks = append(tracks, self.screen)
	} else if self.video != nil {
		tracks = append(tracks, self.video)
	}
	return tracks
}

func (self *MediaController) AudioEnabled() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.audio != nil
}

func (self *MediaController) VideoEnabled() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.video != nil
}

func (self *MediaController) ScreenSharing() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.screen != nil
}

func (self *MediaController) notifyTracks(tracks []webrtc.TrackLocal) {
	for _, tracksCallback := range self.tracksCallbacks.Get() {
		HandleError(func() {
			tracksCallback(tracks)
		})
	}
}

func (self *MediaController) notifyError(kind MediaKind, err error) {
	glog.Infof("[m]%s error = %s\n", kind, err)
	for _, errorCallback := range self.errorCallbacks.Get() {
		HandleError(func() {
			errorCallback(kind, err)
		})
	}
}

// ToggleAudio acquires or releases the microphone track. Returns whether audio is now on.
func (self *MediaController) ToggleAudio(ctx context.Context) (bool, error) {
	return self.toggle(ctx, MediaKindAudio, &self.audio)
}

// ToggleVideo acquires or releases the camera track. Returns whether video is now on.
func (self *MediaController) ToggleVideo(ctx context.Context) (bool, error) {
	return self.toggle(ctx, MediaKindVideo, &self.video)
}

func (self *MediaController) toggle(ctx context.Context, kind MediaKind, slot *webrtc.TrackLocal) (bool, error) {
	self.mutex.Lock()
	if *slot != nil {
		*slot = nil
		tracks := self.tracks()
		self.mutex.Unlock()
		glog.V(1).Infof("[m]%s off\n", kind)
		self.notifyTracks(tracks)
		return false, nil
	}
	self.mutex.Unlock()

	track, err := self.devices.GetUserMedia(ctx, kind)
	if err != nil {
		self.notifyError(kind, err)
		return false, err
	}

	self.mutex.Lock()
	*slot = track
	tracks := self.tracks()
	self.mutex.Unlock()
	glog.V(1).Infof("[m]%s on\n", kind)
	self.notifyTracks(tracks)
	return true, nil
}

// StartScreenShare replaces the outbound video with a display capture.
// The camera is restored when the share ends or is stopped.
func (self *MediaController) StartScreenShare(ctx context.Context) error {
	track, ended, err := self.devices.GetDisplayMedia(ctx)
	if err != nil {
		self.notifyError(MediaKindScreen, err)
		return err
	}

	self.mutex.Lock()
	self.screen = track
	self.screenGeneration += 1
	generation := self.screenGeneration
	tracks := self.tracks()
	self.mutex.Unlock()
	glog.V(1).Infof("[m]screen on\n")
	self.notifyTracks(tracks)

	if ended != nil {
		go HandleError(func() {
			select {
			case <-self.ctx.Done():
			case <-ended:
				glog.V(1).Infof("[m]screen ended\n")
				self.stopScreenShare(generation)
			}
		})
	}
	return nil
}

func (self *MediaController) StopScreenShare() {
	self.mutex.Lock()
	generation := self.screenGeneration
	self.mutex.Unlock()
	self.stopScreenShare(generation)
}

// only stops the share that `generation` started
func (self *MediaController) stopScreenShare(generation int) {
	self.mutex.Lock()
	if self.screen == nil || self.screenGeneration != generation {
		self.mutex.Unlock()
		return
	}
	self.screen = nil
	tracks := self.tracks()
	self.mutex.Unlock()
	glog.V(1).Infof("[m]screen off\n")
	self.notifyTracks(tracks)
}

func (self *MediaController) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.audio = nil
	self.video = nil
	self.screen = nil
}
