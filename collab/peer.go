package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pion/webrtc/v3"
	"golang.org/x/exp/maps"
)

// direct client-to-client channels. The relay remains the durable path;
// a send to a peer that is not connected is dropped silently.

var ErrPeerNotReady = errors.New("peer not ready")
var ErrPeerClosed = errors.New("peer closed")

type PeerPhase string

const (
	PeerPhaseNew       PeerPhase = "new"
	PeerPhaseSignaling PeerPhase = "signaling"
	PeerPhaseConnected PeerPhase = "connected"
	PeerPhaseClosed    PeerPhase = "closed"
)

type PeerMessageType string

const (
	PeerMessageTypeOperation PeerMessageType = "operation"
	PeerMessageTypeCursor    PeerMessageType = "cursor"
)

// data channel envelope
type PeerMessage struct {
	Type      PeerMessageType `json:"type"`
	Data      json.RawMessage `json:"data"`
	UserId    string          `json:"userId"`
	Timestamp int64           `json:"timestamp"`
}

func (self *PeerMessage) Decode(v any) error {
	if err := json.Unmarshal(self.Data, v); err != nil {
		return fmt.Errorf("peer %s %s: %w", self.UserId, self.Type, err)
	}
	return nil
}

type RemoteTrack struct {
	Id       string
	StreamId string
	Kind     string
	// nil for connectors that do not carry media
	Track *webrtc.TrackRemote
}

// forwards locally generated signals to the remote user, normally through the relay
type SignalSender interface {
	SendSignal(userId string, signal *Signal) error
}

type PeerHandlers struct {
	OnSignal  func(signal *Signal)
	OnConnect func()
	OnData    func(data []byte)
	OnTrack   func(track *RemoteTrack)
	OnError   func(err error)
	OnClose   func()
}

// one direct connection
type PeerConn interface {
	HandleSignal(signal *Signal) error
	Send(data []byte) error
	// replaces the outbound media
	SetTracks(tracks []webrtc.TrackLocal) error
	Close() error
}

type PeerConnector interface {
	NewPeerConn(userId string, isInitiator bool, tracks []webrtc.TrackLocal, handlers *PeerHandlers) (PeerConn, error)
}

type PeerSettings struct {
	IceServers       []webrtc.ICEServer
	DataChannelLabel string
	// media acquired by `StartMedia`
	EnableAudio bool
	EnableVideo bool
}

func DefaultPeerSettings() *PeerSettings {
	return &PeerSettings{
		IceServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
		DataChannelLabel: "collab",
		EnableAudio:      true,
		EnableVideo:      true,
	}
}

type PeerState struct {
	UserId      string
	IsInitiator bool

	conn         PeerConn
	phase        PeerPhase
	remoteTracks []*RemoteTrack

	log LogFunction
}

type PeerMessageFunction = func(message *PeerMessage)
type RemoteTrackFunction = func(userId string, track *RemoteTrack)
type PeerPhaseFunction = func(userId string, phase PeerPhase)

// PeerManager owns the registry of direct connections for one local user.
// Connector callbacks arrive on their own goroutines so the registry is locked.
type PeerManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	localUserId  string
	settings     *PeerSettings
	connector    PeerConnector
	signalSender SignalSender
	media        *MediaController
	clock        ClockFunction

	mutex sync.Mutex
	peers map[string]*PeerState

	messageCallbacks     *CallbackList[PeerMessageFunction]
	remoteTrackCallbacks *CallbackList[RemoteTrackFunction]
	phaseCallbacks       *CallbackList[PeerPhaseFunction]

	log         LogFunction
	unsubTracks func()
}

func NewPeerManager(
	ctx context.Context,
	localUserId string,
	connector PeerConnector,
	signalSender SignalSender,
	devices MediaDevices,
	settings *PeerSettings,
) *PeerManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	peerManager := &PeerManager{
		ctx:                  cancelCtx,
		cancel:               cancel,
		localUserId:          localUserId,
		settings:             settings,
		connector:            connector,
		signalSender:         signalSender,
		media:                NewMediaController(cancelCtx, devices),
		clock:                func() int64 { return time.Now().UnixMilli() },
		peers:                map[string]*PeerState{},
		messageCallbacks:     NewCallbackList[PeerMessageFunction](),
		remoteTrackCallbacks: NewCallbackList[RemoteTrackFunction](),
		phaseCallbacks:       NewCallbackList[PeerPhaseFunction](),
		log:                  LogFn(1, "p"),
	}
	peerManager.unsubTracks = peerManager.media.AddTracksCallback(peerManager.updateTracks)
	return peerManager
}

func (self *PeerManager) AddMessageCallback(messageCallback PeerMessageFunction) func() {
	callbackId := self.messageCallbacks.Add(messageCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *PeerManager) AddRemoteTrackCallback(remoteTrackCallback RemoteTrackFunction) func() {
	callbackId := self.remoteTrackCallbacks.Add(remoteTrackCallback)
	return func() {
		self.remoteTrackCallbacks.Remove(callbackId)
	}
}

func (self *PeerManager) AddPhaseCallback(phaseCallback PeerPhaseFunction) func() {
	callbackId := self.phaseCallbacks.Add(phaseCallback)
	return func() {
		self.phaseCallbacks.Remove(callbackId)
	}
}

func (self *PeerManager) AddMediaErrorCallback(mediaErrorCallback MediaErrorFunction) func() {
	return self.media.AddErrorCallback(mediaErrorCallback)
}

// InitializePeer creates a connection to `userId` if there is not already a live one.
func (self *PeerManager) InitializePeer(userId string, isInitiator bool) error {
	_, err := self.initializePeer(userId, isInitiator)
	return err
}

func (self *PeerManager) initializePeer(userId string, isInitiator bool) (*PeerState, error) {
	if self.ctx.Err() != nil {
		return nil, ErrPeerClosed
	}

	state, created := func() (*PeerState, bool) {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if state, ok := self.peers[userId]; ok {
			return state, false
		}
		state := &PeerState{
			UserId:       userId,
			IsInitiator:  isInitiator,
			phase:        PeerPhaseNew,
			remoteTracks: []*RemoteTrack{},
			log:          SubLogFn(self.log, userId),
		}
		self.peers[userId] = state
		return state, true
	}()
	if !created {
		return state, nil
	}
	state.log("init initiator=%t", isInitiator)
	self.notifyPhase(userId, PeerPhaseNew)

	conn, err := self.connector.NewPeerConn(userId, isInitiator, self.media.Tracks(), self.handlers(state))
	if err != nil {
		glog.Infof("[p]init %s error = %s\n", userId, err)
		self.teardown(state, err)
		return nil, err
	}

	signaling, closed := func() (bool, bool) {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		state.conn = conn
		switch state.phase {
		case PeerPhaseNew:
			state.phase = PeerPhaseSignaling
			return true, false
		case PeerPhaseClosed:
			return false, true
		default:
			return false, false
		}
	}()
	if closed {
		// torn down while the connection was being created
		conn.Close()
		return nil, ErrPeerClosed
	}
	if signaling {
		self.notifyPhase(userId, PeerPhaseSignaling)
	}
	return state, nil
}

func (self *PeerManager) handlers(state *PeerState) *PeerHandlers {
	userId := state.UserId
	return &PeerHandlers{
		OnSignal: func(signal *Signal) {
			if err := self.signalSender.SendSignal(userId, signal); err != nil {
				glog.Infof("[p]signal %s %s error = %s\n", userId, signal.Type, err)
			}
		},
		OnConnect: func() {
			connected := func() bool {
				self.mutex.Lock()
				defer self.mutex.Unlock()
				if self.peers[userId] != state || state.phase == PeerPhaseClosed {
					return false
				}
				state.phase = PeerPhaseConnected
				return true
			}()
			if connected {
				state.log("connected")
				self.notifyPhase(userId, PeerPhaseConnected)
			}
		},
		OnData: func(data []byte) {
			message := &PeerMessage{}
			if err := json.Unmarshal(data, message); err != nil {
				glog.Infof("[p]%s<- bad message = %s\n", userId, err)
				return
			}
			if message.UserId == "" {
				message.UserId = userId
			}
			glog.V(2).Infof("[p]%s<-%s\n", userId, message.Type)
			for _, messageCallback := range self.messageCallbacks.Get() {
				HandleError(func() {
					messageCallback(message)
				})
			}
		},
		OnTrack: func(track *RemoteTrack) {
			func() {
				self.mutex.Lock()
				defer self.mutex.Unlock()
				state.remoteTracks = append(state.remoteTracks, track)
			}()
			state.log("<- track %s %s", track.Kind, track.Id)
			for _, remoteTrackCallback := range self.remoteTrackCallbacks.Get() {
				HandleError(func() {
					remoteTrackCallback(userId, track)
				})
			}
		},
		OnError: func(err error) {
			glog.Infof("[p]%s error = %s\n", userId, err)
			self.teardown(state, err)
		},
		OnClose: func() {
			self.teardown(state, nil)
		},
	}
}

// tears down `state` if it is still the registered peer for its user
func (self *PeerManager) teardown(state *PeerState, err error) {
	conn, closed := func() (PeerConn, bool) {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if state.phase == PeerPhaseClosed {
			return nil, false
		}
		state.phase = PeerPhaseClosed
		if self.peers[state.UserId] == state {
			delete(self.peers, state.UserId)
		}
		return state.conn, true
	}()
	if !closed {
		return
	}
	if conn != nil {
		conn.Close()
	}
	if err != nil {
		state.log("closed = %s", err)
	} else {
		state.log("closed")
	}
	self.notifyPhase(state.UserId, PeerPhaseClosed)
}

func (self *PeerManager) notifyPhase(userId string, phase PeerPhase) {
	for _, phaseCallback := range self.phaseCallbacks.Get() {
		HandleError(func() {
			phaseCallback(userId, phase)
		})
	}
}

// HandleSignal feeds a remote signal into the peer for `userId`,
// creating a non-initiator peer when there is none.
func (self *PeerManager) HandleSignal(userId string, signal *Signal) error {
	self.mutex.Lock()
	state, ok := self.peers[userId]
	self.mutex.Unlock()

	if !ok {
		var err error
		state, err = self.initializePeer(userId, false)
		if err != nil {
			return err
		}
	}

	self.mutex.Lock()
	conn := state.conn
	self.mutex.Unlock()
	if conn == nil {
		return ErrPeerNotReady
	}

	if err := conn.HandleSignal(signal); err != nil {
		self.teardown(state, err)
		return fmt.Errorf("peer %s %s: %w", userId, signal.Type, err)
	}
	return nil
}

func (self *PeerManager) newMessage(messageType PeerMessageType, data any) ([]byte, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&PeerMessage{
		Type:      messageType,
		Data:      dataBytes,
		UserId:    self.localUserId,
		Timestamp: self.clock(),
	})
}

func (self *PeerManager) connectedConn(userId string) PeerConn {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	state, ok := self.peers[userId]
	if !ok || state.phase != PeerPhaseConnected {
		return nil
	}
	return state.conn
}

// Send is a no-op when the peer is not connected.
func (self *PeerManager) Send(userId string, messageType PeerMessageType, data any) error {
	conn := self.connectedConn(userId)
	if conn == nil {
		glog.V(2).Infof("[p]->%s drop %s (not connected)\n", userId, messageType)
		return nil
	}
	messageBytes, err := self.newMessage(messageType, data)
	if err != nil {
		return err
	}
	if err := conn.Send(messageBytes); err != nil {
		return fmt.Errorf("peer %s: %w", userId, err)
	}
	glog.V(2).Infof("[p]->%s %s\n", userId, messageType)
	return nil
}

// Broadcast sends to every connected peer.
func (self *PeerManager) Broadcast(messageType PeerMessageType, data any) error {
	messageBytes, err := self.newMessage(messageType, data)
	if err != nil {
		return err
	}
	conns := map[string]PeerConn{}
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		for userId, state := range self.peers {
			if state.phase == PeerPhaseConnected && state.conn != nil {
				conns[userId] = state.conn
			}
		}
	}()
	errs := []error{}
	for userId, conn := range conns {
		if err := conn.Send(messageBytes); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", userId, err))
		}
	}
	return errors.Join(errs...)
}

func (self *PeerManager) ClosePeer(userId string) {
	self.mutex.Lock()
	state, ok := self.peers[userId]
	self.mutex.Unlock()
	if ok {
		self.teardown(state, nil)
	}
}

// registered peer user ids, sorted
func (self *PeerManager) Peers() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	userIds := maps.Keys(self.peers)
	slices.Sort(userIds)
	return userIds
}

func (self *PeerManager) Phase(userId string) PeerPhase {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if state, ok := self.peers[userId]; ok {
		return state.phase
	}
	return PeerPhaseClosed
}

func (self *PeerManager) IsConnected(userId string) bool {
	return self.Phase(userId) == PeerPhaseConnected
}

func (self *PeerManager) RemoteTracks(userId string) []*RemoteTrack {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if state, ok := self.peers[userId]; ok {
		return slices.Clone(state.remoteTracks)
	}
	return []*RemoteTrack{}
}

// StartMedia acquires the media enabled in the settings.
func (self *PeerManager) StartMedia(ctx context.Context) error {
	errs := []error{}
	if self.settings.EnableAudio && !self.media.AudioEnabled() {
		if _, err := self.media.ToggleAudio(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if self.settings.EnableVideo && !self.media.VideoEnabled() {
		if _, err := self.media.ToggleVideo(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (self *PeerManager) ToggleAudio(ctx context.Context) (bool, error) {
	return self.media.ToggleAudio(ctx)
}

func (self *PeerManager) ToggleVideo(ctx context.Context) (bool, error) {
	return self.media.ToggleVideo(ctx)
}

func (self *PeerManager) StartScreenShare(ctx context.Context) error {
	return self.media.StartScreenShare(ctx)
}

func (self *PeerManager) StopScreenShare() {
	self.media.StopScreenShare()
}

func (self *PeerManager) Media() *MediaController {
	return self.media
}

func (self *PeerManager) updateTracks(tracks []webrtc.TrackLocal) {
	conns := map[string]PeerConn{}
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		for userId, state := range self.peers {
			if state.conn != nil && state.phase != PeerPhaseClosed {
				conns[userId] = state.conn
			}
		}
	}()
	for userId, conn := range conns {
		if err := conn.SetTracks(tracks); err != nil {
			glog.Infof("[p]tracks %s error = %s\n", userId, err)
		}
	}
}

func (self *PeerManager) Close() {
	self.cancel()
	self.unsubTracks()

	self.mutex.Lock()
	states := maps.Values(self.peers)
	self.mutex.Unlock()
	for _, state := range states {
		self.teardown(state, nil)
	}
	self.media.Close()
}

// a connector for sessions without direct channels. Peers never connect.
type NoopPeerConnector struct{}

func NewNoopPeerConnector() *NoopPeerConnector {
	return &NoopPeerConnector{}
}

func (self *NoopPeerConnector) NewPeerConn(
	userId string,
	isInitiator bool,
	tracks []webrtc.TrackLocal,
	handlers *PeerHandlers,
) (PeerConn, error) {
	return &noopPeerConn{}, nil
}

type noopPeerConn struct{}

func (self *noopPeerConn) HandleSignal(signal *Signal) error {
	return nil
}

func (self *noopPeerConn) Send(data []byte) error {
	return ErrPeerNotReady
}

func (self *noopPeerConn) SetTracks(tracks []webrtc.TrackLocal) error {
	return nil
}

func (self *noopPeerConn) Close() error {
	return nil
}
