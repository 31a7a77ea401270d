package collab

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/pion/webrtc/v3"
)

var ErrPeerConnectionFailed = errors.New("peer connection failed")

// WebRtcPeerConnector builds pion peer connections with one data channel
// and the current local media. Signals are trickled through the handlers.
type WebRtcPeerConnector struct {
	settings *PeerSettings
}

func NewWebRtcPeerConnector(settings *PeerSettings) *WebRtcPeerConnector {
	return &WebRtcPeerConnector{
		settings: settings,
	}
}

func (self *WebRtcPeerConnector) NewPeerConn(
	userId string,
	isInitiator bool,
	tracks []webrtc.TrackLocal,
	handlers *PeerHandlers,
) (PeerConn, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: self.settings.IceServers,
	})
	if err != nil {
		return nil, err
	}

	conn := &webRtcPeerConn{
		userId:            userId,
		polite:            !isInitiator,
		pc:                pc,
		handlers:          handlers,
		senders:           map[webrtc.RTPCodecType]*webrtc.RTPSender{},
		pendingCandidates: []webrtc.ICECandidateInit{},
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// gathering complete
			return
		}
		candidateInit := candidate.ToJSON()
		handlers.OnSignal(&Signal{
			Type:      SignalTypeCandidate,
			Candidate: &candidateInit,
		})
	})
	pc.OnConnectionStateChange(func(connectionState webrtc.PeerConnectionState) {
		glog.V(2).Infof("[pw]%s connection %s\n", userId, connectionState)
		switch connectionState {
		case webrtc.PeerConnectionStateFailed:
			handlers.OnError(ErrPeerConnectionFailed)
		case webrtc.PeerConnectionStateClosed:
			handlers.OnClose()
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		handlers.OnTrack(&RemoteTrack{
			Id:       track.ID(),
			StreamId: track.StreamID(),
			Kind:     track.Kind().String(),
			Track:    track,
		})
	})
	pc.OnDataChannel(func(dataChannel *webrtc.DataChannel) {
		conn.setDataChannel(dataChannel)
	})
	pc.OnNegotiationNeeded(func() {
		go conn.negotiate()
	})

	success := false
	defer func() {
		if !success {
			pc.Close()
		}
	}()

	if isInitiator {
		dataChannel, err := pc.CreateDataChannel(self.settings.DataChannelLabel, nil)
		if err != nil {
			return nil, err
		}
		conn.setDataChannel(dataChannel)
		if err := conn.SetTracks(tracks); err != nil {
			return nil, err
		}
	} else {
		// the answering side adds media once the first offer is applied,
		// so that it does not start a competing negotiation
		conn.awaitingOffer = true
		conn.pendingTracks = tracks
	}

	success = true
	return conn, nil
}

type webRtcPeerConn struct {
	userId   string
	polite   bool
	pc       *webrtc.PeerConnection
	handlers *PeerHandlers

	mutex             sync.Mutex
	dataChannel       *webrtc.DataChannel
	senders           map[webrtc.RTPCodecType]*webrtc.RTPSender
	awaitingOffer     bool
	pendingTracks     []webrtc.TrackLocal
	pendingCandidates []webrtc.ICECandidateInit
	makingOffer       bool
}

func (self *webRtcPeerConn) setDataChannel(dataChannel *webrtc.DataChannel) {
	self.mutex.Lock()
	self.dataChannel = dataChannel
	self.mutex.Unlock()

	dataChannel.OnOpen(func() {
		self.handlers.OnConnect()
	})
	dataChannel.OnMessage(func(message webrtc.DataChannelMessage) {
		self.handlers.OnData(message.Data)
	})
	dataChannel.OnError(func(err error) {
		self.handlers.OnError(err)
	})
	dataChannel.OnClose(func() {
		self.handlers.OnClose()
	})
}

func (self *webRtcPeerConn) negotiate() {
	self.mutex.Lock()
	self.makingOffer = true
	self.mutex.Unlock()
	defer func() {
		self.mutex.Lock()
		self.makingOffer = false
		self.mutex.Unlock()
	}()

	offer, err := self.pc.CreateOffer(nil)
	if err != nil {
		self.handlers.OnError(fmt.Errorf("create offer: %w", err))
		return
	}
	if err := self.pc.SetLocalDescription(offer); err != nil {
		self.handlers.OnError(fmt.Errorf("set offer: %w", err))
		return
	}
	self.handlers.OnSignal(&Signal{
		Type: SignalTypeOffer,
		Sdp:  self.pc.LocalDescription(),
	})
}

func (self *webRtcPeerConn) HandleSignal(signal *Signal) error {
	switch signal.Type {
	case SignalTypeOffer:
		if signal.Sdp == nil {
			return fmt.Errorf("offer without sdp")
		}
		return self.handleOffer(*signal.Sdp)
	case SignalTypeAnswer:
		if signal.Sdp == nil {
			return fmt.Errorf("answer without sdp")
		}
		if err := self.pc.SetRemoteDescription(*signal.Sdp); err != nil {
			return err
		}
		return self.flushCandidates()
	case SignalTypeCandidate:
		if signal.Candidate == nil {
			return fmt.Errorf("candidate without candidate")
		}
		self.mutex.Lock()
		if self.pc.RemoteDescription() == nil {
			self.pendingCandidates = append(self.pendingCandidates, *signal.Candidate)
			self.mutex.Unlock()
			return nil
		}
		self.mutex.Unlock()
		return self.pc.AddICECandidate(*signal.Candidate)
	default:
		return fmt.Errorf("unknown signal type %s", signal.Type)
	}
}

func (self *webRtcPeerConn) handleOffer(offer webrtc.SessionDescription) error {
	self.mutex.Lock()
	collision := self.makingOffer || self.pc.SignalingState() != webrtc.SignalingStateStable
	self.mutex.Unlock()

	if collision {
		if !self.polite {
			glog.V(1).Infof("[pw]%s ignore colliding offer\n", self.userId)
			return nil
		}
		if err := self.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return err
		}
	}

	if err := self.pc.SetRemoteDescription(offer); err != nil {
		return err
	}
	if err := self.flushCandidates(); err != nil {
		return err
	}

	self.mutex.Lock()
	awaitingOffer := self.awaitingOffer
	pendingTracks := self.pendingTracks
	self.awaitingOffer = false
	self.pendingTracks = nil
	self.mutex.Unlock()
	if awaitingOffer {
		if err := self.SetTracks(pendingTracks); err != nil {
			return err
		}
	}

	answer, err := self.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := self.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	self.handlers.OnSignal(&Signal{
		Type: SignalTypeAnswer,
		Sdp:  self.pc.LocalDescription(),
	})
	return nil
}

func (self *webRtcPeerConn) flushCandidates() error {
	self.mutex.Lock()
	candidates := self.pendingCandidates
	self.pendingCandidates = []webrtc.ICECandidateInit{}
	self.mutex.Unlock()

	for _, candidate := range candidates {
		if err := self.pc.AddICECandidate(candidate); err != nil {
			return err
		}
	}
	return nil
}

func (self *webRtcPeerConn) Send(data []byte) error {
	self.mutex.Lock()
	dataChannel := self.dataChannel
	self.mutex.Unlock()

	if dataChannel == nil || dataChannel.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrPeerNotReady
	}
	return dataChannel.Send(data)
}

// one sender per media kind. A kind that is no longer present keeps its sender with no track.
func (self *webRtcPeerConn) SetTracks(tracks []webrtc.TrackLocal) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.awaitingOffer {
		self.pendingTracks = tracks
		return nil
	}

	present := map[webrtc.RTPCodecType]bool{}
	for _, track := range tracks {
		present[track.Kind()] = true
		if sender, ok := self.senders[track.Kind()]; ok {
			if err := sender.ReplaceTrack(track); err != nil {
				return err
			}
			continue
		}
		sender, err := self.pc.AddTrack(track)
		if err != nil {
			return err
		}
		self.senders[track.Kind()] = sender
		go func() {
			// drain rtcp
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	for kind, sender := range self.senders {
		if !present[kind] {
			if err := sender.ReplaceTrack(nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (self *webRtcPeerConn) Close() error {
	return self.pc.Close()
}
