package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

var ErrRelayGaveUp = errors.New("relay gave up reconnecting")
var ErrRelayClosed = errors.New("relay closed")
var ErrRelaySendTimeout = errors.New("relay send timeout")

type RelayState string

const (
	RelayStateDisconnected RelayState = "disconnected"
	RelayStateConnecting   RelayState = "connecting"
	RelayStateConnected    RelayState = "connected"
	RelayStateClosing      RelayState = "closing"
	RelayStateGaveUp       RelayState = "gave_up"
)

type WsDialContextFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

type AfterFunction = func(time.Duration) <-chan time.Time

type RelayTransportSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendTimeout        time.Duration
	// messages are queued while disconnected up to this size
	SendBufferSize int
	Reconnect      *ReconnectSettings
	// optional. Defaults to a gorilla dialer with `WsHandshakeTimeout`
	WsDialContext WsDialContextFunc
	// optional. Defaults to `time.After`
	After AfterFunction
}

func DefaultRelayTransportSettings() *RelayTransportSettings {
	return &RelayTransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		PingTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		SendTimeout:        5 * time.Second,
		SendBufferSize:     256,
		Reconnect:          DefaultReconnectSettings(),
	}
}

// `reconnect_failed` payload
type ReconnectFailed struct {
	Attempts int `json:"attempts"`
}

type EventFunction = func(message *Message)

// RelayTransport owns one logical connection to a relay endpoint.
// Register callbacks, then `Connect`. The connection is retried with backoff
// until the attempt budget is exhausted, after which the state is `gave_up`.
type RelayTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl string
	auth     *ClientAuth
	settings *RelayTransportSettings

	sendQueue chan *Message

	stateLock sync.Mutex
	state     RelayState
	done      chan struct{}

	callbacksLock  sync.Mutex
	eventCallbacks map[string]*CallbackList[EventFunction]
}

func NewRelayTransportWithDefaults(ctx context.Context, relayUrl string, auth *ClientAuth) *RelayTransport {
	return NewRelayTransport(ctx, relayUrl, auth, DefaultRelayTransportSettings())
}

func NewRelayTransport(
	ctx context.Context,
	relayUrl string,
	auth *ClientAuth,
	settings *RelayTransportSettings,
) *RelayTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RelayTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		relayUrl:       relayUrl,
		auth:           auth,
		settings:       settings,
		sendQueue:      make(chan *Message, settings.SendBufferSize),
		state:          RelayStateDisconnected,
		eventCallbacks: map[string]*CallbackList[EventFunction]{},
	}
}

// Connect starts the connect loop. Calling it again while the loop runs has no effect.
// After `gave_up`, Connect starts a fresh attempt budget.
func (self *RelayTransport) Connect() error {
	if self.ctx.Err() != nil {
		return ErrRelayClosed
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.done != nil {
		select {
		case <-self.done:
		default:
			// running
			return nil
		}
	}
	done := make(chan struct{})
	self.done = done
	go func() {
		defer close(done)
		self.run()
	}()
	return nil
}

func (self *RelayTransport) State() RelayState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *RelayTransport) setState(state RelayState, attempt int) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state == state {
			return false
		}
		self.state = state
		return true
	}()
	if changed {
		glog.V(1).Infof("[rt]state %s (attempt %d)\n", state, attempt)
		self.dispatchLocal(EventStateChange, &RelayStateChange{
			State:   state,
			Attempt: attempt,
		})
	}
}

func (self *RelayTransport) run() {
	defer func() {
		if self.ctx.Err() != nil {
			self.setState(RelayStateDisconnected, 0)
		}
	}()

	reconnect := NewReconnectPolicy(self.settings.Reconnect)
	connected := false
	for {
		self.setState(RelayStateConnecting, reconnect.Attempt())

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[rt]connect %s", self.relayUrl), self.connect)
		} else {
			ws, err = self.connect()
		}
		if err == nil {
			reconnect.Reset()
			self.setState(RelayStateConnected, 0)
			self.dispatchLocal(EventConnect, nil)
			if connected {
				self.dispatchLocal(EventReconnect, nil)
			}
			connected = true

			self.handle(ws)

			self.dispatchLocal(EventDisconnect, nil)
		} else {
			glog.Infof("[rt]connect error %s = %s\n", self.relayUrl, err)
		}

		select {
		case <-self.ctx.Done():
			return
		default:
		}

		delay, ok := reconnect.Next()
		if !ok {
			glog.Infof("[rt]gave up %s after %d attempts\n", self.relayUrl, reconnect.Attempt())
			self.setState(RelayStateGaveUp, reconnect.Attempt())
			self.dispatchLocal(EventReconnectFailed, &ReconnectFailed{
				Attempts: reconnect.Attempt(),
			})
			return
		}
		self.setState(RelayStateDisconnected, reconnect.Attempt())
		glog.V(1).Infof("[rt]reconnect %d in %s\n", reconnect.Attempt(), delay)

		select {
		case <-self.ctx.Done():
			return
		case <-self.after(delay):
		}
	}
}

func (self *RelayTransport) after(delay time.Duration) <-chan time.Time {
	if self.settings.After != nil {
		return self.settings.After(delay)
	}
	return time.After(delay)
}

func (self *RelayTransport) connect() (*websocket.Conn, error) {
	if self.settings.WsDialContext != nil {
		return self.settings.WsDialContext(self.ctx, self.relayUrl, self.auth.Header())
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.relayUrl, self.auth.Header())
	return ws, err
}

func (self *RelayTransport) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-self.sendQueue:
				messageBytes, err := json.Marshal(message)
				if err != nil {
					glog.Errorf("[rts]drop %s = %s\n", message.Event, err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[rts]%s-> error = %s\n", message.Event, err)
					// retry on the next connection if there is room
					select {
					case self.sendQueue <- message:
					default:
					}
					return
				}
				glog.V(2).Infof("[rts]%s->\n", message.Event)
			case <-time.After(self.settings.PingTimeout):
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return nil
		})

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, messageBytes, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[rtr]<- error = %s\n", err)
				return
			}

			switch messageType {
			case websocket.TextMessage:
				message := &Message{}
				if err := json.Unmarshal(messageBytes, message); err != nil {
					glog.Infof("[rtr]<- bad message = %s\n", err)
					continue
				}
				glog.V(2).Infof("[rtr]<-%s\n", message.Event)
				self.dispatch(message)
			default:
				glog.V(2).Infof("[rtr]other=%d <-\n", messageType)
			}
		}
	}()

	<-handleCtx.Done()

	if self.ctx.Err() != nil {
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(self.settings.WriteTimeout),
		)
	}
}

// AddEventCallback registers a handler for a named inbound or lifecycle event.
// The returned function removes the handler.
func (self *RelayTransport) AddEventCallback(event string, eventCallback EventFunction) func() {
	self.callbacksLock.Lock()
	callbacks, ok := self.eventCallbacks[event]
	if !ok {
		callbacks = NewCallbackList[EventFunction]()
		self.eventCallbacks[event] = callbacks
	}
	self.callbacksLock.Unlock()

	callbackId := callbacks.Add(eventCallback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// a handler that panics is logged and does not stop delivery to the others
func (self *RelayTransport) dispatch(message *Message) {
	self.callbacksLock.Lock()
	callbacks, ok := self.eventCallbacks[message.Event]
	self.callbacksLock.Unlock()
	if !ok {
		return
	}
	for _, eventCallback := range callbacks.Get() {
		HandleError(func() {
			eventCallback(message)
		}, func(err error) {
			glog.Infof("[rt]%s callback %s = %s\n", message.Event, CallbackName(eventCallback), err)
		})
	}
}

func (self *RelayTransport) dispatchLocal(event string, data any) {
	message, err := NewMessage(event, data)
	if err != nil {
		glog.Errorf("[rt]%s = %s\n", event, err)
		return
	}
	self.dispatch(message)
}

// Send queues one event for the relay. Messages are queued while disconnected.
func (self *RelayTransport) Send(event string, data any) error {
	if self.State() == RelayStateGaveUp {
		return ErrRelayGaveUp
	}
	message, err := NewMessage(event, data)
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return ErrRelayClosed
	case self.sendQueue <- message:
		return nil
	case <-time.After(self.settings.SendTimeout):
		return ErrRelaySendTimeout
	}
}

func (self *RelayTransport) JoinWorkspace(workspaceId string) error {
	return self.Send(EventWorkspaceJoin, workspaceId)
}

func (self *RelayTransport) JoinUser(user User) error {
	return self.Send(EventUserJoin, user)
}

func (self *RelayTransport) UpdateUser(updates User) error {
	return self.Send(EventUserUpdate, updates)
}

func (self *RelayTransport) SendOperation(op Operation) error {
	return self.Send(EventCanvasOperation, op)
}

func (self *RelayTransport) SendCursor(cursor Cursor) error {
	return self.Send(EventCursorMove, cursor)
}

// RequestSync asks for the full canvas state.
func (self *RelayTransport) RequestSync() error {
	return self.Send(EventCanvasSync, nil)
}

// RequestSyncSince asks for the canvas state plus the other users' operations after `since`.
func (self *RelayTransport) RequestSyncSince(since int64) error {
	return self.Send(EventCanvasSync, &SyncRequest{
		Since: &since,
	})
}

func (self *RelayTransport) AddComment(comment Comment) error {
	return self.Send(EventCommentAdd, comment)
}

func (self *RelayTransport) UpdateComment(commentId string, updates CommentPatch) error {
	return self.Send(EventCommentUpdate, &CommentUpdate{
		CommentId: commentId,
		Updates:   updates,
	})
}

func (self *RelayTransport) DeleteComment(commentId string) error {
	return self.Send(EventCommentDelete, commentId)
}

// SignalSender
func (self *RelayTransport) SendSignal(userId string, signal *Signal) error {
	return self.Send(EventWebRtcSignal, &SignalMessage{
		UserId: userId,
		Signal: signal,
	})
}

func (self *RelayTransport) SendOffer(userId string, offer webrtc.SessionDescription) error {
	return self.Send(EventWebRtcOffer, &SignalMessage{
		UserId: userId,
		Offer:  &offer,
	})
}

func (self *RelayTransport) SendAnswer(userId string, answer webrtc.SessionDescription) error {
	return self.Send(EventWebRtcAnswer, &SignalMessage{
		UserId: userId,
		Answer: &answer,
	})
}

func (self *RelayTransport) SendIceCandidate(userId string, candidate webrtc.ICECandidateInit) error {
	return self.Send(EventWebRtcIceCandidate, &SignalMessage{
		UserId:    userId,
		Candidate: &candidate,
	})
}

// Close stops the connect loop and closes the connection with a normal close.
func (self *RelayTransport) Close() {
	self.stateLock.Lock()
	done := self.done
	closing := self.state == RelayStateConnected || self.state == RelayStateConnecting
	self.stateLock.Unlock()

	if closing {
		self.setState(RelayStateClosing, 0)
	}
	self.cancel()
	if done != nil {
		<-done
	}
	self.setState(RelayStateDisconnected, 0)
}
