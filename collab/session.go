package collab

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

var ErrSessionClosed = errors.New("session closed")

type SessionSettings struct {
	Transform *TransformSettings
	History   *HistorySettings
	// pending actions for the session loop
	ActionBufferSize int
	// also send operations and cursors over connected direct channels
	PeerBroadcast bool
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		Transform:        DefaultTransformSettings(),
		History:          DefaultHistorySettings(),
		ActionBufferSize: 64,
		PeerBroadcast:    true,
	}
}

type CanvasStateFunction = func(state CanvasState)
type CursorFunction = func(update CursorUpdate)
type AdmissionErrorFunction = func(err error)

// Session is the single owner of one workspace's history and canvas.
// All admissions run on one goroutine, in the order they are queued, so two
// transformations never interleave against the history.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	workspaceId string
	userId      string
	settings    *SessionSettings
	clock       ClockFunction

	relay *RelayTransport
	// optional
	peers *PeerManager

	actions chan func()

	// owned by the session loop
	user     User
	history  *History
	canvas   *Canvas
	users    map[string]User
	comments map[string]Comment

	// clocks of the relay snapshots. The snapshot base can cover users that are not in the history.
	snapshotClock VectorClock

	canvasCallbacks         *CallbackList[CanvasStateFunction]
	cursorCallbacks         *CallbackList[CursorFunction]
	admissionErrorCallbacks *CallbackList[AdmissionErrorFunction]

	log   LogFunction
	unsub []func()
}

func NewSessionWithDefaults(
	ctx context.Context,
	workspaceId string,
	user User,
	relay *RelayTransport,
	peers *PeerManager,
) *Session {
	return NewSession(ctx, workspaceId, user, relay, peers, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	workspaceId string,
	user User,
	relay *RelayTransport,
	peers *PeerManager,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	canvas := NewCanvas()
	history := NewHistory(settings.History, NewTransformer(settings.Transform))
	history.AddEvictCallback(canvas.Fold)

	session := &Session{
		ctx:                     cancelCtx,
		cancel:                  cancel,
		workspaceId:             workspaceId,
		userId:                  user.Id,
		user:                    user,
		settings:                settings,
		clock:                   func() int64 { return time.Now().UnixMilli() },
		relay:                   relay,
		peers:                   peers,
		actions:                 make(chan func(), settings.ActionBufferSize),
		history:                 history,
		canvas:                  canvas,
		users:                   map[string]User{},
		comments:                map[string]Comment{},
		snapshotClock:           NewVectorClock(),
		canvasCallbacks:         NewCallbackList[CanvasStateFunction](),
		cursorCallbacks:         NewCallbackList[CursorFunction](),
		admissionErrorCallbacks: NewCallbackList[AdmissionErrorFunction](),
		log:                     LogFn(1, "s"),
	}
	session.subscribe()
	go session.run()
	return session
}

func (self *Session) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case action := <-self.actions:
			HandleError(action)
		}
	}
}

// post queues `action` on the session loop without waiting for it
func (self *Session) post(action func()) {
	select {
	case <-self.ctx.Done():
	case self.actions <- action:
	}
}

// do runs `action` on the session loop and waits for it
func (self *Session) do(ctx context.Context, action func()) error {
	done := make(chan struct{})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return ErrSessionClosed
	case self.actions <- func() {
		defer close(done)
		action()
	}:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return ErrSessionClosed
	case <-done:
		return nil
	}
}

func (self *Session) subscribe() {
	on := func(event string, eventCallback EventFunction) {
		self.unsub = append(self.unsub, self.relay.AddEventCallback(event, eventCallback))
	}

	on(EventConnect, func(message *Message) {
		self.post(self.join)
	})
	on(EventReconnectFailed, func(message *Message) {
		glog.Infof("[s]%s relay unavailable\n", self.workspaceId)
	})
	on(EventCanvasOperation, func(message *Message) {
		var op Operation
		if err := message.Decode(&op); err != nil {
			self.notifyAdmissionError(err)
			return
		}
		self.post(func() {
			self.admit([]Operation{op})
		})
	})
	on(EventCanvasState, func(message *Message) {
		var snapshot CanvasSnapshot
		if err := message.Decode(&snapshot); err != nil {
			glog.Infof("[s]bad snapshot = %s\n", err)
			return
		}
		self.post(func() {
			self.applySnapshot(&snapshot)
		})
	})
	on(EventWorkspaceState, func(message *Message) {
		var workspaceState WorkspaceState
		if err := message.Decode(&workspaceState); err != nil {
			glog.Infof("[s]bad workspace state = %s\n", err)
			return
		}
		self.post(func() {
			self.users = map[string]User{}
			for _, user := range workspaceState.Users {
				self.users[user.Id] = user
			}
			self.comments = map[string]Comment{}
			for _, comment := range workspaceState.Comments {
				self.comments[comment.Id] = comment
			}
		})
	})
	on(EventUserJoined, func(message *Message) {
		var user User
		if err := message.Decode(&user); err != nil {
			return
		}
		self.post(func() {
			self.users[user.Id] = user
		})
		// existing members initiate toward the newcomer
		if self.peers != nil && user.Id != self.userId {
			if err := self.peers.InitializePeer(user.Id, true); err != nil {
				glog.Infof("[s]peer %s = %s\n", user.Id, err)
			}
		}
	})
	on(EventUserLeft, func(message *Message) {
		var userId string
		if err := message.Decode(&userId); err != nil {
			return
		}
		self.post(func() {
			delete(self.users, userId)
		})
		if self.peers != nil {
			self.peers.ClosePeer(userId)
		}
	})
	on(EventUserUpdated, func(message *Message) {
		var userUpdated UserUpdated
		if err := message.Decode(&userUpdated); err != nil {
			return
		}
		self.post(func() {
			user := self.users[userUpdated.UserId]
			user.Id = userUpdated.UserId
			self.users[userUpdated.UserId] = user.Merge(userUpdated.Updates)
		})
	})
	on(EventCursorUpdate, func(message *Message) {
		var cursorUpdate CursorUpdate
		if err := message.Decode(&cursorUpdate); err != nil {
			return
		}
		self.notifyCursor(cursorUpdate)
	})
	on(EventCommentAdded, func(message *Message) {
		var comment Comment
		if err := message.Decode(&comment); err != nil {
			return
		}
		self.post(func() {
			self.comments[comment.Id] = comment
		})
	})
	on(EventCommentUpdated, func(message *Message) {
		var commentUpdate CommentUpdate
		if err := message.Decode(&commentUpdate); err != nil {
			return
		}
		self.post(func() {
			if comment, ok := self.comments[commentUpdate.CommentId]; ok {
				self.comments[commentUpdate.CommentId] = comment.Apply(commentUpdate.Updates)
			}
		})
	})
	on(EventCommentDeleted, func(message *Message) {
		var commentId string
		if err := message.Decode(&commentId); err != nil {
			return
		}
		self.post(func() {
			delete(self.comments, commentId)
		})
	})

	if self.peers != nil {
		for _, event := range []string{EventWebRtcSignal, EventWebRtcOffer, EventWebRtcAnswer, EventWebRtcIceCandidate} {
			on(event, self.handleSignal)
		}

		self.unsub = append(self.unsub, self.peers.AddMessageCallback(func(peerMessage *PeerMessage) {
			switch peerMessage.Type {
			case PeerMessageTypeOperation:
				var op Operation
				if err := peerMessage.Decode(&op); err != nil {
					self.notifyAdmissionError(err)
					return
				}
				self.post(func() {
					self.admit([]Operation{op})
				})
			case PeerMessageTypeCursor:
				var cursor Cursor
				if err := peerMessage.Decode(&cursor); err != nil {
					return
				}
				self.notifyCursor(CursorUpdate{
					UserId: peerMessage.UserId,
					Cursor: cursor,
				})
			}
		}))
	}
}

func (self *Session) handleSignal(message *Message) {
	var signalMessage SignalMessage
	if err := message.Decode(&signalMessage); err != nil {
		glog.Infof("[s]bad signal = %s\n", err)
		return
	}
	signal, err := signalMessage.AsSignal()
	if err != nil {
		glog.Infof("[s]%s\n", err)
		return
	}
	if err := self.peers.HandleSignal(signalMessage.UserId, signal); err != nil {
		glog.Infof("[s]signal %s = %s\n", signalMessage.UserId, err)
	}
}

// runs on the session loop after every (re)connect
func (self *Session) join() {
	self.log("join %s as %s", self.workspaceId, self.user.Id)
	errs := []error{
		self.relay.JoinWorkspace(self.workspaceId),
		self.relay.JoinUser(self.user),
	}
	if self.history.Len() == 0 {
		errs = append(errs, self.relay.RequestSync())
	} else {
		errs = append(errs, self.relay.RequestSyncSince(self.resyncSince()))
	}
	if err := errors.Join(errs...); err != nil {
		glog.Infof("[s]join %s = %s\n", self.workspaceId, err)
	}
}

// operations from other users that may have been missed while disconnected.
// Re-delivered operations are dropped by the history.
func (self *Session) resyncSince() int64 {
	var since int64
	for userId, timestamp := range self.history.VectorClock().Merge(self.snapshotClock) {
		if userId != self.userId {
			since = max(since, timestamp)
		}
	}
	return max(0, since-self.settings.Transform.ConcurrencyWindow.Milliseconds())
}

// a snapshot replaces the base only for an empty history. Otherwise only its operations are admitted.
func (self *Session) applySnapshot(snapshot *CanvasSnapshot) {
	if self.history.Len() == 0 {
		// in place, the history folds evictions into this canvas
		self.canvas.Reset(snapshot.State)
	}
	self.snapshotClock = self.snapshotClock.Merge(snapshot.VectorClock)
	self.admit(snapshot.Operations)
}

// admit inbound operations. Runs on the session loop.
// Local operations rewritten by the inbound ones (nullified or offset) are re-emitted.
func (self *Session) admit(ops []Operation) []Operation {
	resolved, err := self.history.ResolveBatch(ops)
	if err != nil {
		self.notifyAdmissionError(err)
	}
	if 0 < len(resolved) {
		self.notifyCanvas()
	}

	inboundIds := map[Id]bool{}
	for _, op := range ops {
		inboundIds[op.Id] = true
	}
	rewrites := []Operation{}
	for _, op := range resolved {
		if !inboundIds[op.Id] && op.UserId == self.userId {
			rewrites = append(rewrites, op)
		}
	}
	if 0 < len(rewrites) {
		self.log("re-emit %d rewrites", len(rewrites))
		self.publish(rewrites)
	}
	return resolved
}

// publish sends resolved operations to the relay, and to the direct channels when enabled
func (self *Session) publish(ops []Operation) {
	for _, op := range ops {
		if err := self.relay.SendOperation(op); err != nil {
			glog.Infof("[s]send %s = %s\n", op.Id, err)
		}
		if self.peers != nil && self.settings.PeerBroadcast {
			if err := self.peers.Broadcast(PeerMessageTypeOperation, op); err != nil {
				glog.V(1).Infof("[s]peer send %s = %s\n", op.Id, err)
			}
		}
	}
}

func (self *Session) notifyAdmissionError(err error) {
	glog.Infof("[s]rejected = %s\n", err)
	for _, admissionErrorCallback := range self.admissionErrorCallbacks.Get() {
		HandleError(func() {
			admissionErrorCallback(err)
		})
	}
}

// runs on the session loop
func (self *Session) notifyCanvas() {
	if self.canvasCallbacks.Len() == 0 {
		return
	}
	state := self.canvas.Project(self.history.Operations())
	for _, canvasCallback := range self.canvasCallbacks.Get() {
		HandleError(func() {
			canvasCallback(state)
		})
	}
}

func (self *Session) notifyCursor(cursorUpdate CursorUpdate) {
	for _, cursorCallback := range self.cursorCallbacks.Get() {
		HandleError(func() {
			cursorCallback(cursorUpdate)
		})
	}
}

func (self *Session) AddCanvasCallback(canvasCallback CanvasStateFunction) func() {
	callbackId := self.canvasCallbacks.Add(canvasCallback)
	return func() {
		self.canvasCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddCursorCallback(cursorCallback CursorFunction) func() {
	callbackId := self.cursorCallbacks.Add(cursorCallback)
	return func() {
		self.cursorCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddAdmissionErrorCallback(admissionErrorCallback AdmissionErrorFunction) func() {
	callbackId := self.admissionErrorCallbacks.Add(admissionErrorCallback)
	return func() {
		self.admissionErrorCallbacks.Remove(callbackId)
	}
}

// NewOperation stamps a local edit with the session user and clock.
func (self *Session) NewOperation(objectId string, version int64, data OpData) Operation {
	return NewOperation(objectId, self.userId, self.clock(), version, data)
}

// Submit admits local edits and publishes the resolved operations, companions included.
// Malformed operations are not admitted and are returned as an `*AdmissionError`.
func (self *Session) Submit(ctx context.Context, ops ...Operation) ([]Operation, error) {
	var resolved []Operation
	var admissionErr error
	err := self.do(ctx, func() {
		resolved, admissionErr = self.history.ResolveBatch(ops)
		if 0 < len(resolved) {
			self.notifyCanvas()
		}
	})
	if err != nil {
		return nil, err
	}

	self.publish(resolved)
	return resolved, admissionErr
}

func (self *Session) SendCursor(cursor Cursor) error {
	if self.peers != nil && self.settings.PeerBroadcast {
		if err := self.peers.Broadcast(PeerMessageTypeCursor, cursor); err != nil {
			glog.V(2).Infof("[s]peer cursor = %s\n", err)
		}
	}
	return self.relay.SendCursor(cursor)
}

func (self *Session) UpdateUser(updates User) error {
	self.post(func() {
		self.user = self.user.Merge(updates)
	})
	return self.relay.UpdateUser(updates)
}

// AddComment fills in the id, author and time when they are missing.
func (self *Session) AddComment(comment Comment) (Comment, error) {
	if comment.Id == "" {
		comment.Id = uuid.NewString()
	}
	if comment.UserId == "" {
		comment.UserId = self.userId
	}
	if comment.Timestamp == 0 {
		comment.Timestamp = self.clock()
	}
	return comment, self.relay.AddComment(comment)
}

func (self *Session) UpdateComment(commentId string, updates CommentPatch) error {
	return self.relay.UpdateComment(commentId, updates)
}

func (self *Session) DeleteComment(commentId string) error {
	return self.relay.DeleteComment(commentId)
}

func (self *Session) State(ctx context.Context) (CanvasState, error) {
	var state CanvasState
	err := self.do(ctx, func() {
		state = self.canvas.Project(self.history.Operations())
	})
	return state, err
}

func (self *Session) Operations(ctx context.Context) ([]Operation, error) {
	var ops []Operation
	err := self.do(ctx, func() {
		ops = self.history.Operations()
	})
	return ops, err
}

func (self *Session) VectorClock(ctx context.Context) (VectorClock, error) {
	var clock VectorClock
	err := self.do(ctx, func() {
		clock = self.history.VectorClock()
	})
	return clock, err
}

func (self *Session) Users(ctx context.Context) ([]User, error) {
	var users []User
	err := self.do(ctx, func() {
		users = maps.Values(self.users)
	})
	return users, err
}

func (self *Session) Comments(ctx context.Context) ([]Comment, error) {
	var comments []Comment
	err := self.do(ctx, func() {
		comments = maps.Values(self.comments)
	})
	return comments, err
}

func (self *Session) Relay() *RelayTransport {
	return self.relay
}

func (self *Session) Peers() *PeerManager {
	return self.peers
}

// Close stops the session loop and closes the relay and peers.
func (self *Session) Close() {
	self.cancel()
	for _, unsub := range self.unsub {
		unsub()
	}
	if self.peers != nil {
		self.peers.Close()
	}
	self.relay.Close()
}
