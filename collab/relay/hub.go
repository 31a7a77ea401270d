package relay

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"

	"github.com/bringyour/collab/collab"
)

var ErrSlowConnection = errors.New("slow connection")

// a client connection as seen by a hub
type member struct {
	connectionId string
	// set by the bearer token, or by `user:join`
	userId string
	user   *collab.User
	send   func(message *collab.Message) error
	close  func()
}

// Hub is the relay state of one workspace on this instance.
// Every relayed message goes through the broker and is applied by every hub of the
// workspace, so hubs on different instances hold the same history.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	workspaceId string
	broker      Broker

	mutex    sync.Mutex
	members  map[string]*member
	users    map[string]collab.User
	comments map[string]collab.Comment
	history  *collab.History
	canvas   *collab.Canvas

	unsubscribe func()
}

func NewHub(
	ctx context.Context,
	workspaceId string,
	broker Broker,
	historySettings *collab.HistorySettings,
	transformSettings *collab.TransformSettings,
) (*Hub, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	canvas := collab.NewCanvas()
	history := collab.NewHistory(historySettings, collab.NewTransformer(transformSettings))
	history.AddEvictCallback(canvas.Fold)

	hub := &Hub{
		ctx:         cancelCtx,
		cancel:      cancel,
		workspaceId: workspaceId,
		broker:      broker,
		members:     map[string]*member{},
		users:       map[string]collab.User{},
		comments:    map[string]collab.Comment{},
		history:     history,
		canvas:      canvas,
	}

	unsubscribe, err := broker.Subscribe(cancelCtx, workspaceId, hub.receive)
	if err != nil {
		cancel()
		return nil, err
	}
	hub.unsubscribe = unsubscribe
	return hub, nil
}

func (self *Hub) WorkspaceId() string {
	return self.workspaceId
}

func (self *Hub) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.members)
}

func (self *Hub) add(m *member) {
	self.mutex.Lock()
	self.members[m.connectionId] = m
	state := self.workspaceState()
	self.mutex.Unlock()

	glog.V(1).Infof("[h]%s +%s\n", self.workspaceId, m.connectionId)
	self.sendTo(m, collab.RequireNewMessage(collab.EventWorkspaceState, state))
}

// remove returns the number of members left
func (self *Hub) remove(m *member) int {
	self.mutex.Lock()
	delete(self.members, m.connectionId)
	n := len(self.members)
	joined := m.user != nil
	userId := m.userId
	self.mutex.Unlock()

	glog.V(1).Infof("[h]%s -%s\n", self.workspaceId, m.connectionId)
	if joined {
		self.publish(m, collab.RequireNewMessage(collab.EventUserLeft, userId), false, "")
	}
	return n
}

func (self *Hub) workspaceState() *collab.WorkspaceState {
	return &collab.WorkspaceState{
		WorkspaceId: self.workspaceId,
		Users:       maps.Values(self.users),
		Comments:    maps.Values(self.comments),
	}
}

func (self *Hub) sendTo(m *member, message *collab.Message) {
	if err := m.send(message); err != nil {
		glog.Infof("[h]%s->%s %s error = %s\n", self.workspaceId, m.connectionId, message.Event, err)
		m.close()
	}
}

func (self *Hub) publish(source *member, message *collab.Message, includeSource bool, targetUserId string) {
	envelope := &Envelope{
		WorkspaceId:   self.workspaceId,
		SourceId:      source.connectionId,
		IncludeSource: includeSource,
		TargetUserId:  targetUserId,
		Message:       message,
	}
	if err := self.broker.Publish(self.ctx, envelope); err != nil {
		glog.Infof("[h]%s publish %s error = %s\n", self.workspaceId, message.Event, err)
	}
}

// handle one message from a member connection
func (self *Hub) handle(m *member, message *collab.Message) {
	glog.V(2).Infof("[h]%s<-%s %s\n", self.workspaceId, m.connectionId, message.Event)

	switch message.Event {
	case collab.EventWorkspaceJoin:
		var workspaceId string
		if err := message.Decode(&workspaceId); err == nil && workspaceId != self.workspaceId {
			glog.Infof("[h]%s join for %s ignored\n", self.workspaceId, workspaceId)
		}
	case collab.EventUserJoin:
		var user collab.User
		if err := message.Decode(&user); err != nil {
			self.reject(m, err)
			return
		}
		func() {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			if m.userId == "" {
				m.userId = user.Id
			}
			if m.userId == "" {
				m.userId = m.connectionId
			}
			user.Id = m.userId
			m.user = &user
		}()
		self.publish(m, collab.RequireNewMessage(collab.EventUserJoined, user), false, "")
	case collab.EventUserUpdate:
		var updates collab.User
		if err := message.Decode(&updates); err != nil {
			self.reject(m, err)
			return
		}
		updates.Id = ""
		self.publish(m, collab.RequireNewMessage(collab.EventUserUpdated, &collab.UserUpdated{
			UserId:  m.userId,
			Updates: updates,
		}), false, "")
	case collab.EventCanvasOperation:
		var op collab.Operation
		if err := message.Decode(&op); err != nil {
			self.reject(m, err)
			return
		}
		if err := op.Validate(); err != nil {
			self.reject(m, err)
			return
		}
		self.publish(m, collab.RequireNewMessage(collab.EventCanvasOperation, op), false, "")
	case collab.EventCursorMove:
		var cursor collab.Cursor
		if err := message.Decode(&cursor); err != nil {
			self.reject(m, err)
			return
		}
		self.publish(m, collab.RequireNewMessage(collab.EventCursorUpdate, &collab.CursorUpdate{
			UserId: m.userId,
			Cursor: cursor,
		}), false, "")
	case collab.EventCanvasSync:
		var syncRequest collab.SyncRequest
		if 0 < len(message.Data) {
			if err := message.Decode(&syncRequest); err != nil {
				self.reject(m, err)
				return
			}
		}
		self.sendTo(m, collab.RequireNewMessage(collab.EventCanvasState, self.snapshot(m.userId, syncRequest.Since)))
	case collab.EventCommentAdd:
		var comment collab.Comment
		if err := message.Decode(&comment); err != nil {
			self.reject(m, err)
			return
		}
		if comment.Id == "" {
			comment.Id = uuid.NewString()
		}
		if comment.UserId == "" {
			comment.UserId = m.userId
		}
		self.publish(m, collab.RequireNewMessage(collab.EventCommentAdded, comment), true, "")
	case collab.EventCommentUpdate:
		var commentUpdate collab.CommentUpdate
		if err := message.Decode(&commentUpdate); err != nil {
			self.reject(m, err)
			return
		}
		self.publish(m, collab.RequireNewMessage(collab.EventCommentUpdated, commentUpdate), true, "")
	case collab.EventCommentDelete:
		var commentId string
		if err := message.Decode(&commentId); err != nil {
			self.reject(m, err)
			return
		}
		self.publish(m, collab.RequireNewMessage(collab.EventCommentDeleted, commentId), true, "")
	case collab.EventWebRtcSignal, collab.EventWebRtcOffer, collab.EventWebRtcAnswer, collab.EventWebRtcIceCandidate:
		var signalMessage collab.SignalMessage
		if err := message.Decode(&signalMessage); err != nil {
			self.reject(m, err)
			return
		}
		targetUserId := signalMessage.UserId
		if targetUserId == "" {
			self.reject(m, errors.New("signal without target"))
			return
		}
		// the receiver sees the sender
		signalMessage.UserId = m.userId
		self.publish(m, collab.RequireNewMessage(message.Event, signalMessage), false, targetUserId)
	default:
		glog.V(1).Infof("[h]%s unknown event %s\n", self.workspaceId, message.Event)
	}
}

func (self *Hub) reject(m *member, err error) {
	glog.Infof("[h]%s<-%s rejected = %s\n", self.workspaceId, m.connectionId, err)
}

// the folded base plus the operations after `since`.
// A full sync returns every logged operation.
func (self *Hub) snapshot(userId string, since *int64) *collab.CanvasSnapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	var ops []collab.Operation
	if since == nil {
		ops = self.history.GetSince(math.MinInt64, "")
	} else {
		ops = self.history.GetSince(*since, userId)
	}
	return &collab.CanvasSnapshot{
		State:       self.canvas.Project(nil),
		Operations:  ops,
		VectorClock: self.history.VectorClock(),
	}
}

// State is the projected canvas of this hub.
func (self *Hub) State() collab.CanvasState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.canvas.Project(self.history.Operations())
}

// apply an envelope from the broker, then deliver it to the local members
func (self *Hub) receive(envelope *Envelope) {
	message := envelope.Message
	if message == nil {
		return
	}

	targets := func() []*member {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		self.apply(message)

		targets := []*member{}
		for _, m := range self.members {
			if m.connectionId == envelope.SourceId && !envelope.IncludeSource {
				continue
			}
			if envelope.TargetUserId != "" && m.userId != envelope.TargetUserId {
				continue
			}
			targets = append(targets, m)
		}
		return targets
	}()

	for _, m := range targets {
		self.sendTo(m, message)
	}
}

// keep the hub state current. Called with the lock held.
func (self *Hub) apply(message *collab.Message) {
	switch message.Event {
	case collab.EventCanvasOperation:
		var op collab.Operation
		if err := message.Decode(&op); err != nil {
			return
		}
		if _, err := self.history.ResolveBatch([]collab.Operation{op}); err != nil {
			glog.Infof("[h]%s rejected = %s\n", self.workspaceId, err)
		}
	case collab.EventUserJoined:
		var user collab.User
		if err := message.Decode(&user); err == nil {
			self.users[user.Id] = user
		}
	case collab.EventUserLeft:
		var userId string
		if err := message.Decode(&userId); err == nil {
			delete(self.users, userId)
		}
	case collab.EventUserUpdated:
		var userUpdated collab.UserUpdated
		if err := message.Decode(&userUpdated); err == nil {
			if user, ok := self.users[userUpdated.UserId]; ok {
				self.users[userUpdated.UserId] = user.Merge(userUpdated.Updates)
			}
		}
	case collab.EventCursorUpdate:
		var cursorUpdate collab.CursorUpdate
		if err := message.Decode(&cursorUpdate); err == nil {
			if user, ok := self.users[cursorUpdate.UserId]; ok {
				cursor := cursorUpdate.Cursor
				user.Cursor = &cursor
				self.users[cursorUpdate.UserId] = user
			}
		}
	case collab.EventCommentAdded:
		var comment collab.Comment
		if err := message.Decode(&comment); err == nil {
			self.comments[comment.Id] = comment
		}
	case collab.EventCommentUpdated:
		var commentUpdate collab.CommentUpdate
		if err := message.Decode(&commentUpdate); err == nil {
			if comment, ok := self.comments[commentUpdate.CommentId]; ok {
				self.comments[commentUpdate.CommentId] = comment.Apply(commentUpdate.Updates)
			}
		}
	case collab.EventCommentDeleted:
		var commentId string
		if err := message.Decode(&commentId); err == nil {
			delete(self.comments, commentId)
		}
	}
}

func (self *Hub) Close() {
	self.cancel()
	if self.unsubscribe != nil {
		self.unsubscribe()
	}
}
