package collab

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// relay message vocabulary. Every websocket text message is one `Message`.

// client -> relay
const (
	EventWorkspaceJoin      = "workspace:join"
	EventUserJoin           = "user:join"
	EventUserUpdate         = "user:update"
	EventCanvasOperation    = "canvas:operation"
	EventCursorMove         = "cursor:move"
	EventCanvasSync         = "canvas:sync"
	EventCommentAdd         = "comment:add"
	EventCommentUpdate      = "comment:update"
	EventCommentDelete      = "comment:delete"
	EventWebRtcSignal       = "webrtc:signal"
	EventWebRtcOffer        = "webrtc:offer"
	EventWebRtcAnswer       = "webrtc:answer"
	EventWebRtcIceCandidate = "webrtc:ice-candidate"
)

// relay -> client
// `canvas:operation` and the `webrtc:*` events are also relayed inbound
const (
	EventCanvasState    = "canvas:state"
	EventUserJoined     = "user:joined"
	EventUserLeft       = "user:left"
	EventUserUpdated    = "user:updated"
	EventCursorUpdate   = "cursor:update"
	EventCommentAdded   = "comment:added"
	EventCommentUpdated = "comment:updated"
	EventCommentDeleted = "comment:deleted"
	EventWorkspaceState = "workspace:state"
)

// local lifecycle events raised by the transport. These never go over the wire.
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventReconnect       = "reconnect"
	EventReconnectFailed = "reconnect_failed"
	EventStateChange     = "state"
)

type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewMessage(event string, data any) (*Message, error) {
	message := &Message{
		Event: event,
	}
	if data != nil {
		dataBytes, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		message.Data = dataBytes
	}
	return message, nil
}

func RequireNewMessage(event string, data any) *Message {
	message, err := NewMessage(event, data)
	if err != nil {
		panic(err)
	}
	return message
}

func (self *Message) Decode(v any) error {
	if len(self.Data) == 0 {
		return fmt.Errorf("%s: missing data", self.Event)
	}
	if err := json.Unmarshal(self.Data, v); err != nil {
		return fmt.Errorf("%s: %w", self.Event, err)
	}
	return nil
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// a partial user profile. Empty fields are not changed by an update.
type User struct {
	Id     string  `json:"id,omitempty"`
	Name   string  `json:"name,omitempty"`
	Color  string  `json:"color,omitempty"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

func (self User) Merge(updates User) User {
	out := self
	if updates.Name != "" {
		out.Name = updates.Name
	}
	if updates.Color != "" {
		out.Color = updates.Color
	}
	if updates.Cursor != nil {
		cursor := *updates.Cursor
		out.Cursor = &cursor
	}
	return out
}

type UserUpdated struct {
	UserId  string `json:"userId"`
	Updates User   `json:"updates"`
}

type CursorUpdate struct {
	UserId string `json:"userId"`
	Cursor Cursor `json:"cursor"`
}

type Comment struct {
	Id        string  `json:"id,omitempty"`
	UserId    string  `json:"userId,omitempty"`
	ObjectId  string  `json:"objectId,omitempty"`
	Text      string  `json:"text"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
	Resolved  bool    `json:"resolved,omitempty"`
}

type CommentPatch struct {
	Text     *string `json:"text,omitempty"`
	Resolved *bool   `json:"resolved,omitempty"`
}

func (self Comment) Apply(patch CommentPatch) Comment {
	out := self
	if patch.Text != nil {
		out.Text = *patch.Text
	}
	if patch.Resolved != nil {
		out.Resolved = *patch.Resolved
	}
	return out
}

type CommentUpdate struct {
	CommentId string       `json:"commentId"`
	Updates   CommentPatch `json:"updates"`
}

// `canvas:sync` payload. With no `Since`, only the snapshot is requested.
type SyncRequest struct {
	Since *int64 `json:"since,omitempty"`
}

// `canvas:state` payload
type CanvasSnapshot struct {
	State CanvasState `json:"state"`
	// operations after the requested `since`, excluding the requester's own
	Operations  []Operation `json:"operations,omitempty"`
	VectorClock VectorClock `json:"vectorClock,omitempty"`
}

// `workspace:state` payload
type WorkspaceState struct {
	WorkspaceId string    `json:"workspaceId"`
	Users       []User    `json:"users"`
	Comments    []Comment `json:"comments"`
}

type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

// an opaque peer negotiation message carried by the relay
type Signal struct {
	Type      SignalType                 `json:"type"`
	Sdp       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// `webrtc:*` payload. Outbound `UserId` is the target; inbound it is the sender.
type SignalMessage struct {
	UserId    string                     `json:"userId"`
	Signal    *Signal                    `json:"signal,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// AsSignal normalizes the four signaling events into one signal.
func (self *SignalMessage) AsSignal() (*Signal, error) {
	switch {
	case self.Signal != nil:
		return self.Signal, nil
	case self.Offer != nil:
		return &Signal{Type: SignalTypeOffer, Sdp: self.Offer}, nil
	case self.Answer != nil:
		return &Signal{Type: SignalTypeAnswer, Sdp: self.Answer}, nil
	case self.Candidate != nil:
		return &Signal{Type: SignalTypeCandidate, Candidate: self.Candidate}, nil
	default:
		return nil, fmt.Errorf("empty signal from %s", self.UserId)
	}
}

// the relay lifecycle state, the `state` event payload
type RelayStateChange struct {
	State   RelayState `json:"state"`
	Attempt int        `json:"attempt"`
}
