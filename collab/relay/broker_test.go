package relay

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bringyour/collab/collab"
)

func TestMemoryBroker(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	defer broker.Close()

	w1 := []*Envelope{}
	unsubW1, err := broker.Subscribe(ctx, "w1", func(envelope *Envelope) {
		w1 = append(w1, envelope)
	})
	assert.Equal(t, err, nil)
	// a panicking subscriber does not stop delivery to the others
	unsubPanic, err := broker.Subscribe(ctx, "w1", func(envelope *Envelope) {
		panic("subscriber error")
	})
	assert.Equal(t, err, nil)
	w2 := []*Envelope{}
	_, err = broker.Subscribe(ctx, "w2", func(envelope *Envelope) {
		w2 = append(w2, envelope)
	})
	assert.Equal(t, err, nil)

	envelope := &Envelope{
		WorkspaceId: "w1",
		SourceId:    "connection-1",
		Message:     collab.RequireNewMessage(collab.EventCursorUpdate, &collab.CursorUpdate{UserId: "a"}),
	}
	err = broker.Publish(ctx, envelope)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(w1), 1)
	assert.Equal(t, w1[0], envelope)
	assert.Equal(t, len(w2), 0)

	unsubW1()
	unsubPanic()
	err = broker.Publish(ctx, envelope)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(w1), 1)

	// the workspace has no subscribers left
	broker.mutex.Lock()
	_, ok := broker.subscribers["w1"]
	broker.mutex.Unlock()
	assert.Equal(t, ok, false)

	// publish to a workspace with no subscribers is fine
	err = broker.Publish(ctx, &Envelope{WorkspaceId: "w3"})
	assert.Equal(t, err, nil)
}

func TestHubTargeting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	hub, err := NewHub(ctx, "w", broker, collab.DefaultHistorySettings(), collab.DefaultTransformSettings())
	assert.Equal(t, err, nil)
	defer hub.Close()

	received := map[string][]string{}
	newMember := func(connectionId string, userId string) *member {
		return &member{
			connectionId: connectionId,
			userId:       userId,
			send: func(message *collab.Message) error {
				received[connectionId] = append(received[connectionId], message.Event)
				return nil
			},
			close: func() {},
		}
	}
	a := newMember("ca", "a")
	b1 := newMember("cb1", "b")
	b2 := newMember("cb2", "b")
	for _, m := range []*member{a, b1, b2} {
		hub.add(m)
	}
	assert.Equal(t, hub.Len(), 3)

	hub.handle(a, collab.RequireNewMessage(collab.EventWebRtcSignal, &collab.SignalMessage{
		UserId: "b",
		Signal: &collab.Signal{Type: collab.SignalTypeOffer},
	}))
	// without a target the signal is dropped
	hub.handle(a, collab.RequireNewMessage(collab.EventWebRtcSignal, &collab.SignalMessage{
		Signal: &collab.Signal{Type: collab.SignalTypeOffer},
	}))

	assert.Equal(t, received["ca"], []string{collab.EventWorkspaceState})
	assert.Equal(t, received["cb1"], []string{collab.EventWorkspaceState, collab.EventWebRtcSignal})
	assert.Equal(t, received["cb2"], []string{collab.EventWorkspaceState, collab.EventWebRtcSignal})

	// a member that cannot keep up is closed
	closed := false
	slow := &member{
		connectionId: "slow",
		userId:       "s",
		send: func(message *collab.Message) error {
			return ErrSlowConnection
		},
		close: func() {
			closed = true
		},
	}
	hub.add(slow)
	assert.Equal(t, closed, true)

	assert.Equal(t, hub.remove(slow), 3)
}

func newTestRedisClient(redisServer *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     redisServer.Addr(),
		Protocol: 2,
	})
}

func nextEnvelope(t *testing.T, envelopes chan *Envelope) *Envelope {
	select {
	case envelope := <-envelopes:
		return envelope
	case <-time.After(5 * time.Second):
		t.Fatal("no envelope")
		return nil
	}
}

func TestRedisBroker(t *testing.T) {
	ctx := context.Background()
	redisServer := miniredis.RunT(t)

	broker := NewRedisBrokerWithDefaults(newTestRedisClient(redisServer))
	defer broker.Close()

	w1 := make(chan *Envelope, 8)
	unsubW1, err := broker.Subscribe(ctx, "w1", func(envelope *Envelope) {
		w1 <- envelope
	})
	assert.Equal(t, err, nil)
	// subscribed by the time subscribe returns
	assert.Equal(t, redisServer.PubSubNumSub("collab:workspace:w1"), map[string]int{"collab:workspace:w1": 1})

	w2 := make(chan *Envelope, 8)
	_, err = broker.Subscribe(ctx, "w2", func(envelope *Envelope) {
		w2 <- envelope
	})
	assert.Equal(t, err, nil)

	err = broker.Publish(ctx, &Envelope{
		WorkspaceId:  "w1",
		SourceId:     "connection-1",
		TargetUserId: "b",
		Message:      collab.RequireNewMessage(collab.EventCursorUpdate, &collab.CursorUpdate{UserId: "a"}),
	})
	assert.Equal(t, err, nil)

	envelope := nextEnvelope(t, w1)
	assert.Equal(t, envelope.WorkspaceId, "w1")
	assert.Equal(t, envelope.SourceId, "connection-1")
	assert.Equal(t, envelope.TargetUserId, "b")
	assert.Equal(t, envelope.Message.Event, collab.EventCursorUpdate)
	var cursorUpdate collab.CursorUpdate
	err = envelope.Message.Decode(&cursorUpdate)
	assert.Equal(t, err, nil)
	assert.Equal(t, cursorUpdate.UserId, "a")

	// a bad payload is skipped and delivery continues
	redisServer.Publish("collab:workspace:w2", "not json")
	err = broker.Publish(ctx, &Envelope{
		WorkspaceId: "w2",
		SourceId:    "connection-2",
		Message:     collab.RequireNewMessage(collab.EventUserLeft, "a"),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, nextEnvelope(t, w2).SourceId, "connection-2")

	select {
	case envelope := <-w1:
		t.Fatalf("unexpected envelope %s", envelope.SourceId)
	default:
	}

	unsubW1()
	// idempotent
	unsubW1()
}

func TestRedisBrokerAcrossServers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisServer := miniredis.RunT(t)

	// two relay instances sharing one redis
	server1 := NewServerWithDefaults(ctx, NewRedisBrokerWithDefaults(newTestRedisClient(redisServer)))
	httpServer1 := httptest.NewServer(server1.Router())
	defer httpServer1.Close()
	defer server1.Close()

	server2 := NewServerWithDefaults(ctx, NewRedisBrokerWithDefaults(newTestRedisClient(redisServer)))
	httpServer2 := httptest.NewServer(server2.Router())
	defer httpServer2.Close()
	defer server2.Close()

	a := dial(t, httpServer1, "w", bearer(t, "a", []byte("any-key")))
	defer a.Close()
	readEvent(t, a, collab.EventWorkspaceState)
	b := dial(t, httpServer2, "w", bearer(t, "b", []byte("any-key")))
	defer b.Close()
	readEvent(t, b, collab.EventWorkspaceState)

	op := collab.NewOperation("rect", "a", 1000, 0, collab.AddData{ObjectType: "rect"})
	send(t, a, collab.EventCanvasOperation, op)
	var relayed collab.Operation
	err := readEvent(t, b, collab.EventCanvasOperation).Decode(&relayed)
	assert.Equal(t, err, nil)
	assert.Equal(t, relayed.Id, op.Id)
}
