package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/bringyour/collab/collab"
)

// one relayed message on the workspace bus
type Envelope struct {
	WorkspaceId string `json:"workspaceId"`
	// the connection that produced the message
	SourceId string `json:"sourceId"`
	// deliver to the source connection too
	IncludeSource bool `json:"includeSource,omitempty"`
	// when set, deliver only to this user's connections
	TargetUserId string          `json:"targetUserId,omitempty"`
	Message      *collab.Message `json:"message"`
}

type EnvelopeFunction = func(envelope *Envelope)

// Broker fans out envelopes to every hub of a workspace, across relay instances.
type Broker interface {
	Publish(ctx context.Context, envelope *Envelope) error
	Subscribe(ctx context.Context, workspaceId string, envelopeCallback EnvelopeFunction) (func(), error)
	Close() error
}

// single instance
type MemoryBroker struct {
	mutex       sync.Mutex
	subscribers map[string]*collab.CallbackList[EnvelopeFunction]
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subscribers: map[string]*collab.CallbackList[EnvelopeFunction]{},
	}
}

func (self *MemoryBroker) Publish(ctx context.Context, envelope *Envelope) error {
	self.mutex.Lock()
	callbacks, ok := self.subscribers[envelope.WorkspaceId]
	self.mutex.Unlock()
	if !ok {
		return nil
	}
	for _, envelopeCallback := range callbacks.Get() {
		collab.HandleError(func() {
			envelopeCallback(envelope)
		})
	}
	return nil
}

func (self *MemoryBroker) Subscribe(ctx context.Context, workspaceId string, envelopeCallback EnvelopeFunction) (func(), error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks, ok := self.subscribers[workspaceId]
	if !ok {
		callbacks = collab.NewCallbackList[EnvelopeFunction]()
		self.subscribers[workspaceId] = callbacks
	}
	callbackId := callbacks.Add(envelopeCallback)
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		callbacks.Remove(callbackId)
		if callbacks.Len() == 0 && self.subscribers[workspaceId] == callbacks {
			delete(self.subscribers, workspaceId)
		}
	}, nil
}

func (self *MemoryBroker) Close() error {
	return nil
}

type RedisBrokerSettings struct {
	ChannelPrefix string
}

func DefaultRedisBrokerSettings() *RedisBrokerSettings {
	return &RedisBrokerSettings{
		ChannelPrefix: "collab:workspace:",
	}
}

// RedisBroker uses one pub/sub channel per workspace so relays can be scaled out.
type RedisBroker struct {
	client   *redis.Client
	settings *RedisBrokerSettings
}

func NewRedisBroker(client *redis.Client, settings *RedisBrokerSettings) *RedisBroker {
	return &RedisBroker{
		client:   client,
		settings: settings,
	}
}

func NewRedisBrokerWithDefaults(client *redis.Client) *RedisBroker {
	return NewRedisBroker(client, DefaultRedisBrokerSettings())
}

func (self *RedisBroker) channel(workspaceId string) string {
	return fmt.Sprintf("%s%s", self.settings.ChannelPrefix, workspaceId)
}

func (self *RedisBroker) Publish(ctx context.Context, envelope *Envelope) error {
	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return self.client.Publish(ctx, self.channel(envelope.WorkspaceId), envelopeBytes).Err()
}

func (self *RedisBroker) Subscribe(ctx context.Context, workspaceId string, envelopeCallback EnvelopeFunction) (func(), error) {
	pubsub := self.client.Subscribe(ctx, self.channel(workspaceId))
	// wait for the subscription so that no publish after this returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	go collab.HandleError(func() {
		for message := range pubsub.Channel() {
			envelope := &Envelope{}
			if err := json.Unmarshal([]byte(message.Payload), envelope); err != nil {
				glog.Infof("[b]%s bad envelope = %s\n", workspaceId, err)
				continue
			}
			collab.HandleError(func() {
				envelopeCallback(envelope)
			})
		}
	})

	var closeOnce sync.Once
	return func() {
		closeOnce.Do(func() {
			pubsub.Close()
		})
	}, nil
}

func (self *RedisBroker) Close() error {
	return self.client.Close()
}
