package common

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// EventBus relays broadcast events between gateway replicas over Redis
// pub/sub. Every replica, including the publisher, receives each event
// through its subscription. Without Redis, events are dispatched locally.
type EventBus struct {
	rdb      *RedisClient
	channel  string
	handlers []func(types.BroadcastEvent)
	mu       sync.RWMutex
	ctx      context.Context
	ready    chan struct{}
	once     sync.Once
}

// envelope keeps the payload as raw JSON so it survives the round trip
type envelope struct {
	Type      types.EventType `json:"type"`
	Room      string          `json:"room"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Exclude   string          `json:"exclude,omitempty"`
}

func NewEventBus(ctx context.Context, rdb *RedisClient) *EventBus {
	return &EventBus{
		rdb:     rdb,
		channel: Keys.EventsChannel(),
		ctx:     ctx,
		ready:   make(chan struct{}),
	}
}

func (eb *EventBus) On(fn func(types.BroadcastEvent)) {
	eb.mu.Lock()
	eb.handlers = append(eb.handlers, fn)
	eb.mu.Unlock()
}

// Remote reports whether events travel through Redis
func (eb *EventBus) Remote() bool {
	return eb.rdb != nil
}

// Ready is closed once the subscription is established
func (eb *EventBus) Ready() <-chan struct{} {
	if eb.rdb == nil {
		eb.once.Do(func() { close(eb.ready) })
	}
	return eb.ready
}

func (eb *EventBus) Emit(e types.BroadcastEvent) {
	if eb.rdb == nil {
		eb.dispatch(e)
		return
	}

	data, err := json.Marshal(e.Data)
	if err != nil {
		log.Warn().Err(err).Str("type", string(e.Type)).Msg("eventbus: marshal payload failed")
		return
	}
	payload, err := json.Marshal(envelope{
		Type:      e.Type,
		Room:      e.Room,
		Data:      data,
		RequestID: e.RequestID,
		Exclude:   e.Exclude,
	})
	if err != nil {
		return
	}
	if err := eb.rdb.Publish(eb.ctx, eb.channel, payload).Err(); err != nil {
		log.Warn().Err(err).Str("type", string(e.Type)).Msg("eventbus: publish failed, dispatching locally")
		eb.dispatch(e)
	}
}

func (eb *EventBus) dispatch(e types.BroadcastEvent) {
	eb.mu.RLock()
	handlers := eb.handlers
	eb.mu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

func (eb *EventBus) Start() {
	if eb.rdb == nil {
		eb.once.Do(func() { close(eb.ready) })
		<-eb.ctx.Done()
		return
	}
	log.Info().Str("channel", eb.channel).Msg("eventbus started")
	eb.listen()
}

func (eb *EventBus) listen() {
	for {
		if eb.ctx.Err() != nil {
			return
		}
		msgs, errs := eb.rdb.Subscribe(eb.ctx, eb.channel)
		eb.once.Do(func() { close(eb.ready) })
		eb.recv(msgs, errs)
	}
}

func (eb *EventBus) recv(msgs <-chan *redis.Message, errs <-chan error) {
	for {
		select {
		case <-eb.ctx.Done():
			return
		case err := <-errs:
			if eb.ctx.Err() == nil {
				log.Warn().Err(err).Msg("eventbus subscription lost, resubscribing")
			}
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			eb.dispatch(types.BroadcastEvent{
				Type:      env.Type,
				Room:      env.Room,
				Data:      env.Data,
				RequestID: env.RequestID,
				Exclude:   env.Exclude,
			})
		}
	}
}
