package redisstore

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// Store fans generation progress out over pub/sub so a client that fired
// a background job (or reconnected mid-stream) can follow along.
type Store struct {
	client *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error { return s.client.Close() }

func channelFor(chatID string) string { return "chat:stream:" + chatID }

// StreamEvent mirrors the observer surface: partial fragments, then one
// complete or error.
type StreamEvent struct {
	Type     string `json:"type"` // "partial", "complete", "error"
	Fragment string `json:"fragment,omitempty"`
	FullText string `json:"full_text,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (s *Store) publish(ctx context.Context, chatID string, ev StreamEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, channelFor(chatID), body).Err(); err != nil {
		log.Printf("redis publish chat=%s err=%v", chatID, err)
	}
}

// Subscribe follows a chat's stream events until ctx ends.
func (s *Store) Subscribe(ctx context.Context, chatID string) (<-chan StreamEvent, func()) {
	sub := s.client.Subscribe(ctx, channelFor(chatID))
	out := make(chan StreamEvent, 16)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev StreamEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}

// Observer adapts one chat's stream channel to the generation observer
// surface. Events are published in call order.
type Observer struct {
	store  *Store
	ctx    context.Context
	chatID string
}

func (s *Store) ObserverFor(ctx context.Context, chatID string) *Observer {
	return &Observer{store: s, ctx: ctx, chatID: chatID}
}

func (o *Observer) OnPartial(fragment string) {
	o.store.publish(o.ctx, o.chatID, StreamEvent{Type: "partial", Fragment: fragment})
}

func (o *Observer) OnComplete(fullText string) {
	o.store.publish(o.ctx, o.chatID, StreamEvent{Type: "complete", FullText: fullText})
}

func (o *Observer) OnError(message string) {
	o.store.publish(o.ctx, o.chatID, StreamEvent{Type: "error", Message: message})
}
