// Package bus implements the message bus adapter (C10): a thin
// publish/subscribe contract over Redis pub/sub connecting controllers
// and workers (spec §4.10).
package bus

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/inferfabric/fabric/pkg/rpc"
)

// Handler processes one payload delivered on a subject.
type Handler func(subject string, payload []byte)

// Well-known subjects (spec §4.10).
const (
	SubjectWorkerRegister   = "worker.register"
	SubjectWorkerDeregister = "worker.deregister"
	SubjectWorkerHeartbeat  = "worker.heartbeat"
)

// WorkerInferenceSubject is worker.<id>.inference.
func WorkerInferenceSubject(workerID string) string { return "worker." + workerID + ".inference" }

// ResponseSubject is response.<request_id>.
func ResponseSubject(requestID string) string { return "response." + requestID }

// Config configures the Redis connection backing the bus.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// subscription tracks one subject's handlers so Unsubscribe can remove
// just one without tearing down the underlying redis.PubSub.
type subscription struct {
	ps       *redis.PubSub
	cancel   context.CancelFunc
	handlers []Handler
}

// Bus is the C10 adapter. Delivery is at-least-once for the lifetime of
// the connection; duplicate register/heartbeat deliveries are the
// caller's concern to treat as idempotent refreshes (spec §4.10).
type Bus struct {
	log    logr.Logger
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*subscription
}

// Connect dials Redis and returns a ready Bus.
func Connect(log logr.Logger, cfg Config) (*Bus, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, rpc.Wrap(err, rpc.KindRuntimeGeneric, "bus connect")
	}
	return &Bus{log: log, client: client, subs: make(map[string]*subscription)}, nil
}

// Disconnect tears down every subscription and the underlying client.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, sub := range b.subs {
		sub.cancel()
		_ = sub.ps.Close()
		delete(b.subs, subject)
	}
	return b.client.Close()
}

// Publish writes payload to subject.
func (b *Bus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := b.client.Publish(ctx, subject, payload).Err(); err != nil {
		return rpc.Wrap(err, rpc.KindRuntimeGeneric, "bus publish")
	}
	return nil
}

// Subscribe registers handler on subject, creating the underlying
// redis.PubSub lazily and fanning out to every handler registered on
// that subject. The returned func unsubscribes only this handler.
func (b *Bus) Subscribe(ctx context.Context, subject string, handler Handler) (func(), error) {
	b.mu.Lock()
	sub, ok := b.subs[subject]
	if !ok {
		subCtx, cancel := context.WithCancel(context.Background())
		ps := b.client.Subscribe(ctx, subject)
		if _, err := ps.Receive(ctx); err != nil {
			cancel()
			b.mu.Unlock()
			return nil, rpc.Wrap(err, rpc.KindRuntimeGeneric, "bus subscribe")
		}
		sub = &subscription{ps: ps, cancel: cancel}
		b.subs[subject] = sub
		go b.deliverLoop(subCtx, subject, ps)
	}
	id := len(sub.handlers)
	sub.handlers = append(sub.handlers, handler)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		s, ok := b.subs[subject]
		if !ok || id >= len(s.handlers) {
			return
		}
		s.handlers[id] = nil
	}, nil
}

func (b *Bus) deliverLoop(ctx context.Context, subject string, ps *redis.PubSub) {
	ch := ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.mu.Lock()
			sub, ok := b.subs[subject]
			handlers := make([]Handler, 0, len(sub.handlers))
			if ok {
				for _, h := range sub.handlers {
					if h != nil {
						handlers = append(handlers, h)
					}
				}
			}
			b.mu.Unlock()
			for _, h := range handlers {
				b.invokeSafely(h, subject, []byte(msg.Payload))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) invokeSafely(h Handler, subject string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(nil, "bus handler panicked", "subject", subject, "panic", r)
		}
	}()
	h(subject, payload)
}
