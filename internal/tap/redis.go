// Package tap forwards transfer notifications to an external observer.
package tap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/1ureka/netviz/internal/protocol"
	"github.com/1ureka/netviz/internal/relay"
	"github.com/1ureka/netviz/internal/util"
)

// queueSize bounds the transfers waiting to be published.
const queueSize = 1024

// Publisher is the subset of a Redis client used by [Redis].
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

var _ relay.Tap = (*Redis)(nil)

// Redis publishes every transfer notification as a JSON message on a
// Redis pub/sub channel. Publishing happens on a private goroutine; when
// Redis falls behind, transfers are dropped and counted.
type Redis struct {
	pub     Publisher
	channel string

	queue   chan protocol.PacketTransferred
	dropped atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Dial connects to the Redis server at addr and verifies it with a PING.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// NewRedis starts a tap publishing to channel through pub.
func NewRedis(pub Publisher, channel string) *Redis {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		pub:     pub,
		channel: channel,
		queue:   make(chan protocol.PacketTransferred, queueSize),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go r.publishLoop(ctx)
	return r
}

// Transfer implements relay.Tap. It never blocks.
func (r *Redis) Transfer(t protocol.PacketTransferred) {
	select {
	case r.queue <- t:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of transfers discarded because the queue was full.
func (r *Redis) Dropped() uint64 {
	return r.dropped.Load()
}

// Close publishes what is already queued, then stops the worker.
func (r *Redis) Close() error {
	r.once.Do(func() {
		r.cancel()
		<-r.done
	})
	return nil
}

func (r *Redis) publishLoop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case t := <-r.queue:
			r.publish(t)

		case <-ctx.Done():
			// Drain before exiting.
			for {
				select {
				case t := <-r.queue:
					r.publish(t)
				default:
					return
				}
			}
		}
	}
}

func (r *Redis) publish(t protocol.PacketTransferred) {
	payload, err := json.Marshal(t)
	if err != nil {
		util.LogWarning("failed to encode transfer: %v", err)
		return
	}
	// Publishing uses a fresh context so drained items still go out.
	if err := r.pub.Publish(context.Background(), r.channel, payload).Err(); err != nil {
		util.LogWarning("failed to publish transfer to Redis: %v", err)
	}
}
