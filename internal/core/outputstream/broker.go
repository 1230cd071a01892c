package outputstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"paas-control/internal/pkg/metrics"
)

// Message 广播给订阅者的一行输出；Closed 表示流已结束
type Message struct {
	Seq     int64     `json:"seq"`
	Kind    string    `json:"kind"`
	Line    string    `json:"line"`
	Created time.Time `json:"created"`
	Closed  bool      `json:"closed,omitempty"`
}

// Broker 瞬时的发布/订阅通道，消息丢失可以通过 History 补齐
type Broker interface {
	Publish(ctx context.Context, streamID string, msg Message) error
	Subscribe(ctx context.Context, streamID string, buffer int) (*Subscription, error)
}

// Subscription 订阅句柄。C 在流结束、订阅者掉队或 Close 后关闭
type Subscription struct {
	C <-chan Message

	ch      chan Message
	mu      sync.Mutex
	closed  bool
	dropped atomic.Bool
	onClose func()
}

func newSubscription(buffer int, onClose func()) *Subscription {
	ch := make(chan Message, buffer)
	return &Subscription{C: ch, ch: ch, onClose: onClose}
}

// Dropped 订阅者是否因为跟不上写入速度被断开
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
}

// offer 非阻塞投递；缓冲区满时标记掉队，由调用方断开
func (s *Subscription) offer(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		s.dropped.Store(true)
		metrics.DroppedSubscribers.Inc()
		return false
	}
}

// LocalBroker 单进程内广播
type LocalBroker struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[*Subscription]struct{})}
}

func (b *LocalBroker) Publish(_ context.Context, streamID string, msg Message) error {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs[streamID]))
	for s := range b.subs[streamID] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if !s.offer(msg) || msg.Closed {
			s.Close()
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, streamID string, buffer int) (*Subscription, error) {
	var sub *Subscription
	sub = newSubscription(buffer, func() {
		b.mu.Lock()
		delete(b.subs[streamID], sub)
		if len(b.subs[streamID]) == 0 {
			delete(b.subs, streamID)
		}
		b.mu.Unlock()
	})

	b.mu.Lock()
	if b.subs[streamID] == nil {
		b.subs[streamID] = make(map[*Subscription]struct{})
	}
	b.subs[streamID][sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// RedisBroker 跨进程广播，基于 Redis pub/sub
type RedisBroker struct {
	rdb redis.UniversalClient
	log *zap.Logger
}

func NewRedisBroker(rdb redis.UniversalClient, log *zap.Logger) *RedisBroker {
	return &RedisBroker{rdb: rdb, log: log}
}

func channelFor(streamID string) string {
	return fmt.Sprintf("output_stream:%s", streamID)
}

func (b *RedisBroker) Publish(ctx context.Context, streamID string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelFor(streamID), payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, streamID string, buffer int) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channelFor(streamID))
	// 等待订阅确认，确保之后发布的消息不会丢失
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe output stream %s: %w", streamID, err)
	}

	done := make(chan struct{})
	sub := newSubscription(buffer, func() {
		close(done)
		_ = ps.Close()
	})

	go func() {
		in := ps.Channel()
		for {
			select {
			case <-done:
				return
			case raw, ok := <-in:
				if !ok {
					sub.Close()
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					b.log.Warn("无法解析输出流消息", zap.String("stream_id", streamID), zap.Error(err))
					continue
				}
				if !sub.offer(msg) || msg.Closed {
					sub.Close()
					return
				}
			}
		}
	}()
	return sub, nil
}
