// Package outputstream 构建/部署输出流：每行先持久化，再广播给在线订阅者
package outputstream

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"paas-control/internal/model"
	"paas-control/internal/repository"
	"paas-control/pkg/constants"
)

// Hub 输出流中心
type Hub struct {
	repo    repository.OutputStreamRepository
	broker  Broker
	buffer  int
	log     *zap.Logger
	nowFunc func() time.Time
}

func NewHub(repo repository.OutputStreamRepository, broker Broker, buffer int, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = constants.DefaultSubscriberBuffer
	}
	return &Hub{repo: repo, broker: broker, buffer: buffer, log: log, nowFunc: time.Now}
}

// Open 创建新的输出流
func (h *Hub) Open(ctx context.Context, tenantID string) (*Stream, error) {
	if tenantID == "" {
		tenantID = "default"
	}
	s := &model.OutputStream{TenantID: tenantID}
	if err := h.repo.Create(ctx, s); err != nil {
		return nil, err
	}
	return h.Stream(s.ID), nil
}

// Stream 已存在的流的写入句柄
func (h *Hub) Stream(id string) *Stream {
	return &Stream{id: id, hub: h}
}

// Write 持久化一行后广播；广播失败只记日志，订阅者可通过 History 补齐
func (h *Hub) Write(ctx context.Context, streamID, line string, kind constants.StreamKind) error {
	row := &model.OutputStreamLine{
		StreamID:   streamID,
		StreamKind: string(kind),
		Line:       strings.TrimRight(line, "\r\n"),
		CreatedAt:  h.nowFunc(),
	}
	if err := h.repo.AppendLine(ctx, row); err != nil {
		return err
	}

	msg := Message{Seq: row.ID, Kind: row.StreamKind, Line: row.Line, Created: row.CreatedAt}
	if err := h.broker.Publish(ctx, streamID, msg); err != nil {
		h.log.Warn("输出流广播失败", zap.String("stream_id", streamID), zap.Error(err))
	}
	return nil
}

// Close 标记流结束并通知订阅者
func (h *Hub) Close(ctx context.Context, streamID string) error {
	if err := h.repo.MarkClosed(ctx, streamID, h.nowFunc()); err != nil {
		return err
	}
	if err := h.broker.Publish(ctx, streamID, Message{Closed: true}); err != nil {
		h.log.Warn("输出流关闭通知失败", zap.String("stream_id", streamID), zap.Error(err))
	}
	return nil
}

// Subscribe 订阅实时输出
func (h *Hub) Subscribe(ctx context.Context, streamID string) (*Subscription, error) {
	return h.broker.Subscribe(ctx, streamID, h.buffer)
}

// History 序号大于 sinceSeq 的历史行
func (h *Hub) History(ctx context.Context, streamID string, sinceSeq int64) ([]*model.OutputStreamLine, error) {
	return h.repo.Lines(ctx, streamID, sinceSeq, 0)
}

// Follow 先订阅再补历史，按序号去重后依次回调 fn，直到流结束或 ctx 取消。
// 订阅者掉队时自动重新订阅并从 History 追赶。
func (h *Hub) Follow(ctx context.Context, streamID string, sinceSeq int64, fn func(Message) error) error {
	last := sinceSeq
	for {
		sub, err := h.Subscribe(ctx, streamID)
		if err != nil {
			return err
		}

		closed, err := h.catchUp(ctx, streamID, &last, fn)
		if err != nil || closed {
			sub.Close()
			return err
		}

		done, err := h.drain(ctx, sub, &last, fn)
		sub.Close()
		if err != nil || done {
			return err
		}
		if !sub.Dropped() {
			// 订阅被底层断开（例如 Redis 连接关闭），从历史中补齐后结束
			_, err = h.catchUp(ctx, streamID, &last, fn)
			return err
		}
		h.log.Debug("订阅者掉队，重新订阅", zap.String("stream_id", streamID), zap.Int64("last_seq", last))
	}
}

func (h *Hub) catchUp(ctx context.Context, streamID string, last *int64, fn func(Message) error) (bool, error) {
	lines, err := h.History(ctx, streamID, *last)
	if err != nil {
		return false, err
	}
	for _, l := range lines {
		if err := fn(Message{Seq: l.ID, Kind: l.StreamKind, Line: l.Line, Created: l.CreatedAt}); err != nil {
			return false, err
		}
		*last = l.ID
	}

	stream, err := h.repo.FindByID(ctx, streamID)
	if err != nil {
		return false, err
	}
	return stream.ClosedAt != nil, nil
}

func (h *Hub) drain(ctx context.Context, sub *Subscription, last *int64, fn func(Message) error) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return false, nil
			}
			if msg.Closed {
				return true, nil
			}
			if msg.Seq <= *last {
				continue
			}
			if err := fn(msg); err != nil {
				return true, err
			}
			*last = msg.Seq
		}
	}
}

// Stream 单个输出流的写入句柄
type Stream struct {
	id  string
	hub *Hub
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Write(ctx context.Context, line string, kind constants.StreamKind) error {
	return s.hub.Write(ctx, s.id, line, kind)
}

func (s *Stream) WriteTitle(ctx context.Context, title string) error {
	return s.Write(ctx, title, constants.StreamTitle)
}

func (s *Stream) WriteStdout(ctx context.Context, line string) error {
	return s.Write(ctx, line, constants.StreamStdout)
}

func (s *Stream) WriteStderr(ctx context.Context, line string) error {
	return s.Write(ctx, line, constants.StreamStderr)
}

func (s *Stream) Close(ctx context.Context) error {
	return s.hub.Close(ctx, s.id)
}
