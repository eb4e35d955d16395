package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"
)

// subscriber is one connected WebSocket client. Frames are queued on out and
// written by the subscriber's own writeLoop, so neither producers nor the
// bus event loop ever block on a slow socket.
type subscriber struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	out chan []byte

	mu      sync.Mutex
	pending int64 // bytes sitting in out
	closed  bool

	closeOnce sync.Once
}

func newSubscriber(id string, conn *websocket.Conn, ctx context.Context, cancel context.CancelFunc) *subscriber {
	return &subscriber{
		id:     id,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, 256),
	}
}

// enqueue adds a frame to the send queue. Returns false when the subscriber
// has fallen behind past the backlog limit and should be closed.
func (s *subscriber) enqueue(frame []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true // already gone; nothing to do
	}
	if s.pending+int64(len(frame)) > maxPendingBytes {
		s.mu.Unlock()
		return false
	}
	select {
	case s.out <- frame:
		s.pending += int64(len(frame))
		s.mu.Unlock()
		return true
	default:
		s.mu.Unlock()
		return false // channel full counts as falling behind
	}
}

// sendEnvelope marshals and queues a direct (non-broadcast) frame, such as
// pong or the connect-time status.
func (s *subscriber) sendEnvelope(eventType string, data any) {
	frame, err := json.Marshal(Envelope{Event: eventType, Timestamp: timestamp(), Data: data})
	if err != nil {
		return
	}
	s.enqueue(frame)
}

// writeLoop drains the send queue onto the socket. Exits when the
// subscriber context is cancelled.
func (s *subscriber) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.out:
			s.mu.Lock()
			s.pending -= int64(len(frame))
			s.mu.Unlock()

			writeCtx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.cancel()
				return
			}
		}
	}
}

// close tears the connection down exactly once.
func (s *subscriber) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		_ = s.conn.Close(code, reason)
	})
}
