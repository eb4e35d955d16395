package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// Minimum spacing between broadcasts of the rate-limited kinds.
	// Excess events are dropped, not queued: progress is also observable by
	// polling and the latest preview is always retrievable over HTTP.
	progressMinInterval = 100 * time.Millisecond
	previewMinInterval  = 200 * time.Millisecond

	// maxPendingBytes is the per-subscriber backlog limit. A subscriber
	// that falls this far behind may be closed; nothing blocks globally.
	maxPendingBytes = 1 << 20

	// writeTimeout bounds a single WebSocket write.
	writeTimeout = 10 * time.Second

	// stopTimeout bounds how long Stop waits for the event loop to drain.
	stopTimeout = 5 * time.Second
)

// timestamp formats an event timestamp: ISO-8601, millisecond precision, UTC.
func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// Bus broadcasts typed events to every connected WebSocket subscriber.
// Producers hand encoded frames to a lock-guarded queue; a single event-loop
// goroutine drains it and fans out. Sends never happen on producer threads,
// which is what makes Broadcast safe to call from deep inside the worker or
// a loader callback.
type Bus struct {
	mu          sync.Mutex
	queue       [][]byte
	lastSent    map[string]time.Time
	subscribers map[string]*subscriber

	notify chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	stopOnce sync.Once

	statusMu sync.RWMutex
	statusFn StatusProvider
}

// NewBus creates a bus; Run must be started before subscribers connect.
func NewBus() *Bus {
	return &Bus{
		lastSent:    make(map[string]time.Time),
		subscribers: make(map[string]*subscriber),
		notify:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// SetStatusProvider registers the server_status payload source.
func (b *Bus) SetStatusProvider(fn StatusProvider) {
	b.statusMu.Lock()
	b.statusFn = fn
	b.statusMu.Unlock()
}

// Broadcast enqueues an event for delivery to all current subscribers.
// Non-blocking; safe from any goroutine. Rate-limited kinds that arrive
// within their minimum interval are dropped.
func (b *Bus) Broadcast(eventType string, data any) {
	frame, err := json.Marshal(Envelope{Event: eventType, Timestamp: timestamp(), Data: data})
	if err != nil {
		slog.Warn("Failed to marshal event", "event", eventType, "error", err)
		return
	}

	b.mu.Lock()
	if min := minInterval(eventType); min > 0 {
		if last, ok := b.lastSent[eventType]; ok && time.Since(last) < min {
			b.mu.Unlock()
			return
		}
		b.lastSent[eventType] = time.Now()
	}
	b.queue = append(b.queue, frame)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func minInterval(eventType string) time.Duration {
	switch eventType {
	case EventJobProgress:
		return progressMinInterval
	case EventJobPreview:
		return previewMinInterval
	}
	return 0
}

// Run is the event loop. It drains the producer queue, fans frames out to
// subscriber send queues, and on stop closes every subscriber from its own
// goroutine so close callbacks run in a known context.
func (b *Bus) Run() {
	defer close(b.done)
	for {
		select {
		case <-b.stopCh:
			b.drain()
			b.closeAll()
			return
		case <-b.notify:
			b.drain()
		}
	}
}

// drain flushes the queue to all subscribers.
func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		frames := b.queue
		b.queue = nil
		subs := make([]*subscriber, 0, len(b.subscribers))
		for _, s := range b.subscribers {
			subs = append(subs, s)
		}
		b.mu.Unlock()

		for _, frame := range frames {
			for _, s := range subs {
				if !s.enqueue(frame) {
					slog.Warn("Closing slow WebSocket subscriber", "connection_id", s.id)
					b.remove(s)
				}
			}
		}
	}
}

func (b *Bus) closeAll() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.subscribers = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.close(websocket.StatusGoingAway, "server shutting down")
	}
}

// RequestStop signals the event loop to exit. Safe to call from a signal
// handler: it only closes a channel.
func (b *Bus) RequestStop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Stop requests shutdown and waits a bounded time for the loop to finish,
// then detaches.
func (b *Bus) Stop() {
	b.RequestStop()
	select {
	case <-b.done:
	case <-time.After(stopTimeout):
		slog.Warn("Event bus stop timeout exceeded, detaching")
	}
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Bus) add(s *subscriber) {
	b.mu.Lock()
	b.subscribers[s.id] = s
	b.mu.Unlock()
}

func (b *Bus) remove(s *subscriber) {
	b.mu.Lock()
	_, present := b.subscribers[s.id]
	delete(b.subscribers, s.id)
	b.mu.Unlock()
	if present {
		s.close(websocket.StatusPolicyViolation, "send backlog exceeded")
	}
}

func (b *Bus) status() any {
	b.statusMu.RLock()
	fn := b.statusFn
	b.statusMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

// ServeHTTP upgrades the request to a WebSocket and handles the connection
// until it closes. Mounted on the dedicated WS listener.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	b.HandleConnection(r.Context(), conn)
}

// HandleConnection registers the connection as a subscriber, sends the
// initial server_status, and blocks reading client control messages until
// the connection closes.
func (b *Bus) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	s := newSubscriber(uuid.New().String(), conn, ctx, cancel)
	b.add(s)
	defer func() {
		b.mu.Lock()
		delete(b.subscribers, s.id)
		b.mu.Unlock()
		s.close(websocket.StatusNormalClosure, "")
	}()

	go s.writeLoop()

	// Initial status snapshot for the newly connected client.
	s.sendEnvelope(EventServerStatus, b.status())

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // malformed messages are ignored
		}
		switch msg.Type {
		case "ping":
			s.sendEnvelope(EventPong, nil)
		case "get_status":
			s.sendEnvelope(EventServerStatus, b.status())
		}
	}
}
