package api

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

const (
	watchBuffer    = 32
	watchPingEvery = 30 * time.Second
	watchWriteWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub fans change notifications out to a subject's watchers. Events carry
// record ids only.
type Hub struct {
	logger  *events.Logger
	metrics *httpMetrics

	mu       sync.Mutex
	watchers map[string]map[chan models.WatchEvent]struct{}
	closed   bool
}

// NewHub creates an empty hub.
func NewHub(logger *events.Logger, metrics *httpMetrics) *Hub {
	return &Hub{
		logger:   logger,
		metrics:  metrics,
		watchers: make(map[string]map[chan models.WatchEvent]struct{}),
	}
}

// Subscribe registers a watcher. The returned cancel func must be called.
func (h *Hub) Subscribe(subject string) (<-chan models.WatchEvent, func()) {
	ch := make(chan models.WatchEvent, watchBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if h.watchers[subject] == nil {
		h.watchers[subject] = make(map[chan models.WatchEvent]struct{})
	}
	h.watchers[subject][ch] = struct{}{}
	h.mu.Unlock()
	h.metrics.watcherDelta(1)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.watchers[subject][ch]; !ok {
				return
			}
			delete(h.watchers[subject], ch)
			if len(h.watchers[subject]) == 0 {
				delete(h.watchers, subject)
			}
			close(ch)
			h.metrics.watcherDelta(-1)
		})
	}
}

// Publish delivers ev to every watcher of subject. A watcher whose buffer
// is full misses the event.
func (h *Hub) Publish(subject string, ev models.WatchEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.watchers[subject] {
		select {
		case ch <- ev:
		default:
			h.logger.WithField("subject_id", subject).Warn("Watcher is slow, dropping event")
		}
	}
}

// Watchers returns the number of open watchers for subject.
func (h *Hub) Watchers(subject string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[subject])
}

// Close disconnects every watcher.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for subject, set := range h.watchers {
		for ch := range set {
			close(ch)
			h.metrics.watcherDelta(-1)
		}
		delete(h.watchers, subject)
	}
}

func (s *Server) handleWatch(c *gin.Context) {
	subject := subjectOf(c)
	logger := events.FromContext(c.Request.Context())

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithError(err).Debug("Watch upgrade failed")
		return
	}
	defer conn.Close()

	ch, cancel := s.hub.Subscribe(subject)
	defer cancel()

	logger.Debug("Watcher connected")

	// The reader only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(watchPingEvery)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(watchWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteJSON(models.WatchEvent{Op: models.WatchOpPing, At: time.Now().UTC()}); err != nil {
				return
			}
		case <-gone:
			logger.Debug("Watcher disconnected")
			return
		}
	}
}
