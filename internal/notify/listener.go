// Package notify listens for order notifications on the vendor WebSocket
// channel. Delivery is best-effort and at-most-once: the listener dials
// once, dispatches recognised frames to handlers, and stops on the first
// connection error without reconnecting.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/pitabwire/droponboard/internal/observability"
)

// Event is one notification frame.
type Event struct {
	Type         string `json:"type"`
	RestaurantID any    `json:"restaurant_id,omitempty"`
	OrderID      any    `json:"order_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Handler receives recognised events. Handlers run on the read loop and
// must not block.
type Handler func(ctx context.Context, evt Event)

// Listener reads events from a single WebSocket connection.
type Listener struct {
	url         string
	types       map[string]bool
	dialTimeout time.Duration
	logger      *zap.Logger

	mu       sync.RWMutex
	handlers []Handler
}

// NewListener creates a listener for url that dispatches the given event
// types. Frames of any other type are dropped.
func NewListener(url string, eventTypes []string, dialTimeout time.Duration, logger *zap.Logger) *Listener {
	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		url:         url,
		types:       types,
		dialTimeout: dialTimeout,
		logger:      logger,
	}
}

// Handle registers h for every recognised event.
func (l *Listener) Handle(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Run dials the channel and reads until ctx is cancelled or the connection
// fails. It returns nil on cancellation and the connection error otherwise.
// Run does not reconnect.
func (l *Listener) Run(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, l.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, l.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("notify: dial %s: %w", l.url, err)
	}
	defer conn.CloseNow()

	l.logger.Info("notification channel connected", zap.String("url", l.url))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "shutting down")
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				l.logger.Info("notification channel closed by server")
				return nil
			}
			l.logger.Warn("notification channel lost, not reconnecting", zap.Error(err))
			return fmt.Errorf("notify: read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			l.logger.Debug("dropping undecodable notification frame", zap.Error(err))
			continue
		}
		l.dispatch(ctx, evt)
	}
}

func (l *Listener) dispatch(ctx context.Context, evt Event) {
	if !l.types[evt.Type] {
		l.logger.Debug("ignoring notification", zap.String("type", evt.Type))
		return
	}

	l.mu.RLock()
	handlers := append([]Handler(nil), l.handlers...)
	l.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, evt)
	}
}

// LogHandler logs each event at info level.
func LogHandler(logger *zap.Logger) Handler {
	return func(_ context.Context, evt Event) {
		logger.Info("order notification",
			zap.String("type", evt.Type),
			zap.Any("restaurant_id", evt.RestaurantID),
			zap.Any("order_id", evt.OrderID),
			zap.String("message", evt.Message),
		)
	}
}

// MetricsHandler counts events by type.
func MetricsHandler(m *observability.Metrics) Handler {
	return func(_ context.Context, evt Event) {
		m.RecordNotification(evt.Type)
	}
}
