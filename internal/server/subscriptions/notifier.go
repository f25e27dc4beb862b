package subscriptions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "contentrepo_subscription_notifications_total",
	Help: "Subscription notifications by channel and outcome",
}, []string{"channel", "result"})

// WSConn is an interface for WebSocket connections
// This allows us to avoid importing gorilla/websocket in the types
type WSConn interface {
	WriteJSON(v any) error
	Close() error
}

// Notifier handles sending notifications via webhooks and WebSockets
type Notifier struct {
	httpClient *http.Client
	attempts   int
	backoff    time.Duration
	wsClients  map[string]WSConn // subscription_id -> connection
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NotifierOption configures a Notifier
type NotifierOption func(*Notifier)

// WithHTTPClient sets the client used for webhooks
func WithHTTPClient(c *http.Client) NotifierOption {
	return func(n *Notifier) { n.httpClient = c }
}

// WithRetry sets the webhook attempts and the base backoff. Attempt k
// waits k*k times the base.
func WithRetry(attempts int, backoff time.Duration) NotifierOption {
	return func(n *Notifier) {
		n.attempts = max(attempts, 1)
		n.backoff = backoff
	}
}

// NewNotifier creates a new notifier
func NewNotifier(logger *slog.Logger, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		attempts:  3,
		backoff:   time.Second,
		wsClients: make(map[string]WSConn),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Close closes all WebSocket connections
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, conn := range n.wsClients {
		conn.Close()
	}
	n.wsClients = make(map[string]WSConn)
}

// RegisterWSClient registers a WebSocket connection for a subscription
func (n *Notifier) RegisterWSClient(subID string, conn WSConn) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if existing, ok := n.wsClients[subID]; ok {
		existing.Close()
	}

	n.wsClients[subID] = conn
	n.logger.Info("websocket client registered", "subscription", subID)
}

// UnregisterWSClient removes a WebSocket connection
func (n *Notifier) UnregisterWSClient(subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if conn, ok := n.wsClients[subID]; ok {
		conn.Close()
		delete(n.wsClients, subID)
		n.logger.Info("websocket client unregistered", "subscription", subID)
	}
}

// SendWebhook posts the notification, retrying with a quadratic backoff
func (n *Notifier) SendWebhook(ctx context.Context, url string, notification Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < n.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt*attempt) * n.backoff):
			case <-ctx.Done():
				notificationsSent.WithLabelValues("webhook", "cancelled").Inc()
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Repo-Event", notification.Event.Type)
		req.Header.Set("X-Repo-Subscription", notification.SubscriptionID)

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = err
			n.logger.Warn("webhook delivery attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			notificationsSent.WithLabelValues("webhook", "ok").Inc()
			n.logger.Debug("webhook delivered", "url", url)
			return nil
		}

		lastErr = &WebhookError{URL: url, StatusCode: resp.StatusCode}
		n.logger.Warn("webhook delivery attempt rejected", "attempt", attempt+1, "status", resp.StatusCode)
	}

	notificationsSent.WithLabelValues("webhook", "failed").Inc()
	n.logger.Error("webhook delivery failed", "url", url, "attempts", n.attempts, "error", lastErr)
	return lastErr
}

// SendWebSocket sends a notification via WebSocket
func (n *Notifier) SendWebSocket(subID string, notification Notification) error {
	n.mu.RLock()
	conn, ok := n.wsClients[subID]
	n.mu.RUnlock()

	if !ok {
		// No active WebSocket connection, not an error
		return nil
	}

	if err := conn.WriteJSON(notification); err != nil {
		notificationsSent.WithLabelValues("websocket", "failed").Inc()
		n.logger.Warn("websocket send failed", "subscription", subID, "error", err)
		n.UnregisterWSClient(subID)
		return err
	}
	notificationsSent.WithLabelValues("websocket", "ok").Inc()
	return nil
}

// HasWSClient checks if a subscription has an active WebSocket client
func (n *Notifier) HasWSClient(subID string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.wsClients[subID]
	return ok
}

// WebhookError represents a webhook delivery failure
type WebhookError struct {
	URL        string
	StatusCode int
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook %s returned status %d", e.URL, e.StatusCode)
}
