package subscriptions

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/systemshift/contentrepo/internal/repo/events"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Manager handles subscription lifecycle and event processing. It receives
// committed repository events as an events.Publisher.
type Manager struct {
	repo          Repository
	subscriptions map[string]*Subscription
	eventChan     chan events.RepoEvent
	notifier      *Notifier
	matcher       *Matcher
	timeout       time.Duration
	delivery      time.Duration
	concurrency   int
	logger        *slog.Logger
	mu            sync.RWMutex
	closeOnce     sync.Once
	closed        bool
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

// WithNotifier replaces the default notifier
func WithNotifier(n *Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBuffer sets how many events may wait for processing
func WithBuffer(n int) Option {
	return func(m *Manager) { m.eventChan = make(chan events.RepoEvent, n) }
}

// WithMatchTimeout bounds the evaluation of one subscription
func WithMatchTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithDeliveryTimeout bounds the delivery of one notification, retries
// included
func WithDeliveryTimeout(d time.Duration) Option {
	return func(m *Manager) { m.delivery = d }
}

// WithConcurrency caps how many subscriptions are evaluated at once
func WithConcurrency(n int) Option {
	return func(m *Manager) { m.concurrency = n }
}

// NewManager creates a new subscription manager
func NewManager(repo Repository, matcher *Matcher, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		repo:          repo,
		subscriptions: make(map[string]*Subscription),
		eventChan:     make(chan events.RepoEvent, 1000),
		matcher:       matcher,
		timeout:       10 * time.Second,
		delivery:      30 * time.Second,
		concurrency:   16,
		logger:        slog.Default(),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.notifier == nil {
		m.notifier = NewNotifier(m.logger)
	}
	return m
}

// Start loads stored subscriptions and begins processing events
func (m *Manager) Start(ctx context.Context) error {
	if err := m.loadSubscriptions(ctx); err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	m.wg.Add(1)
	go m.processEvents()

	m.logger.Info("subscription manager started", "subscriptions", len(m.List()))
	return nil
}

// Stop gracefully shuts down the manager
func (m *Manager) Stop() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.eventChan)
		m.mu.Unlock()
		m.wg.Wait()
		m.cancel()
		m.notifier.Close()
		m.logger.Info("subscription manager stopped")
	})
}

// Publish queues an event for matching. Events are dropped when the queue
// is full so that committing mutations never blocks on subscribers.
func (m *Manager) Publish(_ context.Context, ev events.RepoEvent) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return events.ErrClosed
	}
	select {
	case m.eventChan <- ev:
	default:
		m.logger.Warn("event channel full, dropping event", "event", ev.ID)
	}
	return nil
}

// Close stops the manager
func (m *Manager) Close() error {
	m.Stop()
	return nil
}

// Register adds a new subscription
func (m *Manager) Register(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if req.Webhook == "" && !req.WebSocket {
		return nil, fmt.Errorf("%w: webhook URL or websocket required", ErrInvalid)
	}
	if err := m.matcher.Validate(req.Pattern); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sub := &Subscription{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Pattern:     req.Pattern,
		Webhook:     req.Webhook,
		WebSocket:   req.WebSocket,
		Enabled:     true,
		Created:     now,
		Modified:    now,
	}

	if err := m.repo.CreateSubscriptionNode(ctx, sub); err != nil {
		return nil, fmt.Errorf("persist subscription: %w", err)
	}

	m.mu.Lock()
	m.subscriptions[sub.ID] = sub
	m.mu.Unlock()

	m.logger.Info("subscription registered", "id", sub.ID, "name", sub.Name)
	return sub.clone(), nil
}

// Unregister removes a subscription
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subscriptions[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := m.repo.DeleteSubscriptionNode(ctx, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	delete(m.subscriptions, id)
	m.notifier.UnregisterWSClient(id)

	m.logger.Info("subscription unregistered", "id", id)
	return nil
}

// Update modifies an existing subscription
func (m *Manager) Update(ctx context.Context, id string, req *UpdateSubscriptionRequest) (*Subscription, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if req.Pattern != nil {
		if err := m.matcher.Validate(*req.Pattern); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.subscriptions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sub := cur.clone()
	if req.Name != nil {
		sub.Name = *req.Name
	}
	if req.Description != nil {
		sub.Description = *req.Description
	}
	if req.Pattern != nil {
		sub.Pattern = *req.Pattern
	}
	if req.Webhook != nil {
		sub.Webhook = *req.Webhook
	}
	if req.WebSocket != nil {
		sub.WebSocket = *req.WebSocket
	}
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}
	if sub.Webhook == "" && !sub.WebSocket {
		return nil, fmt.Errorf("%w: webhook URL or websocket required", ErrInvalid)
	}
	sub.Modified = time.Now().UTC()

	if err := m.repo.UpdateSubscriptionNode(ctx, sub); err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	m.subscriptions[id] = sub
	return sub.clone(), nil
}

// Get returns a subscription by ID
func (m *Manager) Get(id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, exists := m.subscriptions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sub.clone(), nil
}

// List returns all subscriptions ordered by creation time
func (m *Manager) List() []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		result = append(result, sub.clone())
	}
	slices.SortFunc(result, func(a, b *Subscription) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result
}

// RegisterWSClient registers a WebSocket connection for a subscription
func (m *Manager) RegisterWSClient(subID string, conn WSConn) error {
	m.mu.RLock()
	_, exists := m.subscriptions[subID]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, subID)
	}
	m.notifier.RegisterWSClient(subID, conn)
	return nil
}

// UnregisterWSClient removes a WebSocket connection
func (m *Manager) UnregisterWSClient(subID string) {
	m.notifier.UnregisterWSClient(subID)
}

// processEvents is the main event processing loop
func (m *Manager) processEvents() {
	defer m.wg.Done()

	for ev := range m.eventChan {
		m.handleEvent(ev)
	}
}

// handleEvent processes a single event against all enabled subscriptions
func (m *Manager) handleEvent(ev events.RepoEvent) {
	m.mu.RLock()
	subs := make([]*Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		if sub.Enabled {
			subs = append(subs, sub.clone())
		}
	}
	m.mu.RUnlock()

	var g errgroup.Group
	if m.concurrency > 0 {
		g.SetLimit(m.concurrency)
	}
	for _, sub := range subs {
		g.Go(func() error {
			m.evaluateSubscription(ev, sub)
			return nil
		})
	}
	_ = g.Wait()
}

// evaluateSubscription checks if an event matches a subscription and fires notification
func (m *Manager) evaluateSubscription(ev events.RepoEvent, sub *Subscription) {
	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	matched, selected, err := m.matcher.Match(ctx, ev, sub.Pattern)
	cancel()
	if err != nil {
		m.logger.Warn("subscription pattern failed", "subscription", sub.ID, "event", ev.ID, "error", err)
		return
	}
	if !matched {
		return
	}

	now := time.Now().UTC()
	notification := Notification{
		SubscriptionID:   sub.ID,
		SubscriptionName: sub.Name,
		Event:            ev,
		MatchedAt:        now,
		Selected:         selected,
	}

	m.mu.Lock()
	if s, exists := m.subscriptions[sub.ID]; exists {
		s.LastFired = &now
		s.FireCount++
	}
	m.mu.Unlock()

	if sub.Webhook != "" {
		ctx, cancel := context.WithTimeout(m.ctx, m.delivery)
		_ = m.notifier.SendWebhook(ctx, sub.Webhook, notification)
		cancel()
	}
	if sub.WebSocket {
		_ = m.notifier.SendWebSocket(sub.ID, notification)
	}
	m.logger.Debug("subscription fired", "subscription", sub.ID, "event", ev.Type)
}

// loadSubscriptions loads all subscriptions from storage into memory
func (m *Manager) loadSubscriptions(ctx context.Context) error {
	subs, err := m.repo.LoadSubscriptions(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range subs {
		m.subscriptions[sub.ID] = sub
	}
	return nil
}

func (s *Subscription) clone() *Subscription {
	c := *s
	if s.LastFired != nil {
		t := *s.LastFired
		c.LastFired = &t
	}
	return &c
}
