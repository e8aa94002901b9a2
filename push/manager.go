package push

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type State int32

const (
	StateUnsubscribed State = iota
	StateDenied
	StatePermissionGranted
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDenied:
		return "denied"
	case StatePermissionGranted:
		return "permission_granted"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

// Outcome reports how a subscription operation ended. Operations never panic or return errors for
// expected conditions; callers branch on the outcome.
type Outcome string

const (
	OutcomeSubscribed       Outcome = "subscribed"
	OutcomeUnsubscribed     Outcome = "unsubscribed"
	OutcomeNotSubscribed    Outcome = "not_subscribed"
	OutcomeNoPublicKey      Outcome = "no_public_key"
	OutcomeUnsupported      Outcome = "unsupported"
	OutcomePermissionDenied Outcome = "permission_denied"
	OutcomeFailed           Outcome = "failed"
	OutcomeDelivered        Outcome = "delivered"
)

const (
	DefaultNotificationTitle = "New notification"
	DefaultNotificationBody  = "You have a new notification"
	DefaultNotificationIcon  = "/icon-192x192.png"
	DefaultNotificationBadge = "/icon-72x72.png"
	DefaultNotificationURL   = "/"
)

type Manager struct {
	logger      types.Logger
	metrics     types.MetricsManager
	actions     types.ActionBroker
	publicKey   string
	service     types.PushService
	permissions types.PermissionRequester
	registrar   types.SubscriptionRegistrar
	state       atomic.Value
	mu          sync.Mutex
	pending     map[string]*types.PushSubscription
}

// NewManager wires the subscription flow. A nil service means push is unsupported on this host,
// a nil permission requester means permission is implicitly granted.
func NewManager(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, actions types.ActionBroker, service types.PushService, permissions types.PermissionRequester, registrar types.SubscriptionRegistrar) *Manager {
	m := &Manager{
		logger:      logger,
		metrics:     metrics,
		actions:     actions,
		publicKey:   config.GetConfig().Push.PublicKey,
		service:     service,
		permissions: permissions,
		registrar:   registrar,
		pending:     make(map[string]*types.PushSubscription),
	}

	m.state.Store(StateUnsubscribed)
	return m
}

func (m *Manager) State() State {
	return m.state.Load().(State)
}

// Subscribe asks for permission, subscribes with the application server key and registers the
// subscription with the server. A failed registration revokes the local subscription, so the
// server never misses one the push service would deliver to, and yields OutcomeFailed.
func (m *Manager) Subscribe(ctx context.Context) (*types.PushSubscription, Outcome) {
	if m.publicKey == "" {
		return nil, m.record("subscribe", OutcomeNoPublicKey)
	}

	if m.service == nil {
		return nil, m.record("subscribe", OutcomeUnsupported)
	}

	if outcome, ok := m.ensurePermission(ctx); !ok {
		return nil, m.record("subscribe", outcome)
	}

	key, err := DecodeApplicationServerKey(m.publicKey)
	if err != nil {
		m.logger.Error("Invalid application server key", zap.Error(err))
		return nil, m.record("subscribe", OutcomeFailed)
	}

	sub, err := m.service.Subscribe(ctx, key)
	if err != nil {
		if errors.Is(err, types.ErrPermissionDenied) {
			m.state.Store(StateDenied)
			return nil, m.record("subscribe", OutcomePermissionDenied)
		}
		m.logger.Error("Push service subscription failed", zap.Error(err))
		return nil, m.record("subscribe", OutcomeFailed)
	}

	if err := sub.Validate(); err != nil {
		m.logger.Error("Push service returned an unusable subscription", zap.Error(err))
		return nil, m.record("subscribe", OutcomeFailed)
	}

	if err := m.registrar.Register(ctx, sub); err != nil {
		m.logger.Error("Failed to register subscription with server",
			zap.String("endpoint", sub.Endpoint),
			zap.Error(err))
		m.revoke(ctx)
		return nil, m.record("subscribe", OutcomeFailed)
	}

	m.state.Store(StateSubscribed)
	m.logger.Info("Push subscription registered", zap.String("endpoint", sub.Endpoint))

	return sub, m.record("subscribe", OutcomeSubscribed)
}

// Unsubscribe revokes the local subscription first. A server failure is logged and kept as a
// pending unregistration for Reconcile; it does not change the outcome.
func (m *Manager) Unsubscribe(ctx context.Context) (bool, Outcome) {
	if m.service == nil {
		return false, m.record("unsubscribe", OutcomeUnsupported)
	}

	sub, err := m.service.GetSubscription(ctx)
	if err != nil {
		m.logger.Error("Failed to read push subscription", zap.Error(err))
		return false, m.record("unsubscribe", OutcomeFailed)
	}

	if sub == nil {
		m.state.Store(StateUnsubscribed)
		return false, m.record("unsubscribe", OutcomeNotSubscribed)
	}

	revoked, err := m.service.Unsubscribe(ctx)
	if err != nil {
		m.logger.Error("Failed to revoke push subscription", zap.Error(err))
		return false, m.record("unsubscribe", OutcomeFailed)
	}

	m.state.Store(StateUnsubscribed)
	m.unregister(ctx, sub)

	return revoked, m.record("unsubscribe", OutcomeUnsubscribed)
}

// OnSubscriptionInvalidated handles the push service dropping old: the server copy is removed and a
// fresh subscription is created when permission still allows it.
func (m *Manager) OnSubscriptionInvalidated(ctx context.Context, old *types.PushSubscription) (*types.PushSubscription, Outcome) {
	if old != nil && old.Endpoint != "" {
		m.unregister(ctx, old)
	}

	m.state.Store(StateUnsubscribed)
	return m.Subscribe(ctx)
}

// OnPushMessage turns a push payload into the notification to show and publishes it as
// push.received. Missing fields get the defaults; an empty payload shows nothing.
func (m *Manager) OnPushMessage(ctx context.Context, data []byte) (*types.PushNotification, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var notification types.PushNotification
	if err := utils.Unmarshal(data, &notification); err != nil {
		m.record("push", OutcomeFailed)
		return nil, types.WrapError(err, "failed to decode push payload")
	}

	if notification.Title == "" {
		notification.Title = DefaultNotificationTitle
	}
	if notification.Body == "" {
		notification.Body = DefaultNotificationBody
	}
	if notification.Icon == "" {
		notification.Icon = DefaultNotificationIcon
	}
	if notification.Badge == "" {
		notification.Badge = DefaultNotificationBadge
	}
	if notification.URL == "" {
		notification.URL = DefaultNotificationURL
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if m.actions != nil {
		if err := m.actions.Publish(types.ActionPushReceived, &notification); err != nil {
			m.logger.Warn("Failed to publish push notification", zap.Error(err))
		}
	}

	m.logger.Debug("Push message received", zap.String("title", notification.Title), zap.String("url", notification.URL))
	m.record("push", OutcomeDelivered)
	return &notification, nil
}

// Reconcile retries pending server unregistrations and returns how many are still pending.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	m.mu.Lock()
	pending := make([]*types.PushSubscription, 0, len(m.pending))
	for _, sub := range m.pending {
		pending = append(pending, sub)
	}
	m.mu.Unlock()

	var errs []error
	for _, sub := range pending {
		if err := m.registrar.Unregister(ctx, sub); err != nil {
			errs = append(errs, err)
			continue
		}

		m.mu.Lock()
		delete(m.pending, sub.Endpoint)
		m.mu.Unlock()
	}

	return m.Pending(), errors.Join(errs...)
}

func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending)
}

func (m *Manager) ensurePermission(ctx context.Context) (Outcome, bool) {
	if m.permissions == nil {
		m.state.Store(StatePermissionGranted)
		return "", true
	}

	permission, err := m.permissions.RequestPermission(ctx)
	if err != nil {
		m.logger.Error("Permission request failed", zap.Error(err))
		return OutcomeFailed, false
	}

	if permission != types.PermissionGranted {
		m.state.Store(StateDenied)
		return OutcomePermissionDenied, false
	}

	m.state.Store(StatePermissionGranted)
	return "", true
}

func (m *Manager) revoke(ctx context.Context) {
	if _, err := m.service.Unsubscribe(ctx); err != nil {
		m.logger.Warn("Failed to revoke unregistered push subscription", zap.Error(err))
	}
	m.state.Store(StatePermissionGranted)
}

func (m *Manager) unregister(ctx context.Context, sub *types.PushSubscription) {
	if err := m.registrar.Unregister(ctx, sub); err != nil {
		m.logger.Warn("Server unregistration failed, will reconcile later",
			zap.String("endpoint", sub.Endpoint),
			zap.Error(err))

		m.mu.Lock()
		m.pending[sub.Endpoint] = sub
		m.mu.Unlock()
	}
}

func (m *Manager) record(operation string, outcome Outcome) Outcome {
	if m.metrics != nil {
		m.metrics.Counter("push_outcomes_total", map[string]string{
			"operation": operation,
			"outcome":   string(outcome),
		}).Inc()
	}

	return outcome
}
