package types

import (
	"time"
)

const (
	ActionSkipWaiting      = "SKIP_WAITING"
	ActionControllerChange = "controllerchange"
	ActionUpdateAvailable  = "update.available"
	ActionMutationQueued   = "mutation.queued"
	ActionMutationStalled  = "mutation.stalled"
	ActionSyncCompleted    = "sync.completed"
	ActionClientConnected  = "client.connected"
	ActionClientClosed     = "client.closed"

	ActionPushReceived      = "push.received"
	ActionNotificationClick = "notification.click"
	ActionClientNavigated   = "client.navigated"
	ActionWindowFocus       = "window.focus"
	ActionWindowOpen        = "window.open"
)

type ActionBroker interface {
	LifecycleManager
	Publish(action string, payload interface{}) error
	Subscribe(action string, handler ActionHandler) error
	Unsubscribe(action string) error
}

type ActionHandler func(message *ActionMessage) error

type ActionMessage struct {
	Action    string            `json:"type"`
	Payload   interface{}       `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
}

// ClientRegistry tracks open application instances and which version controls them.
type ClientRegistry interface {
	Count() int
	CountControlledByOthers(version string) int
	Claim(version string) int
}
