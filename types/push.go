package types

import (
	"context"
	"encoding/base64"
	"strings"
)

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// PushNotification is the notification shown for an incoming push message. URL is the page a
// click on it opens.
type PushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	Badge string `json:"badge"`
	URL   string `json:"url"`
}

// PushService is the platform push service the worker subscribes through.
type PushService interface {
	Subscribe(ctx context.Context, applicationServerKey []byte) (*PushSubscription, error)
	GetSubscription(ctx context.Context) (*PushSubscription, error)
	Unsubscribe(ctx context.Context) (bool, error)
}

type PermissionRequester interface {
	RequestPermission(ctx context.Context) (Permission, error)
}

// SubscriptionRegistrar mirrors subscriptions to the server collaborator.
type SubscriptionRegistrar interface {
	Register(ctx context.Context, sub *PushSubscription) error
	Unregister(ctx context.Context, sub *PushSubscription) error
}

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type PushSubscription struct {
	Endpoint       string   `json:"endpoint"`
	ExpirationTime *int64   `json:"expirationTime"`
	Keys           PushKeys `json:"keys"`
}

func (s *PushSubscription) Validate() error {
	if s == nil || s.Endpoint == "" {
		return Errorf(ErrInvalidSubscription, "endpoint is required")
	}

	if s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return Errorf(ErrInvalidSubscription, "keys are required")
	}

	return nil
}

func (s *PushSubscription) P256dhBytes() ([]byte, error) {
	return DecodeBase64URL(s.Keys.P256dh)
}

func (s *PushSubscription) AuthBytes() ([]byte, error) {
	return DecodeBase64URL(s.Keys.Auth)
}

// DecodeBase64URL accepts padded and unpadded, url-safe and standard alphabets.
func DecodeBase64URL(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	value = strings.TrimRight(value, "=")
	value = strings.NewReplacer("+", "-", "/", "_").Replace(value)

	return base64.RawURLEncoding.DecodeString(value)
}
