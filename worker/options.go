package worker

import (
	"github.com/saiset-co/sai-offline/types"
)

type options struct {
	logger      types.Logger
	transport   types.Transport
	pushService types.PushService
	permissions types.PermissionRequester
	registrar   types.SubscriptionRegistrar
}

type Option func(*options)

// WithLogger replaces the logger built from the logger config section.
func WithLogger(logger types.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTransport replaces the fasthttp network transport.
func WithTransport(transport types.Transport) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// WithPushService enables push subscriptions through service. Without it push is unsupported.
func WithPushService(service types.PushService, permissions types.PermissionRequester) Option {
	return func(o *options) {
		o.pushService = service
		o.permissions = permissions
	}
}

func WithRegistrar(registrar types.SubscriptionRegistrar) Option {
	return func(o *options) {
		o.registrar = registrar
	}
}
