package push

import (
	"context"
	"net/http"

	"github.com/saiset-co/sai-offline/client"
	"github.com/saiset-co/sai-offline/types"
)

const (
	subscribePath   = "/push/subscribe"
	unsubscribePath = "/push/unsubscribe"
)

// HTTPRegistrar mirrors subscriptions to the server collaborator over JSON POSTs.
type HTTPRegistrar struct {
	client *client.ServiceClient
}

func NewHTTPRegistrar(logger types.Logger, config *types.PushConfig) *HTTPRegistrar {
	headers := make(map[string]string)
	if config.Token != "" {
		headers["Authorization"] = "Bearer " + config.Token
	}

	return &HTTPRegistrar{
		client: client.NewServiceClient(logger, "push", &client.ServiceClientConfig{
			BaseURL: config.ServerURL,
			Timeout: config.Timeout,
			Headers: headers,
		}),
	}
}

func (r *HTTPRegistrar) Register(ctx context.Context, sub *types.PushSubscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	_, status, err := r.client.Call(ctx, http.MethodPost, subscribePath, sub, nil)
	if err != nil {
		if status != 0 {
			return types.Errorf(types.ErrRegistrationRejected, "subscribe answered %d", status)
		}
		return err
	}

	return nil
}

// Unregister posts the full subscription, the same body Register sends, so the server can match
// it by endpoint and keys.
func (r *HTTPRegistrar) Unregister(ctx context.Context, sub *types.PushSubscription) error {
	if sub == nil || sub.Endpoint == "" {
		return types.Errorf(types.ErrInvalidSubscription, "endpoint is required")
	}

	_, status, err := r.client.Call(ctx, http.MethodPost, unsubscribePath, sub, nil)
	if err != nil {
		if status != 0 {
			return types.Errorf(types.ErrRegistrationRejected, "unsubscribe answered %d", status)
		}
		return err
	}

	return nil
}
