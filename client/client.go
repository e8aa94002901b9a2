package client

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type ServiceClientConfig struct {
	BaseURL        string
	Timeout        time.Duration
	Retries        int
	Headers        map[string]string
	CircuitBreaker *types.CircuitBreakerConfig
}

// ServiceClient issues JSON calls to a collaborator service rooted at BaseURL.
type ServiceClient struct {
	logger  types.Logger
	name    string
	client  *fasthttp.Client
	config  *ServiceClientConfig
	breaker *CircuitBreaker
}

func NewServiceClient(logger types.Logger, serviceName string, config *ServiceClientConfig) *ServiceClient {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &ServiceClient{
		logger: logger,
		name:   serviceName,
		client: &fasthttp.Client{
			Name:         "offlined",
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
		},
		config:  config,
		breaker: NewCircuitBreaker(config.CircuitBreaker, logger, serviceName),
	}
}

// Call marshals data as JSON and returns the body and status of a 2xx response.
// Non-2xx statuses are returned together with an error wrapping types.ErrClientRequestFailed.
func (c *ServiceClient) Call(ctx context.Context, method, path string, data interface{}, headers http.Header) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(joinURL(c.config.BaseURL, path))
	req.Header.SetMethod(method)

	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}
	utils.ApplyRequestHeader(req, headers)

	if data != nil {
		jsonData, err := utils.Marshal(data)
		if err != nil {
			return nil, 0, types.WrapError(err, "failed to marshal request data")
		}
		req.SetBody(jsonData)
		req.Header.SetContentType("application/json")
	}

	return c.executeWithRetries(ctx, req, resp)
}

func (c *ServiceClient) executeWithRetries(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) ([]byte, int, error) {
	var lastErr error
	var statusCode int

	for attempt := 0; attempt <= c.config.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, types.WrapError(err, "call canceled")
		}

		if !c.breaker.CanExecute() {
			return nil, 0, types.ErrCircuitBreakerOpen
		}

		timeout := c.config.Timeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = min(timeout, max(time.Until(deadline), time.Millisecond))
		}

		err := c.client.DoTimeout(req, resp, timeout)
		statusCode = resp.StatusCode()

		if IsCircuitBreakerFailure(statusCode, err) {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}

		if err == nil && statusCode >= 200 && statusCode < 300 {
			body := make([]byte, len(resp.Body()))
			copy(body, resp.Body())
			return body, statusCode, nil
		}

		if err != nil {
			lastErr = types.Errorf(types.ErrNetworkUnavailable, "%v", err)
			statusCode = 0
		} else {
			lastErr = types.Errorf(types.ErrClientRequestFailed, "HTTP %d", statusCode)
			if statusCode >= 400 && statusCode < 500 && statusCode != 429 && statusCode != 408 {
				break
			}
		}

		if attempt < c.config.Retries {
			backoff := time.Duration(attempt+1) * time.Second

			c.logger.Debug("Retrying request",
				zap.String("service", c.name),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, statusCode, types.WrapError(ctx.Err(), "call canceled during retry")
			}
		}
	}

	return nil, statusCode, lastErr
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
