package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

// Transport performs network fetches against the origin with fasthttp. When an
// upstream is configured, the scheme and host of every request are rewritten to it.
type Transport struct {
	logger   types.Logger
	metrics  types.MetricsManager
	client   *fasthttp.Client
	upstream *url.URL
	config   *types.TransportConfig
	breaker  *CircuitBreaker
	state    atomic.Value
}

func NewTransport(config types.ConfigManager, logger types.Logger, metricsManager types.MetricsManager) (*Transport, error) {
	transportConfig := config.GetConfig().Transport
	if transportConfig == nil {
		return nil, types.Errorf(types.ErrConfigIsNil, "transport")
	}

	var upstream *url.URL
	if transportConfig.Upstream != "" {
		parsed, err := url.Parse(transportConfig.Upstream)
		if err != nil || parsed.Host == "" {
			return nil, types.Errorf(types.ErrConfigValidateFailed, "transport upstream %q", transportConfig.Upstream)
		}
		upstream = parsed
	}

	t := &Transport{
		logger:   logger,
		metrics:  metricsManager,
		upstream: upstream,
		config:   transportConfig,
		client: &fasthttp.Client{
			Name:                     "offlined",
			ReadTimeout:              transportConfig.Timeout,
			WriteTimeout:             transportConfig.Timeout,
			MaxConnsPerHost:          transportConfig.MaxConnsPerHost,
			DisablePathNormalizing:   true,
			NoDefaultUserAgentHeader: false,
		},
		breaker: NewCircuitBreaker(transportConfig.CircuitBreaker, logger, transportConfig.Upstream),
	}

	if metricsManager != nil {
		t.breaker.OnStateChange(func(_, to BreakerState) {
			metricsManager.Gauge("transport_breaker_state", nil).Set(float64(to))
		})
	}

	t.state.Store(StateStopped)

	return t, nil
}

func (t *Transport) Start() error {
	if !t.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	t.logger.Info("Transport started", zap.String("upstream", t.config.Upstream))
	return nil
}

func (t *Transport) Stop() error {
	if !t.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}

	t.client.CloseIdleConnections()
	t.logger.Info("Transport stopped gracefully")
	return nil
}

func (t *Transport) IsRunning() bool {
	return t.state.Load().(State) == StateRunning
}

func (t *Transport) Breaker() *CircuitBreaker {
	return t.breaker
}

// Fetch returns any HTTP response the origin produced, including 4xx and 5xx.
// Only a failure to obtain a response is an error, and it matches types.ErrNetworkUnavailable.
func (t *Transport) Fetch(ctx context.Context, request *types.Request) (resp *types.Response, err error) {
	start := time.Now()
	defer func() { metrics.Observe(t.metrics, "transport", "fetch", start, err) }()

	if request == nil {
		return nil, types.ErrRequestInvalid
	}

	target, err := t.targetURL(request.URL)
	if err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.SetRequestURI(target)
	method := request.Method
	if method == "" {
		method = fasthttp.MethodGet
	}
	req.Header.SetMethod(method)
	utils.ApplyRequestHeader(req, request.Header)
	if len(request.Body) > 0 {
		req.SetBody(request.Body)
	}

	if err := t.do(ctx, req, res); err != nil {
		t.logger.Debug("Network fetch failed",
			zap.String("method", method),
			zap.String("url", target),
			zap.Error(err))
		return nil, err
	}

	body := make([]byte, len(res.Body()))
	copy(body, res.Body())

	return &types.Response{
		Status: res.StatusCode(),
		Header: utils.HeaderFromResponse(res),
		Body:   body,
		Source: types.SourceNetwork,
	}, nil
}

func (t *Transport) do(ctx context.Context, req *fasthttp.Request, res *fasthttp.Response) error {
	var lastErr error

	for attempt := 0; attempt <= t.config.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", types.ErrNetworkUnavailable, err)
		}

		if !t.breaker.CanExecute() {
			return fmt.Errorf("%w: %w", types.ErrNetworkUnavailable, types.ErrCircuitBreakerOpen)
		}

		err := t.client.DoTimeout(req, res, t.timeout(ctx))
		statusCode := res.StatusCode()

		if IsCircuitBreakerFailure(statusCode, err) {
			t.breaker.RecordFailure()
		} else {
			t.breaker.RecordSuccess()
		}

		if err == nil {
			return nil
		}

		lastErr = err
		if !IsRetryableError(err) && !errors.Is(err, fasthttp.ErrConnectionClosed) {
			break
		}

		if attempt < t.config.Retries {
			backoff := time.Duration(attempt+1) * 100 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", types.ErrNetworkUnavailable, ctx.Err())
			}
		}
	}

	return fmt.Errorf("%w: %w", types.ErrNetworkUnavailable, lastErr)
}

func (t *Transport) timeout(ctx context.Context) time.Duration {
	timeout := t.config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = max(remaining, time.Millisecond)
		}
	}

	return timeout
}

func (t *Transport) targetURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", types.Errorf(types.ErrRequestInvalid, "url %q: %v", rawURL, err)
	}

	if t.upstream != nil {
		parsed.Scheme = t.upstream.Scheme
		parsed.Host = t.upstream.Host
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", types.Errorf(types.ErrRequestInvalid, "absolute url required: %q", rawURL)
	}

	parsed.Fragment = ""
	return parsed.String(), nil
}
