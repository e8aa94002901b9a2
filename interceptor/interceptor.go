package interceptor

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/policy"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const (
	ReasonBypass     = "cross_origin"
	ReasonAPI        = "api"
	ReasonStatic     = "static_asset"
	ReasonNavigation = "navigation"
	ReasonDefault    = "default"
)

var staticDestinations = map[string]bool{
	types.DestinationStyle:  true,
	types.DestinationScript: true,
	types.DestinationImage:  true,
	types.DestinationFont:   true,
}

// Strategies is the policy surface the interceptor dispatches to.
type Strategies interface {
	CacheFirst(ctx context.Context, req *types.Request, fallbackOffline bool) (*types.Response, error)
	NetworkFirst(ctx context.Context, req *types.Request, fallbackOffline bool) (*types.Response, error)
}

// Decision is the outcome of classifying one request.
type Decision struct {
	Strategy        string
	FallbackOffline bool
	Bypass          bool
	Reason          string
}

type Interceptor struct {
	logger          types.Logger
	metrics         types.MetricsManager
	strategies      Strategies
	transport       types.Transport
	apiPrefixes     []string
	sameOriginHosts []string
}

func New(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, strategies Strategies, transport types.Transport) *Interceptor {
	interceptorConfig := config.GetConfig().Interceptor

	hosts := make([]string, 0, len(interceptorConfig.SameOriginHosts))
	for _, host := range interceptorConfig.SameOriginHosts {
		hosts = append(hosts, strings.ToLower(host))
	}

	return &Interceptor{
		logger:          logger,
		metrics:         metrics,
		strategies:      strategies,
		transport:       transport,
		apiPrefixes:     interceptorConfig.APIPrefixes,
		sameOriginHosts: hosts,
	}
}

// Classify applies the routing rules in order: API prefix, static destination, navigation, default.
func (i *Interceptor) Classify(req *types.Request) Decision {
	if len(i.sameOriginHosts) > 0 && !utils.ContainsFold(i.sameOriginHosts, req.Host()) {
		return Decision{Bypass: true, Reason: ReasonBypass}
	}

	if utils.HasAnyPrefix(req.Path(), i.apiPrefixes) {
		return Decision{Strategy: policy.StrategyNetworkFirst, Reason: ReasonAPI}
	}

	if req.IsGet() && staticDestinations[Destination(req)] {
		return Decision{Strategy: policy.StrategyCacheFirst, Reason: ReasonStatic}
	}

	if IsNavigation(req) {
		return Decision{Strategy: policy.StrategyNetworkFirst, FallbackOffline: true, Reason: ReasonNavigation}
	}

	return Decision{Strategy: policy.StrategyNetworkFirst, Reason: ReasonDefault}
}

func (i *Interceptor) Handle(ctx context.Context, req *types.Request) (*types.Response, error) {
	if req == nil || req.URL == "" {
		return nil, types.Errorf(types.ErrRequestInvalid, "url is required")
	}

	decision := i.Classify(req)
	i.record(decision)

	i.logger.Debug("Intercepted request",
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.String("strategy", decision.Strategy),
		zap.String("reason", decision.Reason))

	switch {
	case decision.Bypass:
		return i.transport.Fetch(ctx, req)
	case decision.Strategy == policy.StrategyCacheFirst:
		return i.strategies.CacheFirst(ctx, req, decision.FallbackOffline)
	default:
		return i.strategies.NetworkFirst(ctx, req, decision.FallbackOffline)
	}
}

// Destination returns the request destination, falling back to Sec-Fetch-Dest and then the path extension.
func Destination(req *types.Request) string {
	if req.Destination != "" {
		return req.Destination
	}

	if dest := req.Header.Get("Sec-Fetch-Dest"); dest != "" && dest != "empty" {
		return strings.ToLower(dest)
	}

	return utils.DestinationFromPath(req.Path())
}

func IsNavigation(req *types.Request) bool {
	if req.IsNavigation() {
		return true
	}

	return strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), types.ModeNavigate)
}

func (i *Interceptor) record(decision Decision) {
	if i.metrics == nil {
		return
	}

	i.metrics.Counter("interceptor_requests_total", map[string]string{
		"reason": decision.Reason,
	}).Inc()
}
