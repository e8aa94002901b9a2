package types

import "context"

// Transport performs a single network round trip. Any transport-level failure,
// timeout included, is reported as ErrNetworkUnavailable.
type Transport interface {
	LifecycleManager
	Fetch(ctx context.Context, req *Request) (*Response, error)
}
