package types

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	RolePrecache = "precache"
	RoleRuntime  = "runtime"
)

// Generation names a versioned cache namespace, e.g. runtime-v2.
type Generation struct {
	Role    string `json:"role"`
	Version string `json:"version"`
}

func (g Generation) Name() string {
	return g.Role + "-" + g.Version
}

func (g Generation) IsZero() bool {
	return g.Role == "" && g.Version == ""
}

func ParseGeneration(name string) (Generation, error) {
	idx := strings.LastIndex(name, "-")
	if idx <= 0 || idx == len(name)-1 {
		return Generation{}, Errorf(ErrGenerationNameInvalid, "name: %q", name)
	}

	return Generation{Role: name[:idx], Version: name[idx+1:]}, nil
}

type CacheStore interface {
	LifecycleManager
	Open(ctx context.Context, name string) (Generation, error)
	Get(ctx context.Context, gen Generation, key string) (*CachedResponse, bool, error)
	Put(ctx context.Context, gen Generation, key string, entry *CachedResponse) error
	DeleteGeneration(ctx context.Context, name string) (bool, error)
	ListGenerations(ctx context.Context) ([]string, error)
}

type CacheStoreCreator func(config interface{}) (CacheStore, error)

// CachedResponse is an immutable snapshot of a successful response.
type CachedResponse struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

func NewCachedResponse(key string, resp *Response) *CachedResponse {
	clone := resp.Clone()

	return &CachedResponse{
		Key:      key,
		Status:   clone.Status,
		Header:   clone.Header,
		Body:     clone.Body,
		StoredAt: time.Now().UTC(),
	}
}

func (c *CachedResponse) Response() *Response {
	resp := &Response{
		Status: c.Status,
		Header: c.Header.Clone(),
		Source: SourceCache,
	}

	if c.Body != nil {
		resp.Body = make([]byte, len(c.Body))
		copy(resp.Body, c.Body)
	}

	return resp
}

func (c *CachedResponse) Clone() *CachedResponse {
	if c == nil {
		return nil
	}

	clone := *c
	clone.Header = c.Header.Clone()
	if c.Body != nil {
		clone.Body = make([]byte, len(c.Body))
		copy(clone.Body, c.Body)
	}

	return &clone
}
