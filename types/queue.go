package types

import (
	"context"
	"net/http"
	"time"
)

type MutationQueue interface {
	LifecycleManager
	Enqueue(ctx context.Context, mutation *Mutation) (string, error)
	Iterate(ctx context.Context, fn func(mutation *Mutation) (bool, error)) error
	List(ctx context.Context) ([]*Mutation, error)
	Remove(ctx context.Context, id string) error
	IncrementAttempts(ctx context.Context, id string) (int, error)
	Len(ctx context.Context) (int, error)
}

type MutationQueueCreator func(config interface{}) (MutationQueue, error)

// Mutation is a request captured while offline. Seq defines replay order.
type Mutation struct {
	ID        string      `json:"id"`
	Seq       int64       `json:"seq"`
	Endpoint  string      `json:"endpoint"`
	Method    string      `json:"method"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	Attempts  int         `json:"attempts"`
}

func NewMutation(req *Request) *Mutation {
	m := &Mutation{
		Endpoint:  req.URL,
		Method:    req.Method,
		Header:    req.Header.Clone(),
		CreatedAt: time.Now().UTC(),
	}

	if req.Body != nil {
		m.Body = make([]byte, len(req.Body))
		copy(m.Body, req.Body)
	}

	return m
}

func (m *Mutation) Request() *Request {
	return &Request{
		Method: m.Method,
		URL:    m.Endpoint,
		Header: m.Header.Clone(),
		Body:   m.Body,
	}
}

func (m *Mutation) Clone() *Mutation {
	if m == nil {
		return nil
	}

	clone := *m
	clone.Header = m.Header.Clone()
	if m.Body != nil {
		clone.Body = make([]byte, len(m.Body))
		copy(clone.Body, m.Body)
	}

	return &clone
}
