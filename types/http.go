package types

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	ModeNavigate = "navigate"
	ModeCORS     = "cors"
	ModeNoCORS   = "no-cors"
	ModeSameOrig = "same-origin"
)

const (
	DestinationDocument = "document"
	DestinationStyle    = "style"
	DestinationScript   = "script"
	DestinationImage    = "image"
	DestinationFont     = "font"
	DestinationEmpty    = ""
)

const (
	SourceNetwork = "network"
	SourceCache   = "cache"
	SourceOffline = "offline"
	SourceQueued  = "queued"
)

// Request is the outbound request envelope seen by the interceptor.
type Request struct {
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	Header      http.Header `json:"header,omitempty"`
	Body        []byte      `json:"body,omitempty"`
	Mode        string      `json:"mode,omitempty"`
	Destination string      `json:"destination,omitempty"`
}

func (r *Request) IsGet() bool {
	return strings.EqualFold(r.Method, http.MethodGet) || r.Method == ""
}

func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

func (r *Request) Path() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

func (r *Request) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// WithURL returns a shallow copy of r addressed to rawURL as a plain GET.
func (r *Request) WithURL(rawURL string) *Request {
	return &Request{
		Method:      http.MethodGet,
		URL:         rawURL,
		Header:      r.Header,
		Mode:        r.Mode,
		Destination: r.Destination,
	}
}

// Response is the response envelope. Status, Header and Body are passed through untouched.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
	Source string      `json:"-"`
}

func (r *Response) IsOK() bool {
	return r != nil && r.Status == http.StatusOK
}

func (r *Response) IsSuccess() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}

	clone := &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Source: r.Source,
	}

	if r.Body != nil {
		clone.Body = make([]byte, len(r.Body))
		copy(clone.Body, r.Body)
	}

	return clone
}
