package utils

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
)

type keyBuilder struct {
	buf []byte
}

var keyBuilderPool = sync.Pool{
	New: func() interface{} { return &keyBuilder{buf: make([]byte, 0, 256)} },
}

// RequestKey builds the canonical cache key: METHOD url[|header:value...].
// Scheme and host are lower-cased, query parameters sorted and the fragment dropped.
func RequestKey(method, rawURL string, header http.Header, vary []string) string {
	if method == "" {
		method = http.MethodGet
	}

	builder := keyBuilderPool.Get().(*keyBuilder)
	defer keyBuilderPool.Put(builder)

	builder.buf = builder.buf[:0]
	builder.buf = append(builder.buf, strings.ToUpper(method)...)
	builder.buf = append(builder.buf, ' ')
	builder.buf = append(builder.buf, NormalizeURL(rawURL)...)

	if len(vary) > 0 && header != nil {
		names := make([]string, 0, len(vary))
		for _, name := range vary {
			names = append(names, http.CanonicalHeaderKey(name))
		}
		sort.Strings(names)

		for _, name := range names {
			value := header.Get(name)
			if value == "" {
				continue
			}
			builder.buf = append(builder.buf, '|')
			builder.buf = append(builder.buf, name...)
			builder.buf = append(builder.buf, ':')
			builder.buf = append(builder.buf, value...)
		}
	}

	return string(builder.buf)
}

func NormalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	if u.Path == "" && u.Host != "" {
		u.Path = "/"
	}

	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}

	return u.String()
}

// ResolveURL resolves ref against base; an empty base leaves ref unchanged.
func ResolveURL(base, ref string) string {
	if base == "" {
		return ref
	}

	refURL, err := url.Parse(ref)
	if err != nil || refURL.IsAbs() {
		return ref
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}

	return baseURL.ResolveReference(refURL).String()
}
