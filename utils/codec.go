package utils

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
)

const (
	EncodingIdentity = "identity"
	EncodingBrotli   = "br"
)

// Codec compresses bodies at rest. Decode always restores the exact input bytes.
type Codec struct {
	compress bool
	level    int
	writers  sync.Pool
}

func NewCodec(compress bool) *Codec {
	c := &Codec{
		compress: compress,
		level:    brotli.DefaultCompression,
	}

	c.writers.New = func() interface{} {
		return brotli.NewWriterLevel(nil, c.level)
	}

	return c
}

func (c *Codec) Encode(body []byte) ([]byte, string, error) {
	if !c.compress || len(body) == 0 {
		return body, EncodingIdentity, nil
	}

	var buf bytes.Buffer
	writer := c.writers.Get().(*brotli.Writer)
	defer c.writers.Put(writer)

	writer.Reset(&buf)
	if _, err := writer.Write(body); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), EncodingBrotli, nil
}

func (c *Codec) Decode(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingIdentity:
		return data, nil
	case EncodingBrotli:
		return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("unknown body encoding %q", encoding)
	}
}
