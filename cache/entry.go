package cache

import (
	"net/http"
	"time"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

// storedEntry is the persisted form of a cached response. Body may be compressed.
type storedEntry struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	Encoding string      `json:"encoding"`
	StoredAt time.Time   `json:"stored_at"`
}

func checkPut(gen types.Generation, key string, entry *types.CachedResponse) error {
	if gen.IsZero() {
		return types.Errorf(types.ErrGenerationNameInvalid, "empty generation")
	}

	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	if entry == nil || entry.Status < 200 || entry.Status > 299 {
		status := 0
		if entry != nil {
			status = entry.Status
		}
		return types.Errorf(types.ErrResponseNotCacheable, "status %d", status)
	}

	return nil
}

func encodeEntry(codec *utils.Codec, key string, entry *types.CachedResponse) (*storedEntry, error) {
	body, encoding, err := codec.Encode(entry.Body)
	if err != nil {
		return nil, types.Errorf(types.ErrStorageFailure, "encode body: %v", err)
	}

	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	return &storedEntry{
		Key:      key,
		Status:   entry.Status,
		Header:   entry.Header,
		Body:     body,
		Encoding: encoding,
		StoredAt: storedAt,
	}, nil
}

func (s *storedEntry) decode(codec *utils.Codec) (*types.CachedResponse, error) {
	body, err := codec.Decode(s.Body, s.Encoding)
	if err != nil {
		return nil, types.Errorf(types.ErrStorageFailure, "decode body: %v", err)
	}

	header := s.Header
	if header == nil {
		header = make(http.Header)
	}

	return &types.CachedResponse{
		Key:      s.Key,
		Status:   s.Status,
		Header:   header,
		Body:     body,
		StoredAt: s.StoredAt,
	}, nil
}
