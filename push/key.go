package push

import (
	"crypto/ecdh"

	"github.com/saiset-co/sai-offline/types"
)

// DecodeApplicationServerKey turns a base64url VAPID public key, padded or not, into the
// 65-byte uncompressed P-256 point the push service expects.
func DecodeApplicationServerKey(key string) ([]byte, error) {
	if key == "" {
		return nil, types.ErrPushKeyMissing
	}

	raw, err := types.DecodeBase64URL(key)
	if err != nil {
		return nil, types.Errorf(types.ErrPushKeyInvalid, "%v", err)
	}

	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, types.Errorf(types.ErrPushKeyInvalid, "%v", err)
	}

	return raw, nil
}
