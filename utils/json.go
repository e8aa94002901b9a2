package utils

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Marshal and Unmarshal use sonic's encoding/json compatible mode: sorted map keys, HTML
// escaping, and no trailing newline.
func Marshal(data interface{}) ([]byte, error) {
	return sonic.ConfigStd.Marshal(data)
}

func Unmarshal[T any](data []byte, target *T) error {
	return sonic.ConfigStd.Unmarshal(data, target)
}

// UnmarshalConfig decodes a free-form backend section (cache.config, logger.config, ...) into
// target. A value that already has the target type is copied as is.
func UnmarshalConfig[T any](config interface{}, target *T) error {
	switch typed := config.(type) {
	case nil:
		return fmt.Errorf("config is nil")
	case *T:
		*target = *typed
		return nil
	case T:
		*target = typed
		return nil
	}

	data, err := sonic.ConfigStd.Marshal(stringKeys(config))
	if err != nil {
		return err
	}
	return sonic.ConfigStd.Unmarshal(data, target)
}

// stringKeys rewrites YAML's map[interface{}]interface{} nodes so the tree can be JSON encoded.
func stringKeys(value interface{}) interface{} {
	switch v := value.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[fmt.Sprint(key)] = stringKeys(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = stringKeys(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = stringKeys(item)
		}
		return out
	}
	return value
}
