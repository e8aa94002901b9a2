package config

import (
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-offline/types"
)

// Parser answers dotted-path queries ("transport.circuit_breaker.enabled") over the decoded
// YAML tree of the effective configuration.
type Parser struct {
	root map[string]interface{}
}

func NewParser(root map[string]interface{}) *Parser {
	if root == nil {
		root = map[string]interface{}{}
	}
	return &Parser{root: root}
}

func (p *Parser) GetValue(path string, defaultValue interface{}) interface{} {
	if value, ok := p.lookup(path); ok {
		return value
	}
	return defaultValue
}

// GetAs decodes the subtree at path into target using its yaml tags.
func (p *Parser) GetAs(path string, target interface{}) error {
	value, ok := p.lookup(path)
	if !ok {
		return types.Errorf(types.ErrConfigNotFound, "path: %s", path)
	}

	var node yaml.Node
	if err := node.Encode(value); err != nil {
		return types.WrapError(err, "failed to encode config value")
	}
	if err := node.Decode(target); err != nil {
		return types.Errorf(types.ErrConfigParseFailed, "%s: %v", path, err)
	}
	return nil
}

func (p *Parser) GetAllPaths() ([]string, error) {
	var paths []string
	walk("", p.root, func(path string) { paths = append(paths, path) })
	sort.Strings(paths)
	return paths, nil
}

func (p *Parser) lookup(path string) (interface{}, bool) {
	var current interface{} = p.root
	if path == "" {
		return current, true
	}

	for _, key := range strings.Split(path, ".") {
		child, ok := children(current)[key]
		if !ok || child == nil {
			return nil, false
		}
		current = child
	}
	return current, true
}

func walk(prefix string, value interface{}, leaf func(string)) {
	nested := children(value)
	if nested == nil {
		if prefix != "" {
			leaf(prefix)
		}
		return
	}

	for key, child := range nested {
		if prefix != "" {
			key = prefix + "." + key
		}
		walk(key, child, leaf)
	}
}

// children returns the string-keyed entries of a YAML mapping, or nil for any other value.
func children(value interface{}) map[string]interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return v
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, child := range v {
			if s, ok := key.(string); ok {
				out[s] = child
			}
		}
		return out
	}
	return nil
}
