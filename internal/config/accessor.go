package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Dot paths address config values by their JSON names, e.g.
// "router.windowSize". Only paths that exist in the rendered config are
// addressable, so a typo is an error instead of a silently ignored key.

func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// walk returns the object holding the last path segment.
func walk(root map[string]any, path string) (map[string]any, string, error) {
	parts := strings.Split(path, ".")
	node := root
	for i, key := range parts[:len(parts)-1] {
		next, ok := node[key].(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("unknown config section: %s", strings.Join(parts[:i+1], "."))
		}
		node = next
	}
	return node, parts[len(parts)-1], nil
}

// GetByPath returns the value at a dot path.
func GetByPath(cfg *Config, path string) (any, error) {
	root, err := tree(cfg)
	if err != nil {
		return nil, err
	}
	node, key, err := walk(root, path)
	if err != nil {
		return nil, err
	}
	val, ok := node[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", path)
	}
	return val, nil
}

// SetByPath parses raw according to the type of the current value and
// stores it.
func SetByPath(cfg *Config, path, raw string) error {
	root, err := tree(cfg)
	if err != nil {
		return err
	}
	node, key, err := walk(root, path)
	if err != nil {
		return err
	}

	current, exists := node[key]
	if !exists {
		zero, ok := omitted[path]
		if !ok {
			return fmt.Errorf("unknown config key: %s", path)
		}
		current = zero
	}

	switch current.(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s expects true or false, got %q", path, raw)
		}
		node[key] = b
	case float64:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s expects an integer, got %q", path, raw)
		}
		node[key] = n
	case map[string]any:
		return fmt.Errorf("%s is a section, set one of its keys instead", path)
	default:
		node[key] = raw
	}

	data, err := json.Marshal(root)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// omitted holds the zero values of omitempty fields, which are absent from
// the rendered tree while empty.
var omitted = map[string]any{
	"general.logFile":                 "",
	"provider.apiKey":                 "",
	"provider.referer":                "",
	"provider.title":                  "",
	"provider.rateLimitBurst":         float64(0),
	"provider.breakerFailures":        float64(0),
	"provider.breakerCooldownSeconds": float64(0),
	"store.dsn":                       "",
	"router.triggerModel":             "",
	"router.replyModel":               "",
}

// Paths lists every addressable leaf path in sorted order.
func Paths(cfg *Config) []string {
	root, err := tree(cfg)
	if err != nil {
		return nil
	}
	var out []string
	var visit func(prefix string, m map[string]any)
	visit = func(prefix string, m map[string]any) {
		for k, v := range m {
			p := prefix + k
			if sub, ok := v.(map[string]any); ok {
				visit(p+".", sub)
				continue
			}
			out = append(out, p)
		}
	}
	visit("", root)
	sort.Strings(out)
	return out
}

// Sanitize returns a copy of cfg with credentials masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Provider.APIKey = mask(cfg.Provider.APIKey)
	out.Server.WebhookSecret = mask(cfg.Server.WebhookSecret)
	if cfg.Store.DSN != "" {
		out.Store.DSN = "***"
	}
	return &out
}

// mask keeps the first and last four characters of long secrets.
func mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	default:
		return s[:4] + "***" + s[len(s)-4:]
	}
}
