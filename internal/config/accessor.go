package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// tree is the generic JSON form of a Config that dot paths walk over.
type tree = map[string]any

func toTree(cfg *Config) (tree, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m tree
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "schedule.primary").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toTree(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		node, ok := current.(tree)
		if !ok {
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
		if current, ok = node[key]; !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
	}
	return current, nil
}

// SetByPath sets a leaf value by dot-notation path. Sections must exist,
// except that new entries may be created under providers. The value
// keeps the type of the leaf it replaces, so a numeric-looking chat id stays
// a string.
func SetByPath(cfg *Config, path string, value any) error {
	parts := strings.Split(path, ".")
	if path == "" || len(parts) < 2 {
		return fmt.Errorf("path must name a field inside a section: %q", path)
	}

	m, err := toTree(cfg)
	if err != nil {
		return err
	}

	parent := m
	for i, key := range parts[:len(parts)-1] {
		child, ok := parent[key]
		if !ok {
			if i != 1 || parts[0] != "providers" {
				return fmt.Errorf("key not found: %s", strings.Join(parts[:i+1], "."))
			}
			child = tree{}
			parent[key] = child
		}
		node, ok := child.(tree)
		if !ok {
			return fmt.Errorf("cannot traverse into %T at %s", child, key)
		}
		parent = node
	}

	last := parts[len(parts)-1]
	parent[last] = coerce(value, parent[last])

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	// Empty omitempty fields are absent from the tree, so unknown leaves are
	// caught here instead.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var updated Config
	if err := dec.Decode(&updated); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	*cfg = updated
	return nil
}

// coerce converts a string from the command line to the JSON type of the
// value it replaces. Without an existing value it guesses.
func coerce(v any, existing any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch existing.(type) {
	case string:
		return s
	case bool:
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	case float64:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case nil:
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return s
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}

	for name, prov := range out.Providers {
		if prov.APIKey != "" {
			prov.APIKey = maskString(prov.APIKey)
		}
		out.Providers[name] = prov
	}

	for _, s := range []*string{
		&out.Source.AuthToken,
		&out.Ledger.Sheets.CredentialsJSON,
		&out.Ledger.Postgres.DSN,
		&out.Alert.WebhookURL,
		&out.Alert.Secret,
		&out.Alert.Telegram.Token,
	} {
		if *s != "" {
			*s = maskString(*s)
		}
	}
	return &out
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path with its current value.
func ListPaths(cfg *Config) map[string]any {
	m, err := toTree(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flatten("", m, result)
	return result
}

// SortedPaths returns the keys of a ListPaths result in order.
func SortedPaths(paths map[string]any) []string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flatten(prefix string, m tree, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(tree); ok {
			flatten(path, child, result)
			continue
		}
		result[path] = v
	}
}
