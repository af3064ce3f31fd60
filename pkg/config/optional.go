package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Optional holds a setting whose zero value is meaningful, so "unset" has to
// be told apart from an explicit zero. It decodes from YAML, TOML and
// environment variables.
type Optional[T any] struct {
	value T
	set   bool
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// Get returns the value and whether it was set.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.set
}

// IsSet reports whether a value was configured.
func (o Optional[T]) IsSet() bool {
	return o.set
}

// Or returns the configured value, or def when unset.
func (o Optional[T]) Or(def T) T {
	if o.set {
		return o.value
	}
	return def
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *Optional[T]) UnmarshalYAML(node *yaml.Node) error {
	var v T
	if err := node.Decode(&v); err != nil {
		return err
	}
	o.value, o.set = v, true
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler for environment values.
// The text is read as a YAML scalar, so "0", "80.5" and "false" all work.
func (o *Optional[T]) UnmarshalText(text []byte) error {
	var v T
	if err := yaml.Unmarshal(text, &v); err != nil {
		return fmt.Errorf("invalid value %q: %w", text, err)
	}
	o.value, o.set = v, true
	return nil
}

// UnmarshalTOML implements toml.Unmarshaler.
func (o *Optional[T]) UnmarshalTOML(data any) error {
	return o.UnmarshalText([]byte(fmt.Sprint(data)))
}
