package topology

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ExchangeKind is the AMQP exchange type.
type ExchangeKind string

const (
	Direct  ExchangeKind = "direct"
	Fanout  ExchangeKind = "fanout"
	Topic   ExchangeKind = "topic"
	Headers ExchangeKind = "headers"
)

func (k ExchangeKind) valid() bool {
	switch k {
	case Direct, Fanout, Topic, Headers:
		return true
	}
	return false
}

// Declarations is the raw, unvalidated topology.
type Declarations struct {
	Exchanges []ExchangeDecl `yaml:"exchanges"`
	Queues    []QueueDecl    `yaml:"queues"`
	Bindings  []BindingDecl  `yaml:"bindings"`
}

type ExchangeDecl struct {
	Name       string                 `yaml:"name"`
	Type       ExchangeKind           `yaml:"type"`
	Durable    *bool                  `yaml:"durable"`
	AutoDelete *bool                  `yaml:"auto_delete"`
	Internal   bool                   `yaml:"internal"`
	Arguments  map[string]interface{} `yaml:"arguments"`
}

type QueueDecl struct {
	Name       string                 `yaml:"name"`
	Durable    *bool                  `yaml:"durable"`
	AutoDelete *bool                  `yaml:"auto_delete"`
	Exclusive  *bool                  `yaml:"exclusive"`
	Arguments  map[string]interface{} `yaml:"arguments"`
}

type BindingDecl struct {
	Exchange string      `yaml:"exchange"`
	Queue    string      `yaml:"queue"`
	Keys     RoutingKeys `yaml:"keys"`
}

// RoutingKeys is a binding's key list. A nil value means the field was not
// given at all; a non-nil empty value means it was given as an empty list.
type RoutingKeys []string

// Keys builds a non-nil RoutingKeys.
func Keys(keys ...string) RoutingKeys {
	if keys == nil {
		return RoutingKeys{}
	}
	return RoutingKeys(keys)
}

// UnmarshalYAML accepts either a single scalar key or a sequence of keys.
func (k *RoutingKeys) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*k = RoutingKeys{value.Value}
		return nil
	case yaml.SequenceNode:
		keys := make([]string, 0, len(value.Content))
		if err := value.Decode(&keys); err != nil {
			return err
		}
		*k = RoutingKeys(keys)
		return nil
	default:
		return fmt.Errorf("line %d: binding keys must be a string or a list of strings", value.Line)
	}
}

// Bool returns a pointer to b, for building declarations in code.
func Bool(b bool) *bool {
	return &b
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
