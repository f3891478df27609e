package topology

import (
	"fmt"
	"strings"
)

// Validate checks d and returns the resulting Topology, or the first
// violation as a *ConfigError. It has no side effects.
func Validate(d Declarations) (*Topology, error) {
	t := &Topology{
		exchangeIndex: make(map[string]int, len(d.Exchanges)),
		queueIndex:    make(map[string]int, len(d.Queues)),
	}

	for i, decl := range d.Exchanges {
		if decl.Name == "" {
			return nil, NewConfigError(InvalidExchange, fmt.Sprintf("exchange[%d]", i), "name is required")
		}
		kind := ExchangeKind(strings.ToLower(string(decl.Type)))
		if !kind.valid() {
			return nil, NewConfigError(InvalidExchange, decl.Name, "unknown exchange type %q", decl.Type)
		}
		if _, dup := t.exchangeIndex[decl.Name]; dup {
			return nil, NewConfigError(DuplicateExchange, decl.Name, "exchange declared more than once")
		}
		t.exchangeIndex[decl.Name] = len(t.exchanges)
		t.exchanges = append(t.exchanges, Exchange{
			Name:       decl.Name,
			Kind:       kind,
			Durable:    boolOr(decl.Durable, true),
			AutoDelete: boolOr(decl.AutoDelete, false),
			Internal:   decl.Internal,
			Arguments:  decl.Arguments,
		})
	}

	for i, decl := range d.Queues {
		if decl.Name == "" {
			return nil, NewConfigError(InvalidQueue, fmt.Sprintf("queue[%d]", i), "name is required")
		}
		if _, dup := t.queueIndex[decl.Name]; dup {
			return nil, NewConfigError(DuplicateQueue, decl.Name, "queue declared more than once")
		}
		t.queueIndex[decl.Name] = len(t.queues)
		t.queues = append(t.queues, Queue{
			Name:       decl.Name,
			Durable:    boolOr(decl.Durable, true),
			AutoDelete: boolOr(decl.AutoDelete, false),
			Exclusive:  boolOr(decl.Exclusive, false),
			Arguments:  decl.Arguments,
		})
	}

	for i, b := range d.Bindings {
		subject := bindingSubject(i, b)
		if !t.HasExchange(b.Exchange) {
			return nil, NewConfigError(UnknownExchange, subject, "exchange %q is not declared", b.Exchange)
		}
		if !t.HasQueue(b.Queue) {
			return nil, NewConfigError(UnknownQueue, subject, "queue %q is not declared", b.Queue)
		}
	}

	for i, b := range d.Bindings {
		if b.Keys != nil && len(b.Keys) == 0 {
			return nil, NewConfigError(EmptyBindingKeys, bindingSubject(i, b), "keys list is empty")
		}
	}

	for i, b := range d.Bindings {
		ex, _ := t.Exchange(b.Exchange)
		if ex.Kind != Fanout && !hasNonEmpty(b.Keys) {
			return nil, NewConfigError(MissingBindingKeys, bindingSubject(i, b),
				"%s exchange %q needs at least one routing key", ex.Kind, ex.Name)
		}
		t.bindings = append(t.bindings, Binding{
			Exchange: b.Exchange,
			Queue:    b.Queue,
			Keys:     append([]string(nil), b.Keys...),
		})
	}

	return t, nil
}

func bindingSubject(i int, b BindingDecl) string {
	return fmt.Sprintf("binding[%d] %s->%s", i, b.Exchange, b.Queue)
}

func hasNonEmpty(keys []string) bool {
	for _, k := range keys {
		if k != "" {
			return true
		}
	}
	return false
}
