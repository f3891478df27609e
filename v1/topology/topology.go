package topology

// Exchange is a validated exchange with defaults applied.
type Exchange struct {
	Name       string
	Kind       ExchangeKind
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  map[string]interface{}
}

// Queue is a validated queue with defaults applied.
type Queue struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  map[string]interface{}
}

// Binding is a validated binding. Keys is empty only for fanout exchanges
// declared without keys.
type Binding struct {
	Exchange string
	Queue    string
	Keys     []string
}

// BindKeys returns the keys to bind with. A fanout binding without keys binds
// once with the empty key.
func (b Binding) BindKeys() []string {
	if len(b.Keys) == 0 {
		return []string{""}
	}
	return append([]string(nil), b.Keys...)
}

// Topology is the validated, immutable set of declarations. Order of
// exchanges, queues and bindings is the declaration order.
type Topology struct {
	exchanges []Exchange
	queues    []Queue
	bindings  []Binding

	exchangeIndex map[string]int
	queueIndex    map[string]int
}

// Exchanges returns the exchanges in declaration order.
func (t *Topology) Exchanges() []Exchange {
	return append([]Exchange(nil), t.exchanges...)
}

// Queues returns the queues in declaration order.
func (t *Topology) Queues() []Queue {
	return append([]Queue(nil), t.queues...)
}

// Bindings returns the bindings in declaration order.
func (t *Topology) Bindings() []Binding {
	out := make([]Binding, len(t.bindings))
	for i, b := range t.bindings {
		out[i] = Binding{Exchange: b.Exchange, Queue: b.Queue, Keys: append([]string(nil), b.Keys...)}
	}
	return out
}

func (t *Topology) Exchange(name string) (Exchange, bool) {
	i, ok := t.exchangeIndex[name]
	if !ok {
		return Exchange{}, false
	}
	return t.exchanges[i], true
}

func (t *Topology) Queue(name string) (Queue, bool) {
	i, ok := t.queueIndex[name]
	if !ok {
		return Queue{}, false
	}
	return t.queues[i], true
}

func (t *Topology) HasExchange(name string) bool {
	_, ok := t.exchangeIndex[name]
	return ok
}

func (t *Topology) HasQueue(name string) bool {
	_, ok := t.queueIndex[name]
	return ok
}
