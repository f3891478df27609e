// Package topology describes and validates the broker topology an amqpplus
// client maintains: exchanges, queues and the bindings between them.
//
// Declarations are the raw configuration shape, usually decoded from YAML:
//
//	exchanges:
//	  - name: ex-1
//	    type: direct
//	  - name: ex-2
//	    type: fanout
//	    durable: false
//	    auto_delete: true
//	queues:
//	  - name: q-1
//	  - name: q-2
//	    arguments:
//	      x-dead-letter-exchange: ex-dlx
//	bindings:
//	  - exchange: ex-1
//	    queue: q-1
//	    keys: [key-1, key-2]
//	  - exchange: ex-2      # fanout, keys may be omitted
//	    queue: q-2
//
// Validate turns Declarations into an immutable *Topology or returns the first
// violation as a *ConfigError. Rules are applied in a fixed order, each rule
// over every declaration before the next rule starts:
//
//  1. exchanges have a name and a known type, names are unique
//  2. queues have a name, names are unique
//  3. bindings reference declared exchanges and queues
//  4. a keys list, when given, is not empty
//  5. bindings to non-fanout exchanges carry at least one non-empty key
//
// Durable, AutoDelete and Exclusive are tri-state. An absent value takes the
// default (durable true, the others false); an explicit false stays false.
//
// A *Topology has no mutation API and is safe for concurrent reads.
package topology
