package rabbit

import (
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Aleph-Alpha/amqpplus/v1/topology"
)

// replayTopology declares every exchange, then every queue, then every
// binding key on ch, in declaration order. Declarations are idempotent on the
// broker; a declaration that conflicts with an existing object is reported
// as a ConflictingDeclaration *topology.ConfigError, anything else as a
// *ChannelSetupError.
func replayTopology(ch Channel, topo *topology.Topology) error {
	for _, ex := range topo.Exchanges() {
		err := ch.ExchangeDeclare(
			ex.Name,
			string(ex.Kind),
			ex.Durable,
			ex.AutoDelete,
			ex.Internal,
			false, // noWait
			amqp.Table(ex.Arguments),
		)
		if err != nil {
			return replayError("exchange", ex.Name, err)
		}
	}

	for _, q := range topo.Queues() {
		_, err := ch.QueueDeclare(
			q.Name,
			q.Durable,
			q.AutoDelete,
			q.Exclusive,
			false, // noWait
			amqp.Table(q.Arguments),
		)
		if err != nil {
			return replayError("queue", q.Name, err)
		}
	}

	for _, b := range topo.Bindings() {
		for _, key := range b.BindKeys() {
			if err := ch.QueueBind(b.Queue, key, b.Exchange, false, nil); err != nil {
				return replayError("binding", b.Exchange+"->"+b.Queue+":"+key, err)
			}
		}
	}

	return nil
}

func replayError(step, name string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		ce := topology.NewConfigError(topology.ConflictingDeclaration, step+":"+name,
			"declaration conflicts with the existing %s", step)
		ce.Err = err
		return ce
	}
	return &ChannelSetupError{Step: step, Name: name, Err: err}
}
