package rabbit

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// superviseChannel keeps one Ready channel on conn. It returns the reason the
// connection went away, or nil when the client was closed.
func (rb *RabbitClient) superviseChannel(conn Connection) error {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	bo := rb.newBackOff()

	for {
		// A conflicting declaration parks the connection until it is lost.
		if rb.fatalErr() != nil {
			return rb.awaitClose(connClosed)
		}

		start := time.Now()
		s, err := rb.openSession(conn)
		if err == nil {
			err = rb.markReady(s)
		}
		rb.observeOperation("channel_setup", errorContext(err), "", time.Since(start), err, 0)

		if err != nil {
			if rb.ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			rb.setupFailed(err)
			if channelOpened(err) {
				rb.emit(EventChannelClose{Err: err})
			}

			if conn.IsClosed() {
				return rb.awaitClose(connClosed)
			}
			if IsPermanentError(err) {
				continue
			}
			select {
			case e := <-connClosed:
				return lostError(e)
			case <-rb.ctx.Done():
				return nil
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		bo.Reset()
		rb.flush(s)

		select {
		case e := <-s.closeCh:
			rb.teardown(s, lostChannel(e))
			if conn.IsClosed() {
				return rb.awaitClose(connClosed)
			}
		case e := <-connClosed:
			lost := lostError(e)
			rb.teardown(s, lost)
			return lost
		case <-rb.ctx.Done():
			return nil
		}
	}
}

// openSession opens a confirm channel on conn and replays the topology on it.
func (rb *RabbitClient) openSession(conn Connection) (*session, error) {
	rb.setChanState(ChannelSettingUp)

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelSetupError{Step: "open", Err: err}
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelSetupError{Step: "confirm", Err: err}
	}
	if rb.cfg.Channel.PrefetchCount > 0 {
		if err := ch.Qos(rb.cfg.Channel.PrefetchCount, 0, false); err != nil {
			_ = ch.Close()
			return nil, &ChannelSetupError{Step: "qos", Err: err}
		}
	}

	s := newSession(ch)
	if err := replayTopology(ch, rb.topo); err != nil {
		s.shutdown(ErrChannelClosed)
		return nil, err
	}
	return s, nil
}

// markReady attaches every registered subscription to s and then publishes
// s as the Ready channel. Subscriptions registered while this runs are
// attached too, so none is missing once the state is Ready.
func (rb *RabbitClient) markReady(s *session) error {
	var attached []*Subscription
	for {
		rb.mu.Lock()
		if rb.closed {
			rb.mu.Unlock()
			s.shutdown(ErrClosed)
			return ErrClosed
		}
		late := make([]*Subscription, 0)
		attached = attached[:0]
		for _, sub := range rb.subs {
			if sub.sessionIs(s) {
				attached = append(attached, sub)
			} else if !sub.isCancelled() {
				late = append(late, sub)
			}
		}
		if len(late) == 0 {
			rb.session = s
			rb.chanState = ChannelReady
			rb.flushing = true
			rb.notifyChange()
			rb.mu.Unlock()
			break
		}
		rb.mu.Unlock()

		for _, sub := range late {
			if err := sub.attach(s); err != nil {
				s.shutdown(ErrChannelClosed)
				return err
			}
		}
	}

	for _, sub := range attached {
		sub.markAttached()
	}

	rb.logInfo(rb.ctx, "RabbitMQ channel ready", map[string]interface{}{
		"exchanges":     len(rb.topo.Exchanges()),
		"queues":        len(rb.topo.Queues()),
		"bindings":      len(rb.topo.Bindings()),
		"subscriptions": len(attached),
	})
	rb.emit(EventChannelConnect{})
	return nil
}

// flush publishes everything queued while the channel was not Ready, in
// submission order. New publishes keep queueing until the queue is empty.
func (rb *RabbitClient) flush(s *session) {
	for {
		rb.mu.Lock()
		if rb.session != s {
			rb.mu.Unlock()
			return
		}
		batch := rb.pending
		rb.pending = nil
		if len(batch) == 0 {
			rb.flushing = false
			rb.notifyChange()
			rb.mu.Unlock()
			return
		}
		rb.mu.Unlock()

		for i, conf := range batch {
			if !s.publish(rb.ctx, conf) {
				// The channel died mid-flush; the rest waits for the next one.
				rb.requeue(s, batch[i:])
				return
			}
		}
	}
}

// requeue handles publishes that dead could no longer send. They go to a
// newer Ready channel if there is one, otherwise back to the front of the
// pending queue, ahead of anything queued since. The pending limit does not
// apply: these were accepted already.
func (rb *RabbitClient) requeue(dead *session, confs []*Confirmation) {
	var err error

	rb.mu.Lock()
	switch {
	case rb.closed:
		err = ErrClosed
	case rb.fatal != nil:
		err = rb.fatal
	case rb.chanState == ChannelReady && !rb.flushing && rb.session != nil && rb.session != dead:
		s := rb.session
		rb.mu.Unlock()
		for i, conf := range confs {
			if !s.publish(rb.ctx, conf) {
				rb.requeue(s, confs[i:])
				return
			}
		}
		return
	default:
		pending := make([]*Confirmation, 0, len(confs)+len(rb.pending))
		pending = append(pending, confs...)
		rb.pending = append(pending, rb.pending...)
	}
	rb.mu.Unlock()

	if err != nil {
		for _, conf := range confs {
			conf.settle(err)
		}
	}
}

// teardown retires a Ready channel: in-flight publishes are rejected and
// channel:close is emitted.
func (rb *RabbitClient) teardown(s *session, cause error) {
	rb.mu.Lock()
	current := rb.session == s
	if current {
		rb.session = nil
		rb.flushing = false
	}
	if !rb.closed {
		rb.chanState = ChannelClosed
		rb.notifyChange()
	}
	rb.mu.Unlock()

	s.shutdown(ErrChannelClosed)

	if current {
		rb.logWarn(rb.ctx, "RabbitMQ channel closed", map[string]interface{}{
			"error": fmt.Sprint(cause),
		})
		rb.emit(EventChannelClose{Err: cause})
	}
}

// setupFailed records a failed setup attempt. A permanent error, such as a
// conflicting declaration, is fatal: queued publishes fail with it and no
// further attempts are made.
func (rb *RabbitClient) setupFailed(err error) {
	var pending []*Confirmation

	rb.mu.Lock()
	if !rb.closed {
		rb.chanState = ChannelErroring
		if IsPermanentError(err) {
			rb.fatal = err
			pending = rb.pending
			rb.pending = nil
		}
		rb.notifyChange()
	}
	rb.mu.Unlock()

	for _, conf := range pending {
		conf.settle(err)
	}

	rb.logError(rb.ctx, "RabbitMQ channel setup failed", map[string]interface{}{
		"step":     errorContext(err),
		"category": GetErrorCategory(err).String(),
		"error":    err.Error(),
	})
	rb.emit(EventChannelError{Err: err, Name: errorContext(err)})
}

func (rb *RabbitClient) fatalErr() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.fatal
}

func (rb *RabbitClient) awaitClose(connClosed <-chan *amqp.Error) error {
	select {
	case e := <-connClosed:
		return lostError(e)
	case <-rb.ctx.Done():
		return nil
	}
}

// channelOpened reports whether the failed setup attempt behind err had a
// channel to tear down.
func channelOpened(err error) bool {
	var se *ChannelSetupError
	return !errors.As(err, &se) || se.Step != "open"
}

func lostChannel(e *amqp.Error) error {
	if e == nil {
		return ErrChannelClosed
	}
	return fmt.Errorf("%w: %w", ErrChannelClosed, e)
}
