package rabbit

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// session is one confirm channel instance. Delivery tags start at 1 for every
// session and the broker confirms them in publish order, so in-flight
// publishes are kept in a FIFO and resolved from the front.
type session struct {
	ch       Channel
	closeCh  chan *amqp.Error
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	stopped  chan struct{}

	// pubMu serialises tag assignment with the wire write.
	pubMu   sync.Mutex
	nextTag uint64

	mu       sync.Mutex
	inflight []*Confirmation
	// writing is the publish currently on its way to the channel.
	writing *Confirmation
	dead    error
}

func newSession(ch Channel) *session {
	s := &session{
		ch:      ch,
		stopped: make(chan struct{}),
	}
	s.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 128))
	s.returns = ch.NotifyReturn(make(chan amqp.Return))
	s.closeCh = ch.NotifyClose(make(chan *amqp.Error, 1))
	go s.listen()
	return s
}

// publish writes conf's message and registers it for confirmation. Failures
// settle conf; publish itself never blocks on the broker's answer. It reports
// false, leaving conf unsettled, when the channel was gone before the message
// reached the wire, so the caller can queue it for the next channel.
func (s *session) publish(ctx context.Context, conf *Confirmation) bool {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if s.dead != nil {
		s.mu.Unlock()
		return false
	}
	s.nextTag++
	conf.tag = s.nextTag
	// Registered before the write: the confirm can arrive before
	// PublishWithContext returns.
	s.inflight = append(s.inflight, conf)
	s.writing = conf
	s.mu.Unlock()

	msg := conf.msg
	err := s.ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, msg.Options.Mandatory, false, msg.publishing())

	s.mu.Lock()
	s.writing = nil
	if err == nil {
		// failAll leaves the message being written to us.
		dead := s.dead
		owned := dead != nil && s.remove(conf)
		s.mu.Unlock()
		switch {
		case !owned:
		case dead == ErrClosed:
			conf.settle(ErrClosed)
		default:
			conf.settle(conf.rejection("channel closed before confirmation", dead))
		}
		return true
	}
	s.remove(conf)
	s.nextTag--
	s.mu.Unlock()

	if errors.Is(err, amqp.ErrClosed) {
		return false
	}
	conf.settle(conf.rejection("publish failed", TranslateError(err)))
	return true
}

// remove drops conf from the in-flight list. s.mu must be held.
func (s *session) remove(conf *Confirmation) bool {
	for i := len(s.inflight) - 1; i >= 0; i-- {
		if s.inflight[i] == conf {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			return true
		}
	}
	return false
}

// listen resolves confirmations until the channel shuts down, then rejects
// whatever is still in flight.
func (s *session) listen() {
	defer close(s.stopped)

	confirms, returns := s.confirms, s.returns
	for confirms != nil {
		select {
		case r, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			s.markReturned(r)
		case c, ok := <-confirms:
			if !ok {
				confirms = nil
				continue
			}
			s.confirm(c.DeliveryTag, c.Ack)
		}
	}

	s.failAll(ErrChannelClosed)
}

// confirm settles every in-flight publish with a tag up to and including tag.
func (s *session) confirm(tag uint64, ack bool) {
	type result struct {
		conf *Confirmation
		err  error
	}

	s.mu.Lock()
	n := 0
	for n < len(s.inflight) && s.inflight[n].tag <= tag {
		n++
	}
	results := make([]result, n)
	for i, conf := range s.inflight[:n] {
		var err error
		switch {
		case !ack:
			err = conf.rejection("nacked by broker", ErrMessageNacked)
		case conf.returned != nil:
			err = conf.rejection("returned: "+conf.returned.ReplyText, ErrMessageReturned)
		}
		results[i] = result{conf: conf, err: err}
	}
	s.inflight = s.inflight[n:]
	s.mu.Unlock()

	for _, r := range results {
		r.conf.settle(r.err)
	}
}

// markReturned flags the in-flight publish a mandatory return belongs to.
// The broker sends the return before the confirm of the same message.
func (s *session) markReturned(r amqp.Return) {
	if r.MessageId == "" {
		return
	}
	ret := r
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conf := range s.inflight {
		if conf.returned == nil && conf.msg.messageID() == r.MessageId {
			conf.returned = &ret
			return
		}
	}
}

// failAll rejects every in-flight publish and refuses new ones. ErrClosed is
// passed through as is; anything else becomes a *PublishRejectedError.
func (s *session) failAll(cause error) {
	s.mu.Lock()
	if s.dead == nil {
		s.dead = cause
	}
	inflight := s.inflight
	s.inflight = nil
	if s.writing != nil {
		// publish settles the message it is writing itself.
		kept := make([]*Confirmation, 0, len(inflight))
		for _, conf := range inflight {
			if conf == s.writing {
				s.inflight = append(s.inflight, conf)
				continue
			}
			kept = append(kept, conf)
		}
		inflight = kept
	}
	s.mu.Unlock()

	for _, conf := range inflight {
		if cause == ErrClosed {
			conf.settle(ErrClosed)
			continue
		}
		conf.settle(conf.rejection("channel closed before confirmation", cause))
	}
}

// shutdown closes the channel and fails whatever is still in flight once the
// confirmations already received have been applied.
func (s *session) shutdown(cause error) {
	_ = s.ch.Close()
	<-s.stopped
	s.failAll(cause)
}
