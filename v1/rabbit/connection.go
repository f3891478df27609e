package rabbit

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// run is the connection supervisor. It dials the endpoints round-robin until
// one accepts, hands the connection to the channel supervisor and starts
// over when the connection is lost. It exits when the client is closed.
func (rb *RabbitClient) run() {
	defer close(rb.done)

	bo := rb.newBackOff()
	attempt := 0

	for rb.ctx.Err() == nil {
		endpoint := rb.nextEndpoint()
		redacted := redactURL(endpoint)

		rb.setConnState(StateConnecting)
		start := time.Now()
		conn, err := rb.dialer.Dial(rb.ctx, endpoint)
		rb.observeOperation("connect", redacted, "", time.Since(start), err, 0)

		if err != nil {
			if rb.ctx.Err() != nil {
				return
			}
			attempt++
			cerr := &ConnectionError{Endpoint: redacted, Attempt: attempt, Err: err}
			wait := bo.NextBackOff()
			rb.setConnState(StateDisconnected)
			rb.logWarn(rb.ctx, "Failed to connect to RabbitMQ, retrying", map[string]interface{}{
				"endpoint": redacted,
				"attempt":  attempt,
				"retry_in": wait.String(),
				"category": GetErrorCategory(err).String(),
				"error":    cerr.Error(),
			})
			if !rb.sleep(wait) {
				return
			}
			continue
		}

		attempt = 0
		bo.Reset()

		if !rb.connected(conn) {
			_ = conn.Close()
			return
		}
		rb.logInfo(rb.ctx, "Connected to RabbitMQ", map[string]interface{}{
			"endpoint": redacted,
		})
		rb.emit(EventConnect{Endpoint: redacted})

		lost := rb.superviseChannel(conn)

		if !rb.disconnected() {
			return
		}
		_ = conn.Close()

		rb.logWarn(rb.ctx, "RabbitMQ connection lost", map[string]interface{}{
			"endpoint": redacted,
			"error":    fmt.Sprint(lost),
		})
		rb.emit(EventDisconnect{Err: lost})

		if !rb.sleep(bo.NextBackOff()) {
			return
		}
	}
}

// nextEndpoint returns the URLs in round-robin order.
func (rb *RabbitClient) nextEndpoint() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	endpoint := rb.cfg.URLs[rb.nextURL%len(rb.cfg.URLs)]
	rb.nextURL++
	return endpoint
}

func (rb *RabbitClient) connected(conn Connection) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return false
	}
	rb.conn = conn
	rb.connState = StateConnected
	rb.notifyChange()
	return true
}

// disconnected records the loss of the connection. It reports false when the
// loss was caused by Close.
func (rb *RabbitClient) disconnected() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.conn = nil
	if rb.closed {
		return false
	}
	rb.connState = StateDisconnected
	rb.notifyChange()
	return true
}

func (rb *RabbitClient) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rb.cfg.Reconnect.InitialInterval
	bo.MaxInterval = rb.cfg.Reconnect.MaxInterval
	bo.Multiplier = rb.cfg.Reconnect.Multiplier
	bo.RandomizationFactor = rb.cfg.Reconnect.RandomizationFactor
	// Retry until Close.
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// sleep waits for d and reports false if the client was closed meanwhile.
func (rb *RabbitClient) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-rb.ctx.Done():
		return false
	}
}

// lostError turns a close notification into the error reported by
// disconnect and channel:close events.
func lostError(e *amqp.Error) error {
	if e == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, e)
}
