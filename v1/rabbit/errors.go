package rabbit

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Aleph-Alpha/amqpplus/v1/topology"
)

// Client errors.
var (
	// ErrPublishRejected matches every *PublishRejectedError.
	ErrPublishRejected = errors.New("publish rejected")

	// ErrNotReady is returned when the channel is not Ready and the pending
	// publish queue is full. The caller may retry.
	ErrNotReady = errors.New("channel not ready")

	// ErrChannelSetup matches every *ChannelSetupError.
	ErrChannelSetup = errors.New("channel setup failed")

	// ErrConnection matches every *ConnectionError.
	ErrConnection = errors.New("broker connection failed")

	// ErrClosed is returned for operations on, or pending during, a closed client.
	ErrClosed = errors.New("client closed")

	// ErrArity matches every *ArityError.
	ErrArity = errors.New("routing targets and payloads differ in length")

	// ErrAlreadySettled is returned by a second Ack, Nack or Reject.
	ErrAlreadySettled = errors.New("message already settled")

	// ErrAutoAck is returned by Ack, Nack and Reject on NoAck subscriptions.
	ErrAutoAck = errors.New("subscription uses automatic acknowledgement")
)

// Broker and network conditions that TranslateError maps raw errors onto.
var (
	ErrConnectionFailed     = errors.New("connection failed")
	ErrConnectionLost       = errors.New("connection lost")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrChannelClosed        = errors.New("channel closed")
	ErrChannelError         = errors.New("channel error")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAccessDenied         = errors.New("access denied")
	ErrVirtualHostNotFound  = errors.New("virtual host not found")
	ErrExchangeNotFound     = errors.New("exchange not found")
	ErrQueueNotFound        = errors.New("queue not found")
	ErrResourceLocked       = errors.New("resource locked")
	ErrPreconditionFailed   = errors.New("precondition failed")
	ErrMessageTooLarge      = errors.New("message too large")
	ErrMessageNacked        = errors.New("message nacked")
	ErrMessageReturned      = errors.New("message returned")
	ErrNotAllowed           = errors.New("not allowed")
	ErrNotImplemented       = errors.New("not implemented")
	ErrInternalError        = errors.New("internal error")
	ErrProtocolError        = errors.New("protocol error")
	ErrResourceError        = errors.New("resource error")
	ErrResourceAlarm        = errors.New("resource alarm")
	ErrTimeout              = errors.New("timeout")
	ErrNetworkError         = errors.New("network error")
	ErrTLSError             = errors.New("TLS error")
	ErrCertificateError     = errors.New("certificate error")
)

// PublishRejectedError reports a publish that was not confirmed: the broker
// nacked it, returned it as unroutable, or its channel went away first.
type PublishRejectedError struct {
	Exchange   string
	RoutingKey string
	Reason     string
	Err        error
}

func (e *PublishRejectedError) Error() string {
	msg := fmt.Sprintf("publish to exchange %q with key %q rejected: %s", e.Exchange, e.RoutingKey, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PublishRejectedError) Unwrap() error { return e.Err }

func (e *PublishRejectedError) Is(target error) bool { return target == ErrPublishRejected }

// ChannelSetupError reports a failed step of opening the channel and
// replaying the topology. It is retried internally and only surfaces through
// channel:error notifications.
type ChannelSetupError struct {
	// Step is one of open, confirm, qos, exchange, queue, binding, consume.
	Step string
	// Name identifies the object of the step, e.g. the exchange name.
	Name string
	Err  error
}

// Context renders the step and name as "exchange:ex-1".
func (e *ChannelSetupError) Context() string {
	if e.Name == "" {
		return e.Step
	}
	return e.Step + ":" + e.Name
}

func (e *ChannelSetupError) Error() string {
	return fmt.Sprintf("channel setup %s: %v", e.Context(), e.Err)
}

func (e *ChannelSetupError) Unwrap() error { return e.Err }

func (e *ChannelSetupError) Is(target error) bool { return target == ErrChannelSetup }

// ConnectionError reports a failed dial. Endpoint is redacted.
type ConnectionError struct {
	Endpoint string
	Attempt  int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s (attempt %d): %v", e.Endpoint, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// ArityError reports an Each target list whose length differs from the
// payload list. Nothing was published.
type ArityError struct {
	Targets  int
	Payloads int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("%d routing targets for %d payloads", e.Targets, e.Payloads)
}

func (e *ArityError) Is(target error) bool { return target == ErrArity }

// errorContext names where a setup error happened, for channel:error.
func errorContext(err error) string {
	var se *ChannelSetupError
	if errors.As(err, &se) {
		return se.Context()
	}
	var ce *topology.ConfigError
	if errors.As(err, &ce) {
		return ce.Subject
	}
	return ""
}

// TranslateError maps raw amqp091, network and syscall errors onto the
// package's sentinel errors. Errors it does not recognise are returned as is.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return translateAMQPError(amqpErr)
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		return translateSyscallError(syscallErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrTimeout
		}
		return ErrNetworkError
	}

	return translateByErrorMessage(strings.ToLower(err.Error()), err)
}

func translateAMQPError(amqpErr *amqp.Error) error {
	if amqpErr == amqp.ErrClosed {
		return ErrChannelClosed
	}

	switch amqpErr.Code {
	case amqp.ConnectionForced:
		return ErrConnectionClosed
	case amqp.InvalidPath:
		return ErrVirtualHostNotFound
	case amqp.AccessRefused:
		if strings.Contains(strings.ToLower(amqpErr.Reason), "login") {
			return ErrAuthenticationFailed
		}
		return ErrAccessDenied
	case amqp.NotFound:
		reason := strings.ToLower(amqpErr.Reason)
		switch {
		case strings.Contains(reason, "exchange"):
			return ErrExchangeNotFound
		case strings.Contains(reason, "queue"):
			return ErrQueueNotFound
		}
		return ErrVirtualHostNotFound
	case amqp.ResourceLocked:
		return ErrResourceLocked
	case amqp.PreconditionFailed:
		return ErrPreconditionFailed
	case amqp.ContentTooLarge:
		return ErrMessageTooLarge
	case amqp.NoRoute, amqp.NoConsumers:
		return ErrMessageReturned
	case amqp.ChannelError:
		return ErrChannelError
	case amqp.ResourceError:
		return ErrResourceError
	case amqp.NotAllowed:
		return ErrNotAllowed
	case amqp.NotImplemented:
		return ErrNotImplemented
	case amqp.InternalError:
		return ErrInternalError
	case amqp.FrameError, amqp.SyntaxError, amqp.CommandInvalid, amqp.UnexpectedFrame:
		return ErrProtocolError
	}

	return translateByErrorMessage(strings.ToLower(amqpErr.Reason), amqpErr)
}

func translateSyscallError(errno syscall.Errno) error {
	switch errno {
	case syscall.ECONNREFUSED:
		return ErrConnectionFailed
	case syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE, syscall.ENOTCONN:
		return ErrConnectionLost
	case syscall.ETIMEDOUT:
		return ErrTimeout
	case syscall.EACCES, syscall.EPERM:
		return ErrAccessDenied
	case syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM:
		return ErrResourceError
	default:
		return ErrNetworkError
	}
}

func translateByErrorMessage(errMsg string, originalErr error) error {
	switch {
	case strings.Contains(errMsg, "connection refused"):
		return ErrConnectionFailed
	case strings.Contains(errMsg, "connection reset"), strings.Contains(errMsg, "connection lost"):
		return ErrConnectionLost
	case strings.Contains(errMsg, "connection closed"), strings.Contains(errMsg, "connection forced"):
		return ErrConnectionClosed
	case strings.Contains(errMsg, "channel closed"), strings.Contains(errMsg, "channel/connection is not open"):
		return ErrChannelClosed
	case strings.Contains(errMsg, "login refused"), strings.Contains(errMsg, "authentication failed"):
		return ErrAuthenticationFailed
	case strings.Contains(errMsg, "access refused"), strings.Contains(errMsg, "access denied"):
		return ErrAccessDenied
	case strings.Contains(errMsg, "certificate"), strings.Contains(errMsg, "x509"):
		return ErrCertificateError
	case strings.Contains(errMsg, "tls"), strings.Contains(errMsg, "handshake"):
		return ErrTLSError
	case strings.Contains(errMsg, "precondition failed"), strings.Contains(errMsg, "inequivalent arg"):
		return ErrPreconditionFailed
	case strings.Contains(errMsg, "exchange") && strings.Contains(errMsg, "not found"):
		return ErrExchangeNotFound
	case strings.Contains(errMsg, "queue") && strings.Contains(errMsg, "not found"):
		return ErrQueueNotFound
	case strings.Contains(errMsg, "vhost") && strings.Contains(errMsg, "not found"):
		return ErrVirtualHostNotFound
	case strings.Contains(errMsg, "no route"), strings.Contains(errMsg, "message returned"):
		return ErrMessageReturned
	case strings.Contains(errMsg, "message nacked"):
		return ErrMessageNacked
	case strings.Contains(errMsg, "memory alarm"), strings.Contains(errMsg, "disk alarm"), strings.Contains(errMsg, "resource alarm"):
		return ErrResourceAlarm
	case strings.Contains(errMsg, "timeout"), strings.Contains(errMsg, "deadline exceeded"):
		return ErrTimeout
	default:
		return originalErr
	}
}

// ErrorCategory groups translated errors for logging and metrics.
type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	CategoryConnection
	CategoryChannel
	CategoryAuthentication
	CategoryResource
	CategoryMessage
	CategoryProtocol
	CategoryNetwork
	CategoryServer
	CategoryConfiguration
	CategoryTimeout
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryConnection:
		return "connection"
	case CategoryChannel:
		return "channel"
	case CategoryAuthentication:
		return "authentication"
	case CategoryResource:
		return "resource"
	case CategoryMessage:
		return "message"
	case CategoryProtocol:
		return "protocol"
	case CategoryNetwork:
		return "network"
	case CategoryServer:
		return "server"
	case CategoryConfiguration:
		return "configuration"
	case CategoryTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// GetErrorCategory classifies err after translation.
func GetErrorCategory(err error) ErrorCategory {
	err = categorize(err)
	switch {
	case errors.Is(err, topology.ErrConfig), errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrVirtualHostNotFound):
		return CategoryConfiguration
	case errors.Is(err, ErrConnectionFailed), errors.Is(err, ErrConnectionLost), errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrConnection):
		return CategoryConnection
	case errors.Is(err, ErrChannelClosed), errors.Is(err, ErrChannelError), errors.Is(err, ErrChannelSetup):
		return CategoryChannel
	case errors.Is(err, ErrAuthenticationFailed), errors.Is(err, ErrAccessDenied):
		return CategoryAuthentication
	case errors.Is(err, ErrExchangeNotFound), errors.Is(err, ErrQueueNotFound), errors.Is(err, ErrResourceLocked), errors.Is(err, ErrResourceError), errors.Is(err, ErrResourceAlarm):
		return CategoryResource
	case errors.Is(err, ErrPublishRejected), errors.Is(err, ErrMessageNacked), errors.Is(err, ErrMessageReturned), errors.Is(err, ErrMessageTooLarge):
		return CategoryMessage
	case errors.Is(err, ErrProtocolError), errors.Is(err, ErrNotAllowed), errors.Is(err, ErrNotImplemented):
		return CategoryProtocol
	case errors.Is(err, ErrNetworkError), errors.Is(err, ErrTLSError), errors.Is(err, ErrCertificateError):
		return CategoryNetwork
	case errors.Is(err, ErrInternalError):
		return CategoryServer
	case errors.Is(err, ErrTimeout):
		return CategoryTimeout
	default:
		return CategoryUnknown
	}
}

// IsRetryableError reports whether err is a transient broker or network
// condition that the supervisors retry.
func IsRetryableError(err error) bool {
	err = categorize(err)
	switch {
	case errors.Is(err, topology.ErrConfig):
		return false
	case errors.Is(err, ErrNotReady),
		errors.Is(err, ErrConnection),
		errors.Is(err, ErrChannelSetup),
		errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, ErrChannelError),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrNetworkError),
		errors.Is(err, ErrInternalError),
		errors.Is(err, ErrTLSError),
		errors.Is(err, ErrResourceAlarm),
		errors.Is(err, ErrResourceError):
		return true
	default:
		return false
	}
}

// IsPermanentError reports whether retrying err cannot succeed without a
// configuration or credential change.
func IsPermanentError(err error) bool {
	err = categorize(err)
	switch {
	case errors.Is(err, topology.ErrConfig),
		errors.Is(err, ErrArity),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrVirtualHostNotFound),
		errors.Is(err, ErrPreconditionFailed),
		errors.Is(err, ErrNotAllowed),
		errors.Is(err, ErrNotImplemented),
		errors.Is(err, ErrCertificateError):
		return true
	default:
		return false
	}
}

// categorize keeps package errors untouched and translates raw ones.
func categorize(err error) error {
	if err == nil {
		return nil
	}
	var (
		pe *PublishRejectedError
		se *ChannelSetupError
		ce *ConnectionError
	)
	switch {
	case errors.As(err, &pe), errors.As(err, &se), errors.As(err, &ce),
		errors.Is(err, topology.ErrConfig), errors.Is(err, ErrNotReady),
		errors.Is(err, ErrClosed), errors.Is(err, ErrArity):
		return err
	}
	return TranslateError(err)
}
