package topology

import (
	"errors"
	"fmt"
)

// ErrConfig matches every *ConfigError under errors.Is.
var ErrConfig = errors.New("topology: invalid configuration")

// ErrorKind classifies a configuration violation.
type ErrorKind string

const (
	InvalidExchange        ErrorKind = "InvalidExchange"
	InvalidQueue           ErrorKind = "InvalidQueue"
	DuplicateExchange      ErrorKind = "DuplicateExchange"
	DuplicateQueue         ErrorKind = "DuplicateQueue"
	UnknownExchange        ErrorKind = "UnknownExchange"
	UnknownQueue           ErrorKind = "UnknownQueue"
	EmptyBindingKeys       ErrorKind = "EmptyBindingKeys"
	MissingBindingKeys     ErrorKind = "MissingBindingKeys"
	MissingURLs            ErrorKind = "MissingURLs"
	MalformedConfig        ErrorKind = "MalformedConfig"
	ConflictingDeclaration ErrorKind = "ConflictingDeclaration"
)

// ConfigError reports a configuration violation. It is never retried.
type ConfigError struct {
	Kind ErrorKind
	// Subject names the offending declaration, e.g. "ex-1" or "binding[2]".
	Subject string
	Msg     string
	Err     error
}

// NewConfigError builds a *ConfigError with a formatted message.
func NewConfigError(kind ErrorKind, subject, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Kind: kind, Subject: subject, Msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("topology: %s", e.Kind)
	if e.Subject != "" {
		msg += fmt.Sprintf(" (%s)", e.Subject)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is matches ErrConfig and any *ConfigError of the same Kind.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfig {
		return true
	}
	t, ok := target.(*ConfigError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *ConfigError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}
