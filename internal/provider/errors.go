package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

const (
	ErrorKindTransient = "transient"
	ErrorKindFatal     = "fatal"
)

// ProviderError is a failed remote call. Reached is set once the remote
// answered, meaning a placeorder call may already have been billed.
type ProviderError struct {
	Action     string
	StatusCode int
	Message    string
	Transient  bool
	Reached    bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString("provider")
	if e.Action != "" {
		b.WriteString(" " + e.Action)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": " + msg)
	}
	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether a submission failure is worth another
// attempt. Cancellation never is.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}

// ErrorKind labels err for logs and metrics.
func ErrorKind(err error) string {
	if IsTransient(err) {
		return ErrorKindTransient
	}
	return ErrorKindFatal
}

// MayHaveBilled reports a failure that happened after the remote accepted
// the request, so the items may have been charged without a usable answer.
func MayHaveBilled(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr) && providerErr.Reached && providerErr.Action == actionPlaceOrder
}
