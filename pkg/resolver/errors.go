package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Failure reasons attached to a ResolutionError
const (
	ReasonUnknownHost = "unknown_host"
	ReasonTimeout     = "timeout"
	ReasonNoAddress   = "no_address"
	ReasonNetwork     = "network"
)

// ErrNoAddress is returned when a lookup succeeds without any address
var ErrNoAddress = errors.New("no addresses returned")

// ResolutionError is the single failure kind of a probe lookup
type ResolutionError struct {
	Host   string
	Reason string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %s: %v", e.Host, e.Reason, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Classify wraps err in a ResolutionError with the matching reason.
// It returns nil for a nil error.
func Classify(host string, err error) *ResolutionError {
	if err == nil {
		return nil
	}

	var re *ResolutionError
	if errors.As(err, &re) {
		return re
	}

	var (
		dnsErr *net.DNSError
		netErr net.Error
	)
	reason := ReasonNetwork
	switch {
	case errors.Is(err, ErrNoAddress):
		reason = ReasonNoAddress
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		reason = ReasonUnknownHost
	case errors.Is(err, context.DeadlineExceeded):
		reason = ReasonTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		reason = ReasonTimeout
	}

	return &ResolutionError{Host: host, Reason: reason, Err: err}
}
