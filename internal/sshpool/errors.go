package sshpool

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Error kinds surfaced by the pool. Callers classify with errors.Is.
var (
	// ErrAuth means the SSH handshake rejected the supplied credentials.
	// Never retried.
	ErrAuth = errors.New("ssh authentication failed")
	// ErrTimeout means the TCP connect or handshake exceeded its deadline.
	ErrTimeout = errors.New("ssh connect timeout")
	// ErrRefused means the host actively refused the connection.
	ErrRefused = errors.New("ssh connection refused")
	// ErrUnknown covers connection failures with no more specific kind.
	ErrUnknown = errors.New("ssh connection failed")
	// ErrPoolSaturated means the pool is at capacity and every entry has
	// live channels.
	ErrPoolSaturated = errors.New("ssh connection pool saturated")
	// ErrChannelOpen means the transport is up but a PTY shell channel
	// could not be opened over it.
	ErrChannelOpen = errors.New("ssh channel open failed")
)

// classifyDialError maps a dial or handshake failure onto the pool's error
// taxonomy, wrapping so errors.Is works against both the kind and the cause.
func classifyDialError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied") {
		return errors.Join(ErrAuth, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Join(ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(msg, "connection refused") {
		return errors.Join(ErrRefused, err)
	}

	return errors.Join(ErrUnknown, err)
}

// retryable reports whether an Acquire failure is worth another attempt.
// Authentication failures and saturation are terminal.
func retryable(err error) bool {
	return !errors.Is(err, ErrAuth) && !errors.Is(err, ErrPoolSaturated) &&
		!errors.Is(err, context.Canceled)
}
