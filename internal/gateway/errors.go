package gateway

import "errors"

var (
	// ErrHostNotFound means no host row matches the id for the tenant.
	ErrHostNotFound = errors.New("host not found")
	// ErrHostDisabled means the host exists but is administratively disabled.
	ErrHostDisabled = errors.New("host disabled")
	// ErrNoDriver means the session has no live shell channel; the browser
	// must reopen (rebind) before sending input.
	ErrNoDriver = errors.New("session has no attached channel")
)
