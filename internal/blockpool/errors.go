package blockpool

import "errors"

// Sentinel errors returned by the allocator, checked with errors.Is.
var (
	ErrInvalidArgument    = errors.New("blockpool: invalid argument")
	ErrOutOfMemory        = errors.New("blockpool: out of memory")
	ErrOutOfRange         = errors.New("blockpool: pointer out of range")
	ErrRegistrationFailed = errors.New("blockpool: registration callback failed")

	// ErrAlreadyInitialized is only returned by the package-level singleton
	// wrapper in default.go; a *Pool handle has no such restriction.
	ErrAlreadyInitialized = errors.New("blockpool: default pool already initialized")
)
