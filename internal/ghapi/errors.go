package ghapi

import "errors"

var (
	// ErrNotFound means the repository, release or archive does not exist
	// (or the token cannot see it). Never retried.
	ErrNotFound = errors.New("ghapi: not found")

	// ErrRateLimitExceeded means the API quota ran out and the client was
	// configured to fail fast, or retries were exhausted on 403/429.
	ErrRateLimitExceeded = errors.New("ghapi: rate limit exceeded")

	// ErrAuthentication means the credentials were rejected and could not
	// be refreshed.
	ErrAuthentication = errors.New("ghapi: authentication failed")
)
