package llm

import "errors"

// Backend failures map onto a small closed set so the session loop can
// react uniformly without inspecting transport details. All are wrapped
// with context by the client and matchable with errors.Is.
var (
	// ErrBackendUnreachable covers connection-level failures: refused,
	// reset, DNS.
	ErrBackendUnreachable = errors.New("backend unreachable")

	// ErrBackendTimeout covers the per-request deadline expiring.
	ErrBackendTimeout = errors.New("backend timeout")

	// ErrBackendMalformedResponse covers non-OK statuses, backend-reported
	// generation errors, and undecodable bodies.
	ErrBackendMalformedResponse = errors.New("backend malformed response")
)
