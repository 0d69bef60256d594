// Package control implements the control channel between the process that
// owns a console session (the adapter) and the short-lived driver process it
// spawns.
//
// The channel is a small JSON-over-HTTP API served on a unix socket. It is
// used exactly twice per driver lifetime: once so the driver can fetch the
// sensitive extra arguments that must not appear in argv or the environment,
// and once so it can report its terminal result before exiting. A third,
// best-effort operation forwards driver log lines to the parent.
//
// Every request is authenticated with the per-session key. The key is handed
// to the driver through a single environment variable; the socket path is the
// driver's only positional argument.
package control

// SessionKeyEnv is the environment variable carrying the session key into the
// driver process. It is the only connection-related data passed via the
// environment.
const SessionKeyEnv = "FM_SESSION_KEY"

// Result is the tagged outcome of a driver run. It is set exactly once per
// driver lifetime and carries a human-readable message either way; consumers
// only branch on the Failure tag.
type Result struct {
	Failure bool   `json:"failure"`
	Message string `json:"message"`
}

// Success returns a non-failure result with an informational message.
func Success(message string) Result {
	return Result{Message: message}
}

// Failed returns a failure result with an error message.
func Failed(message string) Result {
	return Result{Failure: true, Message: message}
}

// logEntry is the wire form of a forwarded driver log line.
type logEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// argumentsResponse is the wire form of the extra-arguments fetch.
type argumentsResponse struct {
	Arguments []string `json:"arguments"`
}
