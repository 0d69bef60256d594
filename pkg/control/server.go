package control

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

var (
	// ErrResultAlreadySet is returned when a driver reports a result twice.
	ErrResultAlreadySet = errors.New("result already set")

	// ErrSessionClosed is returned for requests arriving after a result has
	// been recorded.
	ErrSessionClosed = errors.New("session closed")
)

// missingResultMessage is synthesized when the driver exits without ever
// calling the result endpoint (crash, kill, spawn of a wrong binary).
const missingResultMessage = "process did not specify result"

// Server is the adapter-side end of the control channel. It is bound to one
// session key and one set of extra arguments, serves on a private unix
// socket, and records at most one result.
type Server struct {
	key    string
	args   []string
	logger zerolog.Logger

	dir      string
	listener net.Listener
	httpSrv  *http.Server

	mu     sync.Mutex
	result *Result
}

// NewServer creates a control channel server for one driver invocation.
// The session key authenticates every request; extraArgs is what the driver
// will receive from the arguments endpoint. Call Start to begin serving.
func NewServer(sessionKey string, extraArgs []string, logger zerolog.Logger) *Server {
	return &Server{
		key:    sessionKey,
		args:   append([]string(nil), extraArgs...),
		logger: logger,
	}
}

// Start binds the unix socket and begins serving in the background. It
// returns the socket path, which the adapter passes to the driver as its
// only positional argument. The socket lives in a fresh 0700 directory so
// other local users cannot even attempt a connection.
func (s *Server) Start() (string, error) {
	dir, err := os.MkdirTemp("", "fm-console-*")
	if err != nil {
		return "", fmt.Errorf("failed to create control socket directory: %w", err)
	}

	path := filepath.Join(dir, "control.sock")
	listener, err := net.Listen("unix", path)
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to listen on control socket: %w", err)
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/arguments", s.handleArguments).Methods(http.MethodPost)
	r.HandleFunc("/v1/result", s.handleResult).Methods(http.MethodPost)
	r.HandleFunc("/v1/log", s.handleLog).Methods(http.MethodPost)

	s.dir = dir
	s.listener = listener
	s.httpSrv = &http.Server{Handler: s.authenticate(r)}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Debug().Err(err).Msg("control server stopped")
		}
	}()

	s.logger.Debug().Str("socket", path).Msg("control channel listening")
	return path, nil
}

// authenticate rejects any request that does not carry the session key as a
// bearer token. The comparison is constant time; a failed comparison leaks
// nothing but the 401.
func (s *Server) authenticate(next http.Handler) http.Handler {
	want := []byte("Bearer " + s.key)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if len(got) != len(want) || subtle.ConstantTimeCompare(got, want) != 1 {
			s.logger.Warn().Str("path", r.URL.Path).Msg("control request with invalid session key")
			http.Error(w, "invalid session key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleArguments(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.result != nil
	s.mu.Unlock()
	if closed {
		http.Error(w, ErrSessionClosed.Error(), http.StatusGone)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(argumentsResponse{Arguments: s.args}); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write arguments response")
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var res Result
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		http.Error(w, "malformed result payload", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result != nil {
		http.Error(w, ErrResultAlreadySet.Error(), http.StatusConflict)
		return
	}
	s.result = &res

	s.logger.Debug().
		Bool("failure", res.Failure).
		Str("message", res.Message).
		Msg("driver reported result")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.result != nil
	s.mu.Unlock()
	if closed {
		http.Error(w, ErrSessionClosed.Error(), http.StatusGone)
		return
	}

	var entry logEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		http.Error(w, "malformed log payload", http.StatusBadRequest)
		return
	}

	level, err := zerolog.ParseLevel(entry.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.DebugLevel
	}
	s.logger.WithLevel(level).Str("origin", "driver").Msg(entry.Message)
	w.WriteHeader(http.StatusNoContent)
}

// Result returns the recorded result, if any. It never blocks; the adapter
// calls it after observing process exit.
func (s *Server) Result() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return Result{}, false
	}
	return *s.result, true
}

// CollectResult returns the recorded result or, when the driver never
// reported one, a synthesized failure. This is the only place in the system
// where a missing result is manufactured rather than propagated.
func (s *Server) CollectResult() Result {
	if res, ok := s.Result(); ok {
		return res
	}
	return Failed(missingResultMessage)
}

// Close shuts the server down and removes the socket directory. Requests in
// flight are cut off; the channel is single-use and the session is over.
func (s *Server) Close() error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Close()
	}
	if s.dir != "" {
		os.RemoveAll(s.dir)
	}
	return err
}
