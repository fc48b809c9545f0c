// Package server exposes the event bus and the gateway over HTTP, SSE,
// WebSocket and gRPC.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alfredjeanlab/gatebus/internal/bus"
	"github.com/alfredjeanlab/gatebus/internal/gateway"
	"github.com/alfredjeanlab/gatebus/internal/store"
)

// ErrUnauthenticated is returned by an Authenticator that rejects a request.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the user behind a request. Identity is owned by
// another service; the server trusts whatever user it returns.
type Authenticator interface {
	Authenticate(r *http.Request) (gateway.User, error)
}

// TokenAuthenticator accepts requests carrying a shared bearer token and takes
// the user id from the X-Gatebus-User header or the "user" query parameter.
// With an empty Token every request is accepted.
type TokenAuthenticator struct {
	Token string
}

// Authenticate implements Authenticator.
func (a TokenAuthenticator) Authenticate(r *http.Request) (gateway.User, error) {
	if a.Token != "" {
		provided := bearerToken(r)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(a.Token)) != 1 {
			return gateway.User{}, ErrUnauthenticated
		}
	}
	id := r.Header.Get("X-Gatebus-User")
	if id == "" {
		id = r.URL.Query().Get("user")
	}
	if id == "" {
		return gateway.User{}, errors.Join(ErrUnauthenticated, errors.New("missing user"))
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		username = id
	}
	return gateway.User{ID: id, Username: username, Status: "online"}, nil
}

// bearerToken reads the Authorization header, falling back to the "token"
// query parameter for browser WebSocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return ""
		}
		return token
	}
	return r.URL.Query().Get("token")
}

// Server holds the collaborators shared by every transport.
type Server struct {
	bus     *bus.EventBus
	gateway *gateway.Gateway
	auth    Authenticator
	logger  *slog.Logger

	// ctx ends long-lived streams and gateway connections on Close, since
	// http.Server.Shutdown does not wait for hijacked connections.
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Server. A nil logger selects slog.Default().
func New(b *bus.EventBus, gw *gateway.Gateway, auth Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		bus:     b,
		gateway: gw,
		auth:    auth,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close ends every open SSE stream and gateway connection.
func (s *Server) Close() {
	s.cancel()
}

// streamContext returns a context that ends with the request or on Close.
func (s *Server) streamContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// statusFor maps bus and gateway errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bus.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUnknownSession), errors.Is(err, gateway.ErrSessionExpired):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, bus.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
