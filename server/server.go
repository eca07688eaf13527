// Package server exposes the approval management surface and the guarded
// upstream routes over HTTP.
//
// Every admin route is evaluated against resource "approvals": reads need
// approvals:read, transitions need approvals:manage. Completing a step-up
// session only needs an authenticated principal because sessions are bound
// to their owner.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	guarderrors "github.com/pbcex/adminguard/errors"
	"github.com/pbcex/adminguard/guard"
	"github.com/pbcex/adminguard/identity"
	"github.com/pbcex/adminguard/request"
	"github.com/pbcex/adminguard/stepup"
)

// Admin resource and actions.
const (
	ResourceApprovals = "approvals"
	ActionRead        = "read"
	ActionManage      = "manage"
)

// StepUpCompleter completes a step-up session with a factor code.
// *stepup.Service implements it.
type StepUpCompleter interface {
	Complete(ctx context.Context, id, userID, code string) (*stepup.Session, error)
}

// Config wires the server's collaborators.
type Config struct {
	// Guard evaluates and gates every route.
	Guard *guard.Guard

	// Manager owns the approval lifecycle.
	Manager *request.Manager

	// StepUp completes step-up sessions. If nil, POST /step-up/{id}/complete
	// answers NOT_CONFIGURED.
	StepUp StepUpCompleter

	// Authenticator resolves the caller. Defaults to identity.HeaderAuthenticator{}.
	Authenticator identity.Authenticator

	// Routes are the guarded upstream operations to reverse-proxy.
	Routes []Route

	// Closers are closed on Shutdown after the HTTP server stops.
	Closers []io.Closer
}

// Server is the adminguard HTTP server.
type Server struct {
	listener net.Listener
	server   http.Server
	config   Config
}

// NewServer listens on addr and builds the handler. Use Serve to start.
func NewServer(config Config, addr string) (*Server, error) {
	handler, err := NewHandler(config)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := &Server{listener: listener, config: config}
	s.server.Handler = handler
	s.server.ReadHeaderTimeout = 10 * time.Second
	return s, nil
}

// NewHandler returns the full middleware chain and router.
// Middleware chain: logging -> request ID -> identity -> router.
func NewHandler(config Config) (http.Handler, error) {
	if config.Guard == nil || config.Manager == nil {
		return nil, fmt.Errorf("server: guard and manager are required")
	}
	if config.Authenticator == nil {
		config.Authenticator = identity.HeaderAuthenticator{}
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthz).Methods(http.MethodGet)

	a := &admin{manager: config.Manager, stepUp: config.StepUp}
	a.register(router, config.Guard)

	for _, route := range config.Routes {
		if err := mountRoute(router, config.Guard, route); err != nil {
			return nil, err
		}
	}

	router.NotFoundHandler = http.HandlerFunc(notFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	return withLogging(
		identity.RequestIDMiddleware(
			identity.Middleware(config.Authenticator)(router))), nil
}

// BaseURL returns the base URL of the server.
func (s *Server) BaseURL() string {
	return fmt.Sprintf("http://%s", s.listener.Addr().String())
}

// Serve starts the HTTP server. This call blocks until the server is shut down.
func (s *Server) Serve() error {
	log.Printf("INFO: adminguard listening on %s", s.listener.Addr())
	return s.server.Serve(s.listener)
}

// Shutdown gracefully shuts down the server and closes its collaborators.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	for _, c := range s.config.Closers {
		if closeErr := c.Close(); closeErr != nil {
			log.Printf("WARNING: close on shutdown: %v", closeErr)
		}
	}
	return err
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	guard.WriteJSON(w, http.StatusOK, guard.Response{Code: guard.CodeOK, Message: "ok"})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	guard.WriteJSON(w, http.StatusNotFound, guard.Response{
		Code:    guarderrors.ErrCodeNotFound,
		Message: fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	guard.WriteJSON(w, http.StatusMethodNotAllowed, guard.Response{
		Code:    "METHOD_NOT_ALLOWED",
		Message: fmt.Sprintf("%s not allowed on %s", r.Method, r.URL.Path),
	})
}

// withLogging logs one line per request with its status and duration.
func withLogging(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestStart := time.Now()
		w2 := &loggingResponseWriter{w, http.StatusOK}
		handler.ServeHTTP(w2, r)
		log.Printf("http: %s: %d %s %s (%s)", r.RemoteAddr, w2.Code, r.Method, r.URL.Path, time.Since(requestStart))
	})
}

// loggingResponseWriter captures the status code for logging.
type loggingResponseWriter struct {
	http.ResponseWriter
	Code int
}

func (w *loggingResponseWriter) WriteHeader(statusCode int) {
	w.Code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
