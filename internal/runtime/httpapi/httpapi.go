// Package httpapi is the HTTP route registry a service exposes. Handlers
// return a response descriptor instead of writing to the ResponseWriter.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drblury/flotilla/internal/runtime/jsoncodec"
	"github.com/drblury/flotilla/internal/runtime/logging"
)

// ShutdownTimeout bounds graceful shutdown of the listener.
const ShutdownTimeout = 5 * time.Second

var (
	ErrInvalidRoute  = errors.New("httpapi: route method, pattern and handler are required")
	ErrInvalidStatus = errors.New("httpapi: error handler status must be between 400 and 599")
)

// Response is the structured descriptor a handler may return. Body may be a
// string, []byte, nil or any JSON-encodable value.
type Response struct {
	Status  int
	Body    any
	Headers http.Header
}

// Handler serves one route. It returns a *Response, Response, string,
// []byte, nil or a value that is encoded as JSON.
type Handler func(r *http.Request) (any, error)

// ErrorHandler renders a response for a status. err is the handler error,
// or nil for routing errors and handler-returned statuses.
type ErrorHandler func(r *http.Request, status int, err error) (any, error)

// StatusError lets a handler fail with a specific status.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return http.StatusText(e.Status)
	}
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error { return e.Err }

// Error wraps err with status.
func Error(status int, err error) error {
	return &StatusError{Status: status, Err: err}
}

type route struct {
	method  string
	pattern string
	handler Handler
}

type mount struct {
	pattern string
	handler http.Handler
}

// Server collects routes and error handlers and serves them with chi.
type Server struct {
	logger logging.ServiceLogger

	mu            sync.RWMutex
	routes        []route
	mounts        []mount
	errorHandlers map[int]ErrorHandler
}

func New(logger logging.ServiceLogger) *Server {
	return &Server{
		logger:        logger,
		errorHandlers: make(map[int]ErrorHandler),
	}
}

// RegisterRoute adds a route. Patterns use chi syntax, e.g. /orders/{id}.
func (s *Server) RegisterRoute(method, pattern string, handler Handler) error {
	if method == "" || pattern == "" || handler == nil {
		return ErrInvalidRoute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, route{method: strings.ToUpper(method), pattern: pattern, handler: handler})
	return nil
}

// RegisterErrorHandler renders every response with status, whether it comes
// from routing (404, 405), a failing handler (500) or a handler result.
func (s *Server) RegisterErrorHandler(status int, handler ErrorHandler) error {
	if status < 400 || status > 599 || handler == nil {
		return ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandlers[status] = handler
	return nil
}

// Mount attaches a plain http.Handler, such as the Prometheus handler.
func (s *Server) Mount(pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounts = append(s.mounts, mount{pattern: pattern, handler: handler})
}

// Empty reports whether nothing is registered.
func (s *Server) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.routes) == 0 && len(s.mounts) == 0
}

// Router builds the chi router from the current registrations.
func (s *Server) Router() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)
	for _, m := range s.mounts {
		r.Handle(m.pattern, m.handler)
	}
	for _, rt := range s.routes {
		r.Method(rt.method, rt.pattern, s.serve(rt.handler))
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		s.writeStatus(w, req, http.StatusNotFound, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		s.writeStatus(w, req, http.StatusMethodNotAllowed, nil)
	})
	return r
}

func (s *Server) serve(handler Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := handler(r)
		if err != nil {
			status := http.StatusInternalServerError
			var se *StatusError
			if errors.As(err, &se) {
				status = se.Status
			}
			if status >= http.StatusInternalServerError {
				s.logger.Error("HTTP handler failed", err, logging.LogFields{
					"method": r.Method,
					"path":   r.URL.Path,
				})
			}
			s.writeStatus(w, r, status, err)
			return
		}

		resp := normalize(result)
		if resp.Status >= 400 && s.errorHandler(resp.Status) != nil {
			s.writeStatus(w, r, resp.Status, nil)
			return
		}
		s.write(w, r, resp)
	}
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				err := fmt.Errorf("panic: %v", p)
				s.logger.Error("HTTP handler panicked", err, logging.LogFields{
					"path":  r.URL.Path,
					"stack": string(debug.Stack()),
				})
				s.writeStatus(w, r, http.StatusInternalServerError, err)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) errorHandler(status int) ErrorHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errorHandlers[status]
}

// writeStatus renders status through its error handler, or as plain text.
func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, status int, cause error) {
	if h := s.errorHandler(status); h != nil {
		result, err := h(r, status, cause)
		if err == nil {
			resp := normalize(result)
			if resp.Status == 0 || resp.Status == http.StatusOK {
				resp.Status = status
			}
			s.write(w, r, resp)
			return
		}
		s.logger.Error("HTTP error handler failed", err, logging.LogFields{"status": status})
	}
	http.Error(w, http.StatusText(status), status)
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, resp Response) {
	body, contentType, err := encodeBody(resp.Body)
	if err != nil {
		s.logger.Error("Failed to encode HTTP response", err, logging.LogFields{"path": r.URL.Path})
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	for k, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	if contentType != "" && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead && len(body) > 0 {
		_, _ = w.Write(body)
	}
}

func normalize(result any) Response {
	var resp Response
	switch v := result.(type) {
	case *Response:
		if v != nil {
			resp = *v
		}
	case Response:
		resp = v
	default:
		resp.Body = v
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	return resp
}

func encodeBody(body any) ([]byte, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return []byte(v), "text/plain; charset=utf-8", nil
	case []byte:
		return v, "application/octet-stream", nil
	default:
		raw, err := jsoncodec.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return raw, "application/json", nil
	}
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on an existing listener until ctx is done.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting HTTP server", logging.LogFields{"address": ln.Addr().String()})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
