// Package httpapi implements the local HTTP API over a Unix-domain socket,
// mounting every feature's own routes alongside the routes the event
// runtime answers directly (republish, status, publish-endpoint
// registration, healthcheck): a go-chi router over a narrow listener, with
// a graceful Shutdown.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/omnect/omnect-device-service/internal/feature"
	"github.com/omnect/omnect-device-service/internal/publish"
	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/pkg/log"
)

// Invoker serializes a feature's local-API handler with every other
// feature invocation and merges its reported patch into the snapshot;
// runtime.Dispatcher implements it. The server never calls a feature
// handler directly.
type Invoker interface {
	HandleHTTP(ctx context.Context, featureID string, h feature.HTTPHandlerFunc, body json.RawMessage) feature.HTTPResponse
}

// Server owns the Unix-domain listener and the chi router mounting every
// feature's routes plus the runtime-level ones.
type Server struct {
	router     chi.Router
	listener   net.Listener
	httpServer *http.Server
	log        *log.PrefixLogger
}

// New builds the router. registry supplies each feature's HTTPRoutes,
// each invoked through inv so HTTP requests share the runtime's
// feature-invocation serialization; pub backs /status/v1,
// /republish/v1/{client_id}, and the publish-endpoint registration routes.
func New(registry *feature.Registry, pub *publish.Registry, inv Invoker, logger *log.PrefixLogger) *Server {
	s := &Server{log: logger}
	r := chi.NewRouter()
	r.Use(s.requestID)

	for _, f := range registry.All() {
		for _, route := range f.HTTPRoutes() {
			r.Method(route.Method, route.Pattern, s.featureHandler(inv, f.ID(), route.Handler))
		}
	}

	r.Post("/healthcheck/v1", s.handleHealthcheck)
	r.Get("/status/v1", s.handleStatus(pub))
	r.Post("/republish/v1/{client_id}", s.handleRepublish(pub))
	r.Post("/publish-endpoint/v1", s.handleRegisterEndpoint(pub))
	r.Delete("/publish-endpoint/v1/{client_id}", s.handleUnregisterEndpoint(pub))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "unknown route")
	})

	s.router = r
	return s
}

// featureHandler adapts a feature's HTTPHandlerFunc to the router: it
// reads the request body, hands it to the runtime for the serialized
// invocation, and writes the status and optional JSON body back.
func (s *Server) featureHandler(inv Invoker, featureID string, h feature.HTTPHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "reading request body")
			return
		}

		resp := inv.HandleHTTP(r.Context(), featureID, h, body)
		if len(resp.Body) == 0 {
			w.WriteHeader(resp.Status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Body)
	}
}

// requestID tags every request with a generated correlation id, logged
// alongside the method and path so a failing local-API call can be traced
// through the feature handler it reached.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		s.log.WithField("request_id", id).Debugf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// Listen binds the Unix-domain socket at socketPath, removing a stale
// socket file left behind by a prior unclean exit before binding.
func (s *Server) Listen(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Serve runs the HTTP server until Shutdown is called; it returns nil on a
// clean shutdown and any other error otherwise.
func (s *Server) Serve() error {
	s.httpServer = &http.Server{Handler: s.router}
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server, letting in-flight handlers
// finish within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleStatus serves the union of every cached publish channel, the same
// view a registered sink would have accumulated.
func (s *Server) handleStatus(pub *publish.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := json.Marshal(pub.Status())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "marshalling status")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func (s *Server) handleRepublish(pub *publish.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := chi.URLParam(r, "client_id")
		if err := pub.Republish(r.Context(), clientID); err != nil {
			writeJSONError(w, rterrors.ToStatus(rterrors.ErrNotFound), err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleRegisterEndpoint(pub *publish.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sink publish.Sink
		if err := json.NewDecoder(r.Body).Decode(&sink); err != nil || sink.ClientID == "" || sink.URL == "" {
			writeJSONError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		pub.Register(r.Context(), sink)
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleUnregisterEndpoint(pub *publish.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := chi.URLParam(r, "client_id")
		pub.Unregister(clientID)
		w.WriteHeader(http.StatusOK)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
