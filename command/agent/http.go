package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/rs/cors"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported
	ErrInvalidMethod = "Invalid method"

	// httpShutdownGrace bounds how long in-flight requests may linger when
	// the agent stops.
	httpShutdownGrace = 5 * time.Second
)

// allowCORS sets permissive CORS headers so the studio's browser UI can
// reach the gateway from another origin.
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET", "POST"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer wraps an Agent and exposes it over HTTP.
type HTTPServer struct {
	agent    *Agent
	mux      *http.ServeMux
	listener net.Listener
	srv      *http.Server
	logger   hclog.Logger
	Addr     string
}

// NewHTTPServer starts the control plane listener for the agent.
func NewHTTPServer(agent *Agent, config *Config, logger hclog.Logger) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", config.HTTPAddr())
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %w", err)
	}

	s := &HTTPServer{
		agent:    agent,
		mux:      http.NewServeMux(),
		listener: ln,
		logger:   logger.Named("http"),
		Addr:     ln.Addr().String(),
	}
	s.registerHandlers()

	s.srv = &http.Server{
		Addr:    s.Addr,
		Handler: allowCORS.Handler(gziphandler.GzipHandler(s.mux)),
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server exited", "error", err)
		}
	}()

	s.logger.Info("control plane listening", "address", s.Addr)
	return s, nil
}

func (s *HTTPServer) registerHandlers() {
	s.mux.HandleFunc("/api/dados", s.wrap(s.DataRequest))
	s.mux.HandleFunc("/api/escrever", s.wrap(s.WriteRequest))
	s.mux.HandleFunc("/api/escrever_lote", s.wrap(s.BatchWriteRequest))

	s.mux.HandleFunc("/api/logs", s.wrap(s.LogsRequest))
	s.mux.HandleFunc("/api/logs/stream", s.LogStreamRequest)

	s.mux.HandleFunc("/api/health", s.wrap(s.HealthRequest))
	s.mux.HandleFunc("/api/metrics", s.wrap(s.MetricsRequest))
	s.mux.HandleFunc("/api/system/restart", s.wrap(s.RestartRequest))

	s.mux.HandleFunc("/api/ia/status", s.wrap(s.IAStatusRequest))
	s.mux.HandleFunc("/api/ia/metricas", s.wrap(s.IAMetricsRequest))
	s.mux.HandleFunc("/api/ia/conhecimento", s.wrap(s.IAKnowledgeRequest))
}

// Shutdown drains in-flight requests within the grace period, then closes
// the listener.
func (s *HTTPServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("forcing http listener closed", "error", err)
		s.srv.Close()
	}
}

// HTTPCodedError is used to provide the HTTP error code
type HTTPCodedError interface {
	error
	Code() int
}

func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string { return e.s }
func (e *codedError) Code() int     { return e.code }

// wrap turns an endpoint into an http.HandlerFunc: it logs the request,
// maps errors onto status codes, and renders the result as JSON.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
			metrics.MeasureSince([]string{"gateway", "http", "request"}, start)
		}()

		obj, err := handler(resp, req)
		if err != nil {
			code := 500
			errMsg := err.Error()
			if coded, ok := err.(HTTPCodedError); ok {
				code = coded.Code()
			}
			if code >= 500 {
				s.logger.Error("request failed", "method", req.Method, "path", reqURL, "error", err)
			}
			resp.Header().Set("Content-Type", "application/json; charset=utf-8")
			resp.WriteHeader(code)
			json.NewEncoder(resp).Encode(map[string]any{
				"status":  "error",
				"message": errMsg,
			})
			return
		}

		if obj == nil {
			resp.WriteHeader(http.StatusNoContent)
			return
		}

		resp.Header().Set("Content-Type", "application/json; charset=utf-8")
		enc := json.NewEncoder(resp)
		if prettyPrint(req) {
			enc.SetIndent("", "  ")
		}
		if err := enc.Encode(obj); err != nil {
			s.logger.Error("failed to encode response", "path", reqURL, "error", err)
		}
	}
}

func prettyPrint(req *http.Request) bool {
	v, ok := req.URL.Query()["pretty"]
	return ok && (len(v) == 0 || len(v[0]) == 0 || v[0] != "0")
}

// decodeBody parses a JSON request body into out.
func decodeBody(req *http.Request, out interface{}) error {
	if req.Body == nil {
		return fmt.Errorf("request body is empty")
	}
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// parseTagFilter splits a comma-separated ids query parameter.
func parseTagFilter(raw string) map[string]bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = true
		}
	}
	return out
}
