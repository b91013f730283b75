package callwarden

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// HTTPTool is the tool name inbound requests are governed as.
const HTTPTool = "http_request"

// Middleware returns an http.Handler that governs each request before
// passing it to next. Denied requests receive a 403 with a JSON body.
// A 5xx response counts as a failed execution.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := callFromRequest(r)
		pd, err := g.pipe.PreExecute(r.Context(), g.toModelCall(call))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if !pd.Allowed() {
			d := pd.Decision()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{
				"blocked":    true,
				"decision":   string(d.Effect),
				"source":     string(d.Source),
				"decided_by": d.DecidedBy,
				"reason":     d.Reason,
			})
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		var toolErr error
		defer func() {
			if p := recover(); p != nil {
				g.pipe.PostExecute(r.Context(), pd, nil, fmt.Errorf("handler panic: %v", p))
				panic(p)
			}
			out := g.pipe.PostExecute(r.Context(), pd, rec.status, toolErr)
			if len(out.Warnings) > 0 && g.cfg.onWarning != nil {
				g.cfg.onWarning(call, out.Warnings)
			}
		}()
		next.ServeHTTP(rec, r)
		if rec.status >= 500 {
			toolErr = fmt.Errorf("handler returned %d", rec.status)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// callFromRequest maps an HTTP request to a call of HTTPTool.
func callFromRequest(r *http.Request) Call {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	url := r.URL.String()
	if r.URL.Host == "" && r.Host != "" {
		url = r.Host + r.URL.RequestURI()
	}

	headers := make(map[string]any, len(r.Header))
	for k, v := range r.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}

	bodyBytes := 0
	if r.ContentLength > 0 {
		bodyBytes = int(r.ContentLength)
	}

	se := Write
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		se = Read
	}

	return Call{
		Tool: HTTPTool,
		Args: map[string]any{
			"method":     r.Method,
			"url":        url,
			"host":       host,
			"path":       r.URL.Path,
			"headers":    headers,
			"body_bytes": bodyBytes,
		},
		SideEffect: se,
	}
}
