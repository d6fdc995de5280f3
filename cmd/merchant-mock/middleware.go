package main

import (
	"bytes"
	"crypto/hmac"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"solapay/internal/callback"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	lrw.status = status
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.body.Write(b)
	return lrw.ResponseWriter.Write(b)
}

type middleware struct {
	logger *slog.Logger
	secret []byte

	mu             sync.Mutex
	seen           map[string]int
	endpointCounts map[string]int
}

func newMiddleware(logger *slog.Logger, secret []byte) *middleware {
	return &middleware{
		logger:         logger,
		secret:         secret,
		seen:           make(map[string]int),
		endpointCounts: make(map[string]int),
	}
}

func (m *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			m.logger.Error("Error reading request body", "error", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		calls := m.count(r.URL.Path)
		m.logger.Info("Callback received", "path", r.URL.Path, "calls", calls, "body", string(body))

		if len(m.secret) > 0 && !m.verify(r.Header.Get(callback.SignatureHeader), body) {
			m.logger.Warn("Rejected callback with invalid signature", "path", r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid signature"})
			return
		}

		m.trackDuplicate(body)

		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK, body: &bytes.Buffer{}}
		next.ServeHTTP(lrw, r)

		m.logger.Info("Callback answered", "path", r.URL.Path, "status", lrw.status, "body", lrw.body.String())
	})
}

func (m *middleware) count(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpointCounts[path]++
	return m.endpointCounts[path]
}

func (m *middleware) verify(header string, body []byte) bool {
	return hmac.Equal([]byte(header), []byte(callback.Sign(m.secret, body)))
}

// trackDuplicate reports repeated deliveries of the same payment outcome.
func (m *middleware) trackDuplicate(body []byte) {
	var payload struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.ID == "" {
		return
	}

	key := payload.ID + "/" + payload.Status
	m.mu.Lock()
	m.seen[key]++
	deliveries := m.seen[key]
	m.mu.Unlock()

	if deliveries > 1 {
		m.logger.Warn("Duplicate callback", "id", payload.ID, "status", payload.Status, "deliveries", deliveries)
	}
}
