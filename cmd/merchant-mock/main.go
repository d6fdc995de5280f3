// Command merchant-mock is a stand-in merchant that receives settlement
// callbacks during local development.
package main

import (
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"time"
)

type CallbackResponse struct {
	Success bool `json:"success"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	errorRate   = 0.5
	contentType = "application/json"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "merchant-mock")

	addr := os.Getenv("MERCHANT_ADDR")
	if addr == "" {
		addr = ":8085"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/always-success", alwaysSuccessHandler)
	mux.HandleFunc("/success-delayed", successDelayedHandler)
	mux.HandleFunc("/always-fail", alwaysFailHandler)
	mux.HandleFunc("/random-fail", randomFailHandler)

	m := newMiddleware(logger, []byte(os.Getenv("MERCHANT_SIGNING_SECRET")))

	logger.Info("Starting merchant mock", "addr", addr)
	if err := http.ListenAndServe(addr, m.wrap(mux)); err != nil {
		logger.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func alwaysSuccessHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, CallbackResponse{Success: true})
}

func successDelayedHandler(w http.ResponseWriter, _ *http.Request) {
	time.Sleep(time.Duration(3+rand.IntN(6)) * time.Second)
	writeJSON(w, http.StatusOK, CallbackResponse{Success: true})
}

func alwaysFailHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error"})
}

func randomFailHandler(w http.ResponseWriter, _ *http.Request) {
	if rand.Float64() < errorRate {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error"})
		return
	}
	writeJSON(w, http.StatusOK, CallbackResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
