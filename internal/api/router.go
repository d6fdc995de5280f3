// Package api exposes the payment service over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"solapay/internal/metrics"
	"solapay/internal/model"
	"solapay/internal/payment"
)

// PaymentService is the subset of payment.Service the handlers call.
type PaymentService interface {
	CreateLink(ctx context.Context, req payment.CreateLinkRequest) (*payment.Link, error)
	Get(ctx context.Context, id string) (*model.PaymentIntent, error)
	Checkout(ctx context.Context, id, country string) (*payment.CheckoutDetails, error)
	SetCountry(ctx context.Context, id, country string) (*payment.CheckoutDetails, error)
	BuildTransaction(ctx context.Context, id, payerAddress string) (*payment.BuiltTransaction, error)
	ConfirmPayment(ctx context.Context, id, signature string) (*payment.Confirmation, error)
}

type Handler struct {
	payments PaymentService
	logger   *slog.Logger
}

func NewRouter(payments PaymentService, requestTimeout time.Duration, logger *slog.Logger) http.Handler {
	h := &Handler{payments: payments, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(correlate)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if requestTimeout > 0 {
			r.Use(middleware.Timeout(requestTimeout))
		}

		r.Route("/api/payments", func(r chi.Router) {
			r.Post("/", h.createLink)
			r.Post("/transaction", h.buildTransaction)
			r.Get("/transaction", h.buildTransaction)
			r.Post("/confirm", h.confirmPayment)
			r.Get("/{paymentId}", h.getPayment)
		})

		r.Route("/api/checkout/{paymentId}", func(r chi.Router) {
			r.Get("/", h.checkout)
			r.Patch("/", h.setCountry)
		})
	})

	return r
}
