package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"demosplus/internal/handlers"
	"demosplus/internal/middleware"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Serv *http.Server
	log  *slog.Logger
}

// NewRouter wires every endpoint onto a chi router.
func NewRouter(handler *handlers.Server, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", handler.Health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.LoggingMiddleware(handler.Log))

		r.Route("/api/user", func(r chi.Router) {
			r.Post("/register", handler.RegisterUser)
			r.Post("/login", handler.LoginUser)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Auth(handler.Config.SecretKey, handler.Log))
				r.Get("/points", handler.GetPoints)
			})
		})

		r.Route("/api/payments", func(r chi.Router) {
			r.Get("/return", handler.PaymentReturn)
			r.Post("/webhook", handler.Webhook)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(handler.Config.SecretKey, handler.Log))
			r.Post("/api/donations/preference", handler.CreatePreference)
			r.Put("/api/ngo/payment-token", handler.ConfigurePaymentToken)
			r.Delete("/api/ngo/payment-token", handler.DisablePaymentToken)
		})
	})
	return r
}

func New(handler *handlers.Server, gatherer prometheus.Gatherer) *Server {
	serv := &http.Server{
		Addr:         handler.Config.Address,
		Handler:      NewRouter(handler, gatherer),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{Serv: serv, log: handler.Log}
}

// Start serves in the background. A listen failure is sent on the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("Starting server", "address", s.Serv.Addr)
		if err := s.Serv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Server failed to start", "error", err)
			errc <- err
		}
		close(errc)
	}()
	return errc
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.Serv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("Server shutdown error", "error", err)
		return err
	}

	s.log.Info("Server stopped")
	return nil
}
