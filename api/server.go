/*
server.go - HTTP router, middleware and service wiring

PURPOSE:
  Builds the ledger and stock services from configuration, configures the
  chi router and its middleware stack, and maps URLs to handlers.

ROUTER: chi

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logger:     zap request log plus Prometheus request metrics
  4. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/orders/*         Checkout, listing, status, invoicing
  /api/invoices/*       Invoice detail, payments, credit, void
  /api/customers/*      Cash collection, account view
  /api/rates/*          Exchange rate
  /api/stock/*          On-hand, movements, receipts
  /api/transfers/*      Two-party stock transfers
  /api/agents/*         Agent-scoped listings
  /api/scenarios/*      Demo data
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/van-ledger/config"
	"github.com/warp/van-ledger/core"
	"github.com/warp/van-ledger/ledger"
	"github.com/warp/van-ledger/logging"
	"github.com/warp/van-ledger/metrics"
	"github.com/warp/van-ledger/stock"
	"go.uber.org/zap"
)

// =============================================================================
// SERVICES
// =============================================================================

// Services bundles the domain services the handlers call.
type Services struct {
	Ledger    *ledger.Ledger
	Payments  *ledger.PaymentAllocator
	Rates     *ledger.RateProvider
	Stock     *stock.Ledger
	Transfers *stock.TransferProtocol
}

// NewServices wires every service over one store. clock may be nil for
// the system clock; m may be nil to disable metrics.
func NewServices(store core.Store, cfg config.Config, clock core.Clock, log *zap.Logger, m *metrics.Metrics) Services {
	if clock == nil {
		clock = core.SystemClock{}
	}
	log = logging.OrNop(log)

	opts := ledger.Options{
		Clock:                 clock,
		Logger:                log,
		Metrics:               m,
		CentsDiscountFloorUSD: cfg.Ledger.CentsDiscountFloorUSD,
		PaymentEpsilon:        cfg.Ledger.PaymentEpsilon,
		SequenceMaxAttempts:   cfg.Ledger.SequenceMaxAttempts,
	}
	rates := ledger.NewRateProvider(store, opts)
	stockLedger := stock.NewLedger(store, stock.Options{Clock: clock, Logger: log, Metrics: m})
	payments := ledger.NewPaymentAllocator(store, rates, opts)

	return Services{
		Ledger:   ledger.New(store, rates, stockLedger, payments, opts),
		Payments: payments,
		Rates:    rates,
		Stock:    stockLedger,
		Transfers: stock.NewTransferProtocol(store, stockLedger, rates, stock.TransferOptions{
			TTL:       cfg.Transfer.OTPTTL,
			OTPLength: cfg.Transfer.OTPLength,
			Clock:     clock,
			Logger:    log,
			Metrics:   m,
		}),
	}
}

// =============================================================================
// ROUTER
// =============================================================================

// RouterOptions configures the ambient parts of the router.
type RouterOptions struct {
	AllowedOrigins []string
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	// Gatherer backs /metrics; nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logging.OrNop(opts.Logger).Named("http"), opts.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Post("/", h.Checkout)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/status", h.ChangeOrderStatus)
		})

		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListInvoices)
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/payments", h.PayInvoice)
			r.Post("/{id}/credit", h.ApplyCredit)
			r.Post("/{id}/void", h.VoidInvoice)
		})

		r.Route("/customers", func(r chi.Router) {
			r.Post("/{id}/payments", h.CollectPayment)
			r.Get("/{id}/account", h.GetAccount)
		})

		r.Route("/rates", func(r chi.Router) {
			r.Get("/", h.ListRates)
			r.Post("/", h.SetRate)
			r.Get("/current", h.GetCurrentRate)
		})

		r.Route("/stock", func(r chi.Router) {
			r.Post("/receipts", h.ReceiveStock)
			r.Get("/{agentId}", h.GetStock)
			r.Get("/{agentId}/movements", h.ListMovements)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Post("/", h.CreateTransfer)
			r.Get("/{id}", h.GetTransfer)
			r.Post("/{id}/confirm", h.ConfirmTransfer)
			r.Post("/{id}/cancel", h.CancelTransfer)
		})

		r.Get("/agents/{id}/transfers", h.ListAgentTransfers)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// requestLogger logs one line per request and records request metrics
// under the matched route pattern, not the raw path.
func requestLogger(log *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unknown"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			m.ObserveRequest(r.Method, route, status, elapsed)

			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int("bytes_out", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
			}
			switch {
			case route == "/metrics":
				log.Debug("http request", fields...)
			case status >= http.StatusInternalServerError:
				log.Error("http request", fields...)
			default:
				log.Info("http request", fields...)
			}
		})
	}
}
