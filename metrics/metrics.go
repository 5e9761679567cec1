// Package metrics exposes Prometheus counters for ledger and stock activity.
// All methods are safe on a nil *Metrics so services can run without them.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const namespace = "van_ledger"

type Metrics struct {
	ordersCreated      *prometheus.CounterVec
	invoicesIssued     prometheus.Counter
	centsDiscounts     prometheus.Counter
	paymentsRecorded   *prometheus.CounterVec
	creditAddedLBP     prometheus.Counter
	transfersCompleted *prometheus.CounterVec
	stockRejections    prometheus.Counter
	domainErrors       *prometheus.CounterVec
	rateAge            prometheus.Gauge
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New creates the counters and registers them with registerer.
// A nil registerer uses prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ordersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Orders created, by kind.",
		}, []string{"kind"}),
		invoicesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_issued_total",
			Help:      "Invoices issued.",
		}),
		centsDiscounts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cents_discounts_total",
			Help:      "Invoices issued with a waived cents remainder.",
		}),
		paymentsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_recorded_total",
			Help:      "Payment rows recorded, by method.",
		}, []string{"method"}),
		creditAddedLBP: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "customer_credit_added_lbp_total",
			Help:      "Overpayment turned into customer credit, in LBP.",
		}),
		transfersCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_transfers_completed_total",
			Help:      "Stock transfers applied after both confirmations, by direction.",
		}, []string{"direction"}),
		stockRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_debits_rejected_total",
			Help:      "Stock debits refused for insufficient quantity.",
		}),
		domainErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_errors_total",
			Help:      "Rejected operations, by operation and error kind.",
		}, []string{"operation", "kind"}),
		rateAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exchange_rate_age_seconds",
			Help:      "Age of the active USD to LBP rate; -1 when none is configured.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	registerer.MustRegister(
		m.ordersCreated,
		m.invoicesIssued,
		m.centsDiscounts,
		m.paymentsRecorded,
		m.creditAddedLBP,
		m.transfersCompleted,
		m.stockRejections,
		m.domainErrors,
		m.rateAge,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) OrderCreated(kind string) {
	if m == nil {
		return
	}
	m.ordersCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) InvoiceIssued(discounted bool) {
	if m == nil {
		return
	}
	m.invoicesIssued.Inc()
	if discounted {
		m.centsDiscounts.Inc()
	}
}

func (m *Metrics) PaymentRecorded(method string) {
	if m == nil {
		return
	}
	m.paymentsRecorded.WithLabelValues(method).Inc()
}

func (m *Metrics) CreditAdded(lbp decimal.Decimal) {
	if m == nil || !lbp.IsPositive() {
		return
	}
	m.creditAddedLBP.Add(lbp.InexactFloat64())
}

func (m *Metrics) TransferCompleted(direction string) {
	if m == nil {
		return
	}
	m.transfersCompleted.WithLabelValues(direction).Inc()
}

func (m *Metrics) StockRejected() {
	if m == nil {
		return
	}
	m.stockRejections.Inc()
}

// DomainError counts a rejected operation. kind comes from core.Kind.
func (m *Metrics) DomainError(operation, kind string) {
	if m == nil {
		return
	}
	m.domainErrors.WithLabelValues(operation, kind).Inc()
}

// RateAge records how old the active exchange rate is. ok=false means no
// rate is configured.
func (m *Metrics) RateAge(age time.Duration, ok bool) {
	if m == nil {
		return
	}
	if !ok {
		m.rateAge.Set(-1)
		return
	}
	m.rateAge.Set(age.Seconds())
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
