// Package metrics exposes prometheus counters for the billing pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Billing tracks order transitions, credit writes and processor traffic.
// A nil *Billing is valid and records nothing.
type Billing struct {
	transitions     *prometheus.CounterVec
	credits         *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	amountMismatch  prometheus.Counter
	numberConflicts prometheus.Counter
	processorErrors *prometheus.CounterVec
	reconciled      *prometheus.CounterVec
	latePayments    *prometheus.CounterVec
}

var (
	defaultBilling     *Billing
	defaultBillingOnce sync.Once
)

// NewBilling builds a Billing recorder on the default registry.
func NewBilling() *Billing {
	defaultBillingOnce.Do(func() {
		defaultBilling = NewBillingWithRegisterer(prometheus.DefaultRegisterer)
	})
	return defaultBilling
}

// NewBillingWithRegisterer allows tests to provide a dedicated registry.
func NewBillingWithRegisterer(reg prometheus.Registerer) *Billing {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Billing{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcfprep",
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Order status transitions by source and target status",
		}, []string{"from", "to"}),
		credits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcfprep",
			Subsystem: "credits",
			Name:      "writes_total",
			Help:      "Balance writes by policy and whether the balance changed",
		}, []string{"policy", "outcome"}),
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcfprep",
			Subsystem: "payments",
			Name:      "webhook_events_total",
			Help:      "Payment processor webhook deliveries by event type and outcome",
		}, []string{"type", "outcome"}),
		amountMismatch: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tcfprep",
			Subsystem: "payments",
			Name:      "amount_mismatch_total",
			Help:      "Checkout sessions whose total differed from the order amount",
		}),
		numberConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tcfprep",
			Subsystem: "orders",
			Name:      "number_conflicts_total",
			Help:      "Order number allocations retried after a unique-key conflict",
		}),
		processorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcfprep",
			Subsystem: "payments",
			Name:      "processor_errors_total",
			Help:      "Failed calls to the payment processor by operation",
		}, []string{"operation"}),
		reconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcfprep",
			Subsystem: "orders",
			Name:      "reconciled_total",
			Help:      "Pending orders examined by the reconciler by outcome",
		}, []string{"outcome"}),
		latePayments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcfprep",
			Subsystem: "payments",
			Name:      "late_payments_total",
			Help:      "Paid checkouts that arrived for an already cancelled order, by outcome",
		}, []string{"outcome"}),
	}
}

func (b *Billing) Transition(from, to string) {
	if b == nil {
		return
	}
	b.transitions.WithLabelValues(from, to).Inc()
}

func (b *Billing) CreditWrite(policy string, changed bool) {
	if b == nil {
		return
	}
	outcome := "unchanged"
	if changed {
		outcome = "changed"
	}
	b.credits.WithLabelValues(policy, outcome).Inc()
}

func (b *Billing) WebhookEvent(eventType, outcome string) {
	if b == nil {
		return
	}
	b.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (b *Billing) AmountMismatch() {
	if b == nil {
		return
	}
	b.amountMismatch.Inc()
}

func (b *Billing) NumberConflict() {
	if b == nil {
		return
	}
	b.numberConflicts.Inc()
}

func (b *Billing) ProcessorError(operation string) {
	if b == nil {
		return
	}
	b.processorErrors.WithLabelValues(operation).Inc()
}

func (b *Billing) Reconciled(outcome string) {
	if b == nil {
		return
	}
	b.reconciled.WithLabelValues(outcome).Inc()
}

func (b *Billing) LatePayment(outcome string) {
	if b == nil {
		return
	}
	b.latePayments.WithLabelValues(outcome).Inc()
}
