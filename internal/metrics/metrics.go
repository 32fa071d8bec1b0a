// Package metrics registers the engine's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing, which keeps pure-logic tests quiet.
type Metrics struct {
	matchesTotal          *prometheus.CounterVec
	exceptionsTotal       *prometheus.CounterVec
	exceptionsAutoTotal   *prometheus.CounterVec
	duplicatesTotal       prometheus.Counter
	approvalDecisionsTotal *prometheus.CounterVec
	rulePublishesTotal    prometheus.Counter
	touchlessTotal        prometheus.Counter
}

// New creates and registers all metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		matchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ap_engine_matches_total",
			Help: "Match computations by match type and verdict",
		}, []string{"match_type", "status"}),
		exceptionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ap_engine_exceptions_total",
			Help: "Exceptions raised by code",
		}, []string{"code"}),
		exceptionsAutoTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ap_engine_exceptions_auto_resolved_total",
			Help: "Exceptions auto-resolved by the system, by code",
		}, []string{"code"}),
		duplicatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ap_engine_duplicates_detected_total",
			Help: "Invoices short-circuited by the duplicate detector",
		}),
		approvalDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ap_engine_approval_decisions_total",
			Help: "Approval decisions recorded by outcome and channel",
		}, []string{"outcome", "channel"}),
		rulePublishesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ap_engine_rule_publishes_total",
			Help: "Rule versions published",
		}),
		touchlessTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ap_engine_touchless_approvals_total",
			Help: "Invoices system-approved with no human involvement",
		}),
	}
}

// MatchComputed records one match verdict.
func (m *Metrics) MatchComputed(matchType, status string) {
	if m == nil {
		return
	}
	m.matchesTotal.WithLabelValues(matchType, status).Inc()
}

// ExceptionRaised records one raised exception.
func (m *Metrics) ExceptionRaised(code string) {
	if m == nil {
		return
	}
	m.exceptionsTotal.WithLabelValues(code).Inc()
}

// ExceptionAutoResolved records one system-resolved exception.
func (m *Metrics) ExceptionAutoResolved(code string) {
	if m == nil {
		return
	}
	m.exceptionsAutoTotal.WithLabelValues(code).Inc()
}

// DuplicateDetected records one duplicate short-circuit.
func (m *Metrics) DuplicateDetected() {
	if m == nil {
		return
	}
	m.duplicatesTotal.Inc()
}

// ApprovalDecision records one approval decision.
func (m *Metrics) ApprovalDecision(outcome, channel string) {
	if m == nil {
		return
	}
	m.approvalDecisionsTotal.WithLabelValues(outcome, channel).Inc()
}

// RulePublished records one rule version publish.
func (m *Metrics) RulePublished() {
	if m == nil {
		return
	}
	m.rulePublishesTotal.Inc()
}

// TouchlessApproval records one touchless system approval.
func (m *Metrics) TouchlessApproval() {
	if m == nil {
		return
	}
	m.touchlessTotal.Inc()
}
