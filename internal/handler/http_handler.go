package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/repository"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/service"
)

// AuditReplayer reads back the append-only audit trail for one entity.
type AuditReplayer interface {
	ReplayForEntity(ctx context.Context, entityType, entityID string) ([]*repository.AuditLogEntry, error)
}

// MatchResultLister lists historical match results for an invoice.
type MatchResultLister interface {
	ListByInvoice(ctx context.Context, invoiceID string) ([]*repository.MatchResult, error)
}

// HTTPHandler handles HTTP requests for the reconciliation service.
type HTTPHandler struct {
	matcher    *service.MatchService
	exceptions *service.ExceptionManager
	approvals  *service.ApprovalRouter
	rules      *service.RulesService
	results    MatchResultLister
	audit      AuditReplayer
	log        zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	matcher *service.MatchService,
	exceptions *service.ExceptionManager,
	approvals *service.ApprovalRouter,
	rules *service.RulesService,
	results MatchResultLister,
	audit AuditReplayer,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		matcher:    matcher,
		exceptions: exceptions,
		approvals:  approvals,
		rules:      rules,
		results:    results,
		audit:      audit,
		log:        log,
	}
}

// Router builds the service's chi router.
func (h *HTTPHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/invoices/{invoiceID}", func(r chi.Router) {
			r.Post("/match", h.MatchInvoice)
			r.Get("/match-results", h.ListMatchResults)
			r.Get("/exceptions", h.ListInvoiceExceptions)
			r.Get("/approvals", h.ListInvoiceApprovals)
		})

		r.Route("/exceptions", func(r chi.Router) {
			r.Get("/", h.ListExceptionQueue)
			r.Post("/{exceptionID}/transition", h.TransitionException)
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/pending", h.ListPendingApprovals)
			r.Post("/{taskID}/decision", h.DecideApproval)
			r.Post("/{taskID}/delegate", h.DelegateApproval)
			r.Post("/token", h.DecideByToken)
			r.Get("/token", h.DecideByTokenLink)
		})

		r.Route("/rule-versions", func(r chi.Router) {
			r.Post("/", h.CreateRuleVersion)
			r.Get("/", h.ListRuleVersions)
			r.Get("/{versionID}", h.GetRuleVersion)
			r.Post("/{versionID}/submit", h.SubmitRuleVersion)
			r.Post("/{versionID}/publish", h.PublishRuleVersion)
		})

		r.Get("/audit/{entityType}/{entityID}", h.ReplayAudit)
	})

	return r
}

// ── invoices ──

// MatchInvoice runs the full reconciliation pipeline for one invoice.
func (h *HTTPHandler) MatchInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID := chi.URLParam(r, "invoiceID")
	if invoiceID == "" {
		h.writeError(w, r, errors.InvalidInput("invoiceID", "invoice ID is required"))
		return
	}

	result, err := h.matcher.ProcessInvoice(r.Context(), invoiceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if result == nil {
		// The pipeline short-circuited on a duplicate; the exception
		// carries the detail.
		h.writeJSON(w, http.StatusOK, map[string]string{
			"invoice_id": invoiceID,
			"outcome":    "duplicate_suspected",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// ListMatchResults returns all match runs for an invoice, newest first.
func (h *HTTPHandler) ListMatchResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.results.ListByInvoice(r.Context(), chi.URLParam(r, "invoiceID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// ── exceptions ──

// ListInvoiceExceptions returns all exceptions attached to an invoice.
func (h *HTTPHandler) ListInvoiceExceptions(w http.ResponseWriter, r *http.Request) {
	records, err := h.exceptions.ListForInvoice(r.Context(), chi.URLParam(r, "invoiceID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"exceptions": records})
}

// ListExceptionQueue returns the exception work queue filtered by status.
func (h *HTTPHandler) ListExceptionQueue(w http.ResponseWriter, r *http.Request) {
	status := repository.ExceptionStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = repository.ExceptionOpen
	}

	records, err := h.exceptions.ListQueue(r.Context(), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"exceptions": records})
}

// TransitionException moves an exception through its workflow.
func (h *HTTPHandler) TransitionException(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status  string  `json:"status"`
		ActedBy string  `json:"acted_by"`
		Note    *string `json:"note,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	if req.ActedBy == "" {
		h.writeError(w, r, errors.InvalidInput("acted_by", "acting user is required"))
		return
	}

	err := h.exceptions.Transition(r.Context(), chi.URLParam(r, "exceptionID"),
		repository.ExceptionStatus(req.Status), req.ActedBy, req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

// ── approvals ──

// ListInvoiceApprovals returns an invoice's approval chain in step order.
func (h *HTTPHandler) ListInvoiceApprovals(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.approvals.ChainForInvoice(r.Context(), chi.URLParam(r, "invoiceID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// ListPendingApprovals returns tasks awaiting a given approver.
func (h *HTTPHandler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	approverID := r.URL.Query().Get("approver_id")
	if approverID == "" {
		h.writeError(w, r, errors.InvalidInput("approver_id", "approver ID is required"))
		return
	}

	tasks, err := h.approvals.PendingForApprover(r.Context(), approverID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// DecideApproval records an approve or reject decision through the web
// channel.
func (h *HTTPHandler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApproverID string  `json:"approver_id"`
		Approve    bool    `json:"approve"`
		Note       *string `json:"note,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	if req.ApproverID == "" {
		h.writeError(w, r, errors.InvalidInput("approver_id", "approver ID is required"))
		return
	}

	if err := h.approvals.Decide(r.Context(), chi.URLParam(r, "taskID"), req.ApproverID, req.Approve, req.Note); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"recorded": true})
}

// DecideByToken records a decision carried by an email action token.
// The token is single use; replays and expired tokens are rejected.
func (h *HTTPHandler) DecideByToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token   string  `json:"token"`
		Approve bool    `json:"approve"`
		Note    *string `json:"note,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	if req.Token == "" {
		h.writeError(w, r, errors.InvalidInput("token", "action token is required"))
		return
	}

	if err := h.approvals.DecideByToken(r.Context(), req.Token, req.Approve, req.Note); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"recorded": true})
}

// DecideByTokenLink handles the link clicked from a notification email.
// The token rides in the t query parameter and the decision in approve.
func (h *HTTPHandler) DecideByTokenLink(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("t")
	if token == "" {
		h.writeError(w, r, errors.InvalidInput("t", "action token is required"))
		return
	}
	approve := r.URL.Query().Get("approve") == "true"

	if err := h.approvals.DecideByToken(r.Context(), token, approve, nil); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"recorded": true})
}

// DelegateApproval hands a pending task to another approver.
func (h *HTTPHandler) DelegateApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DelegatedBy string `json:"delegated_by"`
		DelegatedTo string `json:"delegated_to"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	if req.DelegatedTo == "" {
		h.writeError(w, r, errors.InvalidInput("delegated_to", "delegate is required"))
		return
	}

	err := h.approvals.Delegate(r.Context(), chi.URLParam(r, "taskID"),
		req.DelegatedBy, req.DelegatedTo, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"delegated_to": req.DelegatedTo})
}

// ── rule versions ──

// CreateRuleVersion creates a new draft tolerance rule version.
func (h *HTTPHandler) CreateRuleVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload   repository.RulePayload `json:"payload"`
		CreatedBy string                 `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}

	rv, err := h.rules.CreateDraft(r.Context(), req.Payload, req.CreatedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rv)
}

// ListRuleVersions lists all rule versions, newest first.
func (h *HTTPHandler) ListRuleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.rules.ListVersions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}

// GetRuleVersion returns one rule version by ID.
func (h *HTTPHandler) GetRuleVersion(w http.ResponseWriter, r *http.Request) {
	rv, err := h.rules.GetVersion(r.Context(), chi.URLParam(r, "versionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rv)
}

// SubmitRuleVersion moves a draft version into review.
func (h *HTTPHandler) SubmitRuleVersion(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.SubmitForReview(r.Context(), chi.URLParam(r, "versionID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "in_review"})
}

// PublishRuleVersion publishes an in-review version, archiving the
// previously published one.
func (h *HTTPHandler) PublishRuleVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublishedBy string `json:"published_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}

	rv, err := h.rules.Publish(r.Context(), chi.URLParam(r, "versionID"), req.PublishedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rv)
}

// ── audit ──

// ReplayAudit returns the audit trail for one entity in append order.
func (h *HTTPHandler) ReplayAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.ReplayForEntity(r.Context(),
		chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// Health reports service liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── helpers ──

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response body")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"code":  string(errors.Code(err)),
		"error": err.Error(),
	})
}
