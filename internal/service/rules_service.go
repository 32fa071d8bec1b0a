package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/repository"
)

// RuleVersionStore is the persistence surface the rules service needs.
type RuleVersionStore interface {
	CreateDraft(ctx context.Context, payload repository.RulePayload, createdBy string) (*repository.RuleVersion, error)
	GetByID(ctx context.Context, id string) (*repository.RuleVersion, error)
	GetActive(ctx context.Context) (*repository.RuleVersion, error)
	List(ctx context.Context) ([]*repository.RuleVersion, error)
	SubmitForReview(ctx context.Context, id string) error
	Publish(ctx context.Context, id string) (*repository.RuleVersion, error)
}

// RuleVersionProvider hands out the currently active rule version. The
// engine reads it on every match, so implementations must be cheap;
// Invalidate is called synchronously on publish so subsequently-started
// matches see the new version.
type RuleVersionProvider interface {
	Active(ctx context.Context) (*repository.RuleVersion, error)
	Invalidate()
}

// CachedRuleProvider is a process-wide read-mostly cache over the store.
type CachedRuleProvider struct {
	store RuleVersionStore

	mu     sync.RWMutex
	cached *repository.RuleVersion
}

// NewCachedRuleProvider creates an empty provider. Call Load at startup.
func NewCachedRuleProvider(store RuleVersionStore) *CachedRuleProvider {
	return &CachedRuleProvider{store: store}
}

// Load primes the cache from the store.
func (p *CachedRuleProvider) Load(ctx context.Context) error {
	rv, err := p.store.GetActive(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cached = rv
	p.mu.Unlock()
	return nil
}

// Active returns the cached published version, loading it on first use.
func (p *CachedRuleProvider) Active(ctx context.Context) (*repository.RuleVersion, error) {
	p.mu.RLock()
	rv := p.cached
	p.mu.RUnlock()
	if rv != nil {
		return rv, nil
	}

	if err := p.Load(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cached, nil
}

// Invalidate drops the cached version so the next Active call reloads.
func (p *CachedRuleProvider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

// ── Rules service ────────────────────────────────────────────────────────────

// RulesService owns the rule version lifecycle and the publish hook that
// keeps the provider cache coherent.
type RulesService struct {
	store    RuleVersionStore
	provider RuleVersionProvider
	audit    AuditAppender
	log      zerolog.Logger
}

// NewRulesService creates a new RulesService.
func NewRulesService(store RuleVersionStore, provider RuleVersionProvider, audit AuditAppender, log zerolog.Logger) *RulesService {
	return &RulesService{store: store, provider: provider, audit: audit, log: log}
}

// CreateDraft validates and stores a new draft rule version.
func (s *RulesService) CreateDraft(ctx context.Context, payload repository.RulePayload, createdBy string) (*repository.RuleVersion, error) {
	if payload.DuplicateWindowDays <= 0 {
		payload.DuplicateWindowDays = 7
	}
	if payload.AutoApproveThreshold < 0 {
		return nil, errors.InvalidInput("auto_approve_threshold", "threshold cannot be negative")
	}
	if !hasGlobalDefault(payload.Tolerances) {
		return nil, errors.InvalidInput("tolerances", "rule set must contain a global default tolerance")
	}

	rv, err := s.store.CreateDraft(ctx, payload, createdBy)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("rule_version_id", rv.ID).
		Int("version", rv.Version).
		Str("created_by", createdBy).
		Msg("Rule version draft created")

	return rv, nil
}

// SubmitForReview moves a draft into in_review.
func (s *RulesService) SubmitForReview(ctx context.Context, id string) error {
	return s.store.SubmitForReview(ctx, id)
}

// GetVersion returns one rule version.
func (s *RulesService) GetVersion(ctx context.Context, id string) (*repository.RuleVersion, error) {
	return s.store.GetByID(ctx, id)
}

// ListVersions returns all versions, newest first.
func (s *RulesService) ListVersions(ctx context.Context) ([]*repository.RuleVersion, error) {
	return s.store.List(ctx)
}

// Publish publishes an in_review version, archiving the prior one, then
// invalidates the provider cache before returning so the swap is visible
// to every subsequently-started match.
func (s *RulesService) Publish(ctx context.Context, id, publishedBy string) (*repository.RuleVersion, error) {
	before, _ := s.store.GetActive(ctx)

	rv, err := s.store.Publish(ctx, id)
	if err != nil {
		return nil, err
	}

	s.provider.Invalidate()

	var beforeSnap json.RawMessage
	if before != nil {
		beforeSnap, _ = json.Marshal(map[string]any{"id": before.ID, "version": before.Version})
	}
	afterSnap, _ := json.Marshal(map[string]any{"id": rv.ID, "version": rv.Version})

	s.appendAudit(ctx, &repository.AuditLogEntry{
		EntityType: "rule_version",
		EntityID:   rv.ID,
		ActorType:  repository.ActorUser,
		ActorID:    publishedBy,
		Action:     "published",
		Before:     beforeSnap,
		After:      afterSnap,
	})

	s.log.Info().
		Str("rule_version_id", rv.ID).
		Int("version", rv.Version).
		Str("published_by", publishedBy).
		Msg("Rule version published")

	return rv, nil
}

func (s *RulesService) appendAudit(ctx context.Context, entry *repository.AuditLogEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("entity_id", entry.EntityID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

// ── Tolerance resolution ─────────────────────────────────────────────────────

// ResolveTolerance picks the applicable tolerance for a vendor/category
// pair from a rule version. First match wins in priority order: exact
// vendor+category, vendor-only, category-only, global default. A rule set
// without a global default is a fatal misconfiguration.
func ResolveTolerance(rv *repository.RuleVersion, vendorID string, category *string) (repository.AppliedTolerance, error) {
	rules := rv.Payload.Tolerances

	if category != nil {
		if t, ok := findTolerance(rules, func(r repository.ToleranceRule) bool {
			return r.VendorID != nil && *r.VendorID == vendorID &&
				r.Category != nil && *r.Category == *category
		}); ok {
			return t, nil
		}
	}

	if t, ok := findTolerance(rules, func(r repository.ToleranceRule) bool {
		return r.VendorID != nil && *r.VendorID == vendorID && r.Category == nil
	}); ok {
		return t, nil
	}

	if category != nil {
		if t, ok := findTolerance(rules, func(r repository.ToleranceRule) bool {
			return r.VendorID == nil && r.Category != nil && *r.Category == *category
		}); ok {
			return t, nil
		}
	}

	if t, ok := findTolerance(rules, func(r repository.ToleranceRule) bool {
		return r.VendorID == nil && r.Category == nil
	}); ok {
		return t, nil
	}

	return repository.AppliedTolerance{}, errors.Configuration(
		fmt.Sprintf("rule version %d has no default tolerance rule", rv.Version))
}

// findTolerance returns the first rule in list order satisfying the
// predicate; within one specificity tier, list order decides.
func findTolerance(rules []repository.ToleranceRule, match func(repository.ToleranceRule) bool) (repository.AppliedTolerance, bool) {
	for _, r := range rules {
		if match(r) {
			return repository.AppliedTolerance{
				PricePct:    r.PricePct,
				PriceAbsCap: r.PriceAbsCap,
				QtyPct:      r.QtyPct,
			}, true
		}
	}
	return repository.AppliedTolerance{}, false
}

func hasGlobalDefault(rules []repository.ToleranceRule) bool {
	for _, r := range rules {
		if r.VendorID == nil && r.Category == nil {
			return true
		}
	}
	return false
}
