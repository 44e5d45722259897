package admission

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/connectica/enrichd/internal/domain/audit"
	"github.com/connectica/enrichd/internal/domain/serviceconfig"
)

// Outcome classifies an admission decision. Callers need the three-way
// distinction for accurate user-facing messages.
type Outcome string

const (
	OutcomeFull     Outcome = "full"
	OutcomePartial  Outcome = "partial"
	OutcomeRejected Outcome = "rejected"
)

// Reasons are fixed strings; the HTTP layer maps them to messages.
const (
	ReasonCountNotPositive  = "count must be positive"
	ReasonExceedsBatchLimit = "exceeds max batch size"
	ReasonServiceDisabled   = "service disabled"
	ReasonNoEligible        = "no eligible entities"
	ReasonClamped           = "clamped to availability"
	ReasonQuotaExhausted    = "quota exhausted"
	ReasonQuotaClamped      = "clamped to remaining quota"
	ReasonCooldownActive    = "rate limit cooldown active"
	ReasonUnknownService    = "unknown service"
)

// CooldownWindow is how long a rate-limit signal blocks all admissions.
const CooldownWindow = 2 * time.Hour

// QuotaLookback is the trailing window over which vendor calls are counted.
const QuotaLookback = 24 * time.Hour

// Decision is the result of an admission request.
type Decision struct {
	Allowed int     `json:"allowed"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

func rejected(reason string) Decision {
	return Decision{Allowed: 0, Outcome: OutcomeRejected, Reason: reason}
}

// Controller validates batch requests against configuration, pool size, and
// vendor quota before any work is created.
type Controller struct {
	registry *serviceconfig.Registry
	store    audit.Store
	logger   *zap.Logger
}

func NewController(registry *serviceconfig.Registry, store audit.Store, logger *zap.Logger) *Controller {
	return &Controller{
		registry: registry,
		store:    store,
		logger:   logger.Named("admission.controller"),
	}
}

// Admit applies the admission rules in order; the first failing rule wins.
// Rejections are returned as decisions, not errors: "no work available" is
// routine, not exceptional.
func (c *Controller) Admit(ctx context.Context, serviceName string, requested, poolSize int) (Decision, error) {
	descriptor, err := c.registry.Lookup(serviceName)
	if err != nil {
		if errors.Is(err, serviceconfig.ErrUnknownService) {
			return rejected(ReasonUnknownService), nil
		}
		return Decision{}, err
	}

	if requested <= 0 {
		return rejected(ReasonCountNotPositive), nil
	}
	if requested > descriptor.EffectiveBatchLimit() {
		return rejected(ReasonExceedsBatchLimit), nil
	}
	if !descriptor.Active {
		return rejected(ReasonServiceDisabled), nil
	}
	if poolSize == 0 {
		return rejected(ReasonNoEligible), nil
	}

	allowed := requested
	outcome := OutcomeFull
	reason := ""
	if requested > poolSize {
		allowed = poolSize
		outcome = OutcomePartial
		reason = ReasonClamped
	}

	if descriptor.QuotaGoverned {
		quotaDecision, err := c.applyQuota(ctx, descriptor, allowed)
		if err != nil {
			return Decision{}, err
		}
		if quotaDecision.Outcome == OutcomeRejected {
			return quotaDecision, nil
		}
		if quotaDecision.Allowed < allowed {
			allowed = quotaDecision.Allowed
			outcome = OutcomePartial
			reason = quotaDecision.Reason
		}
	}

	return Decision{Allowed: allowed, Outcome: outcome, Reason: reason}, nil
}

// applyQuota enforces the vendor budget. The cooldown rule takes precedence
// over quota arithmetic: a recent rate-limit signal rejects outright even
// when raw quota would allow the batch.
func (c *Controller) applyQuota(ctx context.Context, d serviceconfig.Descriptor, requested int) (Decision, error) {
	lastLimited, err := c.store.LastRateLimitedAt(ctx, d.ServiceName)
	if err != nil {
		return Decision{}, err
	}
	if lastLimited != nil && time.Since(*lastLimited) < CooldownWindow {
		c.logger.Info("admission_cooldown_active",
			zap.String("service", d.ServiceName),
			zap.Time("last_rate_limited_at", *lastLimited),
		)
		return rejected(ReasonCooldownActive), nil
	}

	remaining, err := c.remainingQuota(ctx, d)
	if err != nil {
		return Decision{}, err
	}

	callsPerUnit := int64(d.EffectiveCallsPerUnit())
	estimate := int64(requested) * callsPerUnit
	if estimate <= remaining {
		return Decision{Allowed: requested, Outcome: OutcomeFull}, nil
	}

	fit := int(remaining / callsPerUnit)
	if fit <= 0 {
		return rejected(ReasonQuotaExhausted), nil
	}
	return Decision{Allowed: fit, Outcome: OutcomePartial, Reason: ReasonQuotaClamped}, nil
}

// remainingQuota derives the budget from audit history rather than a mutable
// counter; the audit store is always the source of truth.
func (c *Controller) remainingQuota(ctx context.Context, d serviceconfig.Descriptor) (int64, error) {
	since := time.Now().UTC().Add(-QuotaLookback)
	completed, err := c.store.CountByStatusSince(ctx, d.ServiceName,
		[]audit.Status{audit.StatusSuccess, audit.StatusRateLimited}, since)
	if err != nil {
		return 0, err
	}

	callsMade := completed * int64(d.EffectiveCallsPerUnit())
	remaining := d.DailyQuota - d.SafetyBuffer - callsMade
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
