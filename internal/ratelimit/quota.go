package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chessmirror/chessmirror/internal/persistence"
)

// Tier of the requesting tenant.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
	TierPaid      Tier = "paid"
)

// Decision is the quota verdict returned to the boundary. Denials carry
// enough detail for a useful 429 body.
type Decision struct {
	Allowed       bool    `json:"allowed"`
	Limit         int     `json:"limit"`
	CurrentUsage  int     `json:"current_usage"`
	Remaining     int     `json:"remaining"`
	ResetsInHours float64 `json:"resets_in_hours"`
	FailOpen      bool    `json:"fail_open,omitempty"`
}

// Quota enforces per-tenant analysis allowances: anonymous IPs get a
// rolling 24h window, free accounts a rolling 30-day window, paid
// accounts pass through. When the backing store is unavailable the
// check fails open so an outage never denies service.
type Quota struct {
	usage        persistence.UsageRepo
	anonDaily    int
	freeMonthly  int
	now          func() time.Time
}

// NewQuota creates a quota enforcer over the usage store.
func NewQuota(usage persistence.UsageRepo, anonDailyCap, freeMonthlyCap int) *Quota {
	return &Quota{
		usage:       usage,
		anonDaily:   anonDailyCap,
		freeMonthly: freeMonthlyCap,
		now:         time.Now,
	}
}

const (
	anonWindow = 24 * time.Hour
	freeWindow = 30 * 24 * time.Hour
)

// Check returns the admission decision for one analysis request.
// identity is the client IP for anonymous tenants and the canonical
// user ID otherwise.
func (q *Quota) Check(ctx context.Context, tier Tier, identity string) Decision {
	switch tier {
	case TierPaid:
		return Decision{Allowed: true, Limit: math.MaxInt32, Remaining: math.MaxInt32}
	case TierFree:
		return q.windowed(ctx, identity, q.freeMonthly, freeWindow, false)
	default:
		return q.windowed(ctx, identity, q.anonDaily, anonWindow, true)
	}
}

// Record charges one analysis against the tenant's window. Failures are
// logged, not surfaced: quota writes resume when the store recovers.
func (q *Quota) Record(ctx context.Context, tier Tier, identity string) {
	var err error
	switch tier {
	case TierPaid:
		return
	case TierFree:
		err = q.usage.RecordAuthenticated(ctx, identity)
	default:
		err = q.usage.RecordAnonymous(ctx, identity)
	}
	if err != nil {
		log.Warn().Str("tier", string(tier)).Str("identity", identity).Err(err).
			Msg("Failed to record quota usage")
	}
}

func (q *Quota) windowed(ctx context.Context, identity string, limit int, window time.Duration, anonymous bool) Decision {
	now := q.now()
	since := now.Add(-window)

	var used int
	var err error
	if anonymous {
		used, err = q.usage.CountAnonymous(ctx, identity, since)
	} else {
		used, err = q.usage.CountAuthenticated(ctx, identity, since)
	}
	if err != nil {
		// Fail open: a limiter outage must not become a service outage.
		log.Warn().Str("identity", identity).Err(err).
			Msg("Quota backend unavailable, failing open")
		return Decision{Allowed: true, Limit: limit, FailOpen: true}
	}

	decision := Decision{
		Allowed:      used < limit,
		Limit:        limit,
		CurrentUsage: used,
		Remaining:    max(limit-used, 0),
	}

	// Capacity returns when the oldest in-window use ages out.
	if used > 0 {
		var oldest *time.Time
		if anonymous {
			oldest, err = q.usage.OldestAnonymous(ctx, identity, since)
		} else {
			oldest, err = q.usage.OldestAuthenticated(ctx, identity, since)
		}
		if err == nil && oldest != nil {
			resets := oldest.Add(window).Sub(now)
			decision.ResetsInHours = math.Max(resets.Hours(), 0)
		}
	}
	return decision
}
