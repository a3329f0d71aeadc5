package app

import (
	"context"
	"fmt"

	"github.com/cdesk/warehouse-gateway/internal/domain"
	"github.com/cdesk/warehouse-gateway/internal/service/eventqueue"
)

// AccountStatuser is the minimal vault surface readiness needs.
type AccountStatuser interface {
	Statuses() []domain.AccountStatus
}

// QueueHealther is the minimal event queue surface readiness needs.
type QueueHealther interface {
	Health() eventqueue.Health
}

// BuildReadinessChecks returns the three /readyz probes: vault loaded,
// at least one account available for dispatch, and the event queue
// accepting writes.
func BuildReadinessChecks(vault AccountStatuser, queue QueueHealther) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	vaultCheck := func(_ context.Context) error {
		if vault == nil {
			return fmt.Errorf("vault not configured")
		}
		if len(vault.Statuses()) == 0 {
			return fmt.Errorf("vault holds no accounts")
		}
		return nil
	}
	accountsCheck := func(_ context.Context) error {
		if vault == nil {
			return fmt.Errorf("vault not configured")
		}
		for _, st := range vault.Statuses() {
			if st.IsActive && !st.InCooldown {
				return nil
			}
		}
		return domain.ErrNoAccountsAvailable
	}
	queueCheck := func(_ context.Context) error {
		if queue == nil {
			return fmt.Errorf("event queue not configured")
		}
		h := queue.Health()
		if !h.Writable {
			return fmt.Errorf("event queue not writable")
		}
		if h.Degraded {
			return fmt.Errorf("event queue degraded after %d write errors", h.WriteErrors)
		}
		return nil
	}
	return vaultCheck, accountsCheck, queueCheck
}
