// Package quota enforces the daily and hourly send ceilings. Counters are
// persisted so limits survive restarts within the same window.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/repo"
)

const (
	dayLayout  = "2006-01-02"
	hourLayout = "2006-01-02T15"
)

// Tracker gates sends against the configured limits. A send claims its slot
// with Reserve before the message leaves, so no interleaving of concurrent
// attempts can push a window past its ceiling.
type Tracker struct {
	Repo   repo.Repo
	Config *config.Config

	mu sync.Mutex
}

func New(r repo.Repo, cfg *config.Config) *Tracker {
	return &Tracker{Repo: r, Config: cfg}
}

// Allow reports whether one more send fits under both windows at the given
// instant. Exceeding either window returns domain.ErrQuotaExceeded.
func (t *Tracker) Allow(ctx context.Context, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.check(ctx, now)
}

func (t *Tracker) check(ctx context.Context, now time.Time) error {
	now = now.UTC()
	daySent, err := t.Repo.GetQuotaCount(ctx, now.Format(dayLayout))
	if err != nil {
		return err
	}
	if daySent >= t.Config.Outreach.DailyLimit {
		return fmt.Errorf("daily limit %d reached: %w", t.Config.Outreach.DailyLimit, domain.ErrQuotaExceeded)
	}
	hourSent, err := t.Repo.GetQuotaCount(ctx, now.Format(hourLayout))
	if err != nil {
		return err
	}
	if hourSent >= t.Config.Outreach.HourlyLimit {
		return fmt.Errorf("hourly limit %d reached: %w", t.Config.Outreach.HourlyLimit, domain.ErrQuotaExceeded)
	}
	return nil
}

// Reserve claims one send slot in both windows. Check and increment happen
// under the same lock, so two racing senders can never both claim the last
// slot. A full window claims nothing and returns domain.ErrQuotaExceeded.
func (t *Tracker) Reserve(ctx context.Context, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(ctx, now); err != nil {
		return err
	}
	now = now.UTC()
	if err := t.Repo.IncrementQuota(ctx, now.Format(dayLayout)); err != nil {
		return err
	}
	return t.Repo.IncrementQuota(ctx, now.Format(hourLayout))
}

// Release returns a reserved slot after a send that never went out, so a
// failed attempt does not burn quota.
func (t *Tracker) Release(ctx context.Context, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now = now.UTC()
	if err := t.Repo.DecrementQuota(ctx, now.Format(dayLayout)); err != nil {
		return err
	}
	return t.Repo.DecrementQuota(ctx, now.Format(hourLayout))
}

// Remaining reports how many sends are left in the day window.
func (t *Tracker) Remaining(ctx context.Context, now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sent, err := t.Repo.GetQuotaCount(ctx, now.UTC().Format(dayLayout))
	if err != nil {
		return 0, err
	}
	left := t.Config.Outreach.DailyLimit - sent
	if left < 0 {
		left = 0
	}
	return left, nil
}
