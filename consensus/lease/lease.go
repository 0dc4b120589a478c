// Package lease implements the time-bounded exclusive access control (C4)
// that prevents concurrent workers from racing on the same asset's
// consensus-affecting rows (§3 invariant 5, §5 lease protocol).
package lease

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"validatorcore/consensus/ids"
	"validatorcore/consensus/store"
)

// ErrBusy is returned when an asset's lease is currently held by another
// worker. The worker-tick boundary (§4.2) treats this as Idle/Busy, not a
// fatal error.
var ErrBusy = errors.New("lease: asset is busy")

// Manager grants and releases per-asset leases backed by AssetState.blocked_until.
type Manager struct {
	db  *gorm.DB
	now func() time.Time
}

// NewManager constructs a lease Manager over the given database handle. now
// defaults to time.Now and is overridable for deterministic tests.
func NewManager(db *gorm.DB, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{db: db, now: now}
}

// Acquire succeeds iff blocked_until <= now, advancing blocked_until to
// now+ttl in the same atomic compare-and-set. It returns ErrBusy (not a
// fatal error) if another worker currently holds the lease.
func (m *Manager) Acquire(ctx context.Context, asset ids.AssetID, ttl time.Duration) error {
	now := m.now().UTC()
	expiry := now.Add(ttl)
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var head store.AssetState
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&head, "asset_id = ?", asset).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		if head.BlockedUntil.After(now) {
			return ErrBusy
		}
		res := tx.Model(&store.AssetState{}).
			Where("asset_id = ? AND blocked_until <= ?", asset, now).
			Updates(map[string]any{"blocked_until": expiry, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrBusy
		}
		return nil
	})
	return err
}

// Release sets blocked_until to the current time, permitting the next
// acquirer in. Crashed workers implicitly release via lease expiry, so
// Release is an optimization, not a correctness requirement.
func (m *Manager) Release(ctx context.Context, asset ids.AssetID) error {
	now := m.now().UTC()
	return m.db.WithContext(ctx).Model(&store.AssetState{}).
		Where("asset_id = ?", asset).
		Updates(map[string]any{"blocked_until": now, "updated_at": now}).Error
}
