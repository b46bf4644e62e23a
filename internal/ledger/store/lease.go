package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease takes or renews the named sweep lease for holder until
// expiresAt. It fails without error when another holder's lease is live.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, now, expiresAt time.Time) (bool, error) {
	n, err := s.db.Exec(ctx, `
		UPDATE sweep_leases
		SET holder = $1, expires_at = $2
		WHERE name = $3 AND (holder = $1 OR expires_at < $4)
	`, holder, ts(expiresAt), name, ts(now))
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	if n > 0 {
		return true, nil
	}

	// The lease row is seeded by migrations; create it if an operator removed it.
	n, err = s.db.Exec(ctx, `
		INSERT INTO sweep_leases (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING
	`, name, holder, ts(expiresAt))
	if err != nil {
		return false, fmt.Errorf("creating lease %s: %w", name, err)
	}
	return n > 0, nil
}

// ReleaseLease gives up the lease if holder still owns it
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sweep_leases
		SET holder = '', expires_at = $1
		WHERE name = $2 AND holder = $3
	`, ts(time.Unix(0, 0)), name, holder)
	if err != nil {
		return fmt.Errorf("releasing lease %s: %w", name, err)
	}
	return nil
}
