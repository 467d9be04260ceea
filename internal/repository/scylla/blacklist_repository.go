package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"abuse-control/internal/model"
	"abuse-control/internal/util"
)

// BlacklistRepository is the durable side of identity screening.
//
// Schema:
//
//	CREATE TABLE blacklist_entries (
//	    tax_id text, active boolean, reason text, set_by text, set_at timestamp,
//	    PRIMARY KEY ((tax_id)));
type BlacklistRepository struct {
	client *ScyllaClient
}

func NewBlacklistRepository(client *ScyllaClient) *BlacklistRepository {
	return &BlacklistRepository{client: client}
}

// GetActive returns the entry for taxID when one exists and is active,
// nil otherwise.
func (r *BlacklistRepository) GetActive(ctx context.Context, taxID string) (*model.BlacklistEntry, error) {
	entry := &model.BlacklistEntry{TaxID: taxID}

	query := r.client.Query(`
		SELECT active, reason, set_by, set_at
		FROM blacklist_entries WHERE tax_id = ?`, taxID).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&entry.Active, &entry.Reason, &entry.SetBy, &entry.SetAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to read blacklist entry",
			zap.String("tax_id", taxID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read blacklist entry: %w", err)
	}

	if !entry.Active {
		return nil, nil
	}
	return entry, nil
}

func (r *BlacklistRepository) Upsert(ctx context.Context, entry *model.BlacklistEntry) error {
	query := r.client.Query(`
		INSERT INTO blacklist_entries (tax_id, active, reason, set_by, set_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.TaxID, entry.Active, entry.Reason, entry.SetBy, entry.SetAt).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to upsert blacklist entry: %w", err)
	}

	util.Info("Blacklist entry upserted",
		zap.String("tax_id", entry.TaxID),
		zap.String("set_by", entry.SetBy),
		zap.Bool("active", entry.Active))
	return nil
}

// Deactivate soft-deletes the entry so the listing history survives.
func (r *BlacklistRepository) Deactivate(ctx context.Context, taxID, setBy string) error {
	query := r.client.Query(`
		UPDATE blacklist_entries SET active = false, set_by = ?, set_at = ?
		WHERE tax_id = ? IF EXISTS`, setBy, time.Now().UTC(), taxID).WithContext(ctx)

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to deactivate blacklist entry: %w", err)
	}
	if !applied {
		return gocql.ErrNotFound
	}

	util.Info("Blacklist entry deactivated",
		zap.String("tax_id", taxID),
		zap.String("set_by", setBy))
	return nil
}
