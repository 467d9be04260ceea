package scylla

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"abuse-control/internal/util"

	"go.uber.org/zap"
)

// DeviceRepository tracks which identities a device has requested codes
// for inside the current day window.
//
// Schema:
//
//	CREATE TABLE device_identity_windows (
//	    device_fp text, window_day text, tax_ids set<text>,
//	    PRIMARY KEY ((device_fp, window_day))
//	) WITH default_time_to_live = 172800;
//
// The set column makes registration naturally idempotent: re-adding an
// identity the device already touched does not grow the set.
type DeviceRepository struct {
	client *ScyllaClient
}

func NewDeviceRepository(client *ScyllaClient) *DeviceRepository {
	return &DeviceRepository{client: client}
}

// RegisterIdentity adds taxID to the device's window set and returns the
// distinct-identity count after the add.
func (r *DeviceRepository) RegisterIdentity(ctx context.Context, deviceFP, windowDay, taxID string) (int, error) {
	update := r.client.Query(`
		UPDATE device_identity_windows SET tax_ids = tax_ids + ?
		WHERE device_fp = ? AND window_day = ?`,
		[]string{taxID}, deviceFP, windowDay).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(update, 2); err != nil {
		util.Error("Failed to register device identity",
			zap.String("device_fp", deviceFP),
			zap.Error(err))
		return 0, fmt.Errorf("failed to register device identity: %w", err)
	}

	return r.CountIdentities(ctx, deviceFP, windowDay)
}

func (r *DeviceRepository) CountIdentities(ctx context.Context, deviceFP, windowDay string) (int, error) {
	var taxIDs []string
	query := r.client.Query(`
		SELECT tax_ids FROM device_identity_windows
		WHERE device_fp = ? AND window_day = ?`,
		deviceFP, windowDay).WithContext(ctx)

	if err := r.client.ScanWithRetry(query, &taxIDs); err != nil {
		if err == gocql.ErrNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count device identities: %w", err)
	}
	return len(taxIDs), nil
}
