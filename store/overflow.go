package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	gopath "path"

	"github.com/GinaZhai/kylin-1/backend"
	"github.com/GinaZhai/kylin-1/telemetry"
)

const (
	// redirectSegment is the literal path segment under the base directory
	// where overflowed payloads live.
	redirectSegment = "resources-jdbc"

	// backupSuffix marks the transient backup object taken before an
	// overflow location is overwritten.
	backupSuffix = "_old"
)

// OverflowStore manages payloads too large for an inline table cell. Each
// payload lives at a location deterministically derived from its resource
// path; the mapping is never stored, only recomputed.
//
// Writes follow a backup-then-overwrite protocol: any prior payload is
// copied to a sibling backup before the new bytes land. The protocol is a
// visible state machine driven by the caller: Write, then either Cleanup
// once the owning row statement has committed, or Rollback if anything
// failed in between.
type OverflowStore struct {
	backend backend.Backend
	base    string
	logger  *slog.Logger
}

// NewOverflowStore creates an OverflowStore writing under baseDir in the
// given blob store.
func NewOverflowStore(b backend.Backend, baseDir string, logger *slog.Logger) *OverflowStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &OverflowStore{backend: b, base: baseDir, logger: logger}
}

// Location returns the redirect location for a resource path:
// <base>/resources-jdbc<path>.
func (o *OverflowStore) Location(resPath string) string {
	return gopath.Join(o.base, redirectSegment+resPath)
}

// backupLocation returns the sibling backup location for a resource path.
func (o *OverflowStore) backupLocation(resPath string) string {
	return o.Location(resPath) + backupSuffix
}

// Write stores content at the redirect location for resPath. If a payload
// already exists there it is first copied to the backup location and
// removed. Only one backup is kept; a second write before Cleanup
// overwrites it.
//
// On error the prior payload may already have moved to the backup; the
// caller decides whether to invoke Rollback.
func (o *OverflowStore) Write(ctx context.Context, resPath string, content []byte) error {
	loc := o.Location(resPath)
	bak := o.backupLocation(resPath)

	exists, err := o.backend.Exists(ctx, loc)
	if err != nil {
		telemetry.RecordOverflowOp(ctx, "write", "error")
		return fmt.Errorf("store: checking overflow location %s: %w", loc, err)
	}
	if exists {
		if err := o.backend.Copy(ctx, loc, bak); err != nil {
			telemetry.RecordOverflowOp(ctx, "write", "error")
			return fmt.Errorf("store: backing up overflow payload %s: %w", loc, err)
		}
		if err := o.backend.Delete(ctx, loc); err != nil {
			telemetry.RecordOverflowOp(ctx, "write", "error")
			return fmt.Errorf("store: clearing overflow location %s: %w", loc, err)
		}
		o.logger.Debug("backed up overflow payload", "location", loc)
	}

	if err := o.backend.Write(ctx, loc, bytes.NewReader(content)); err != nil {
		telemetry.RecordOverflowOp(ctx, "write", "error")
		return fmt.Errorf("store: writing overflow payload %s: %w", loc, err)
	}
	telemetry.RecordOverflowOp(ctx, "write", "success")
	return nil
}

// Rollback restores the state from before a failed Write. If a backup
// exists it is copied back over the redirect location; otherwise whatever
// partial content sits at the redirect location is deleted, preferring an
// absent resource over a corrupt one.
func (o *OverflowStore) Rollback(ctx context.Context, resPath string) error {
	loc := o.Location(resPath)
	bak := o.backupLocation(resPath)

	exists, err := o.backend.Exists(ctx, bak)
	if err != nil {
		telemetry.RecordOverflowOp(ctx, "rollback", "error")
		return fmt.Errorf("store: checking backup %s: %w", bak, err)
	}

	if !exists {
		o.logger.Warn("no backup for overflow payload found, cleaning it", "path", resPath)
		if err := o.backend.Delete(ctx, loc); err != nil {
			telemetry.RecordOverflowOp(ctx, "rollback", "error")
			return fmt.Errorf("store: cleaning overflow location %s: %w", loc, err)
		}
		telemetry.RecordOverflowOp(ctx, "rollback", "success")
		return nil
	}

	if err := o.backend.Copy(ctx, bak, loc); err != nil {
		// Last resort: delete the redirect location, absent beats corrupt.
		if delErr := o.backend.Delete(ctx, loc); delErr != nil {
			o.logger.Error("failed to clean overflow location after rollback failure",
				"location", loc, "error", delErr)
		}
		telemetry.RecordOverflowOp(ctx, "rollback", "error")
		return fmt.Errorf("store: restoring backup for %s: %w", resPath, err)
	}
	if err := o.backend.Delete(ctx, bak); err != nil {
		o.logger.Warn("failed to remove backup after rollback", "location", bak, "error", err)
	}
	o.logger.Info("rolled back overflow payload", "path", resPath)
	telemetry.RecordOverflowOp(ctx, "rollback", "success")
	return nil
}

// Cleanup deletes the backup object once the owning row statement has
// committed. A leftover backup is garbage, not a correctness hazard, so
// failures are logged and swallowed.
func (o *OverflowStore) Cleanup(ctx context.Context, resPath string) {
	bak := o.backupLocation(resPath)

	exists, err := o.backend.Exists(ctx, bak)
	if err != nil {
		o.logger.Warn("error checking backup, leaving it as garbage", "location", bak, "error", err)
		telemetry.RecordOverflowOp(ctx, "cleanup", "error")
		return
	}
	if !exists {
		return
	}
	if err := o.backend.Delete(ctx, bak); err != nil {
		o.logger.Warn("error cleaning backup, leaving it as garbage", "location", bak, "error", err)
		telemetry.RecordOverflowOp(ctx, "cleanup", "error")
		return
	}
	telemetry.RecordOverflowOp(ctx, "cleanup", "success")
}

// Read returns the payload at the redirect location for resPath.
func (o *OverflowStore) Read(ctx context.Context, resPath string) ([]byte, error) {
	rc, err := o.backend.Read(ctx, o.Location(resPath))
	if err != nil {
		telemetry.RecordOverflowOp(ctx, "read", "error")
		return nil, fmt.Errorf("store: opening overflow payload for %s: %w", resPath, err)
	}
	defer func() { _ = rc.Close() }()

	content, err := io.ReadAll(rc)
	if err != nil {
		telemetry.RecordOverflowOp(ctx, "read", "error")
		return nil, fmt.Errorf("store: reading overflow payload for %s: %w", resPath, err)
	}
	telemetry.RecordOverflowOp(ctx, "read", "success")
	return content, nil
}

// Delete removes the redirect location for resPath if present.
func (o *OverflowStore) Delete(ctx context.Context, resPath string) error {
	loc := o.Location(resPath)

	exists, err := o.backend.Exists(ctx, loc)
	if err != nil {
		telemetry.RecordOverflowOp(ctx, "delete", "error")
		return fmt.Errorf("store: checking overflow location %s: %w", loc, err)
	}
	if !exists {
		return nil
	}
	if err := o.backend.Delete(ctx, loc); err != nil {
		telemetry.RecordOverflowOp(ctx, "delete", "error")
		return fmt.Errorf("store: deleting overflow payload %s: %w", loc, err)
	}
	telemetry.RecordOverflowOp(ctx, "delete", "success")
	return nil
}
