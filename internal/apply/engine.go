// Package apply implements the per-window apply engine: schema
// reconciliation followed by a single warehouse transaction that loads one
// window's change set into final tables.
package apply

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dwsmith1983/vaultflow/internal/manifest"
	"github.com/dwsmith1983/vaultflow/internal/staging"
	"github.com/dwsmith1983/vaultflow/internal/warehouse"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// metadataFile is the optional per-window schema description. FULL and LOG
// windows carry it; INCR windows may, to allow creating tables that do not
// exist yet.
const metadataFile = "metadata.csv"

// Sentinel errors. Both are protocol errors: the window fails and stays
// FAILED until an operator intervenes.
var (
	ErrIncompatibleSchemaChange = errors.New("incompatible schema change")
	ErrManifestMissing          = errors.New("manifest missing at staged prefix")
)

// Window identifies one staged change set handed to the engine.
type Window struct {
	VaultID     string
	LoadType    types.LoadType
	LogicalTime time.Time
	S3Prefix    string
	Epoch       int64
}

// ObjectStore is the staging surface the engine reads from.
type ObjectStore interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Engine applies one window per call. It is the only component that touches
// the warehouse's data tables.
type Engine struct {
	objects ObjectStore
	wh      *warehouse.Warehouse
	logger  *slog.Logger
}

// New creates an Engine.
func New(objects ObjectStore, wh *warehouse.Warehouse) *Engine {
	return &Engine{objects: objects, wh: wh, logger: slog.Default()}
}

// SetLogger overrides the default logger.
func (e *Engine) SetLogger(l *slog.Logger) { e.logger = l }

// Apply executes one window as a single warehouse transaction. preCommit
// runs immediately before COMMIT; returning an error there aborts the
// transaction (the consumer uses it to verify its lease is still held).
func (e *Engine) Apply(ctx context.Context, win Window, preCommit func() error) error {
	m, reg, err := e.fetchWindow(ctx, win)
	if err != nil {
		return err
	}

	// Schema reconciliation. Inside the window transaction when the
	// warehouse permits; otherwise an auto-committed idempotent pre-step.
	if e.wh.SupportsTransactionalDDL() {
		return e.applyTx(ctx, win, m, reg, true, preCommit)
	}
	if err := e.reconcileSchema(ctx, e.wh.DB(), win, m, reg); err != nil {
		return err
	}
	return e.applyTx(ctx, win, m, reg, false, preCommit)
}

// fetchWindow reads and parses the manifest and, when present, the window's
// metadata into a schema registry.
func (e *Engine) fetchWindow(ctx context.Context, win Window) (*manifest.Manifest, manifest.Registry, error) {
	manifestPath := staging.ManifestKey(win.S3Prefix, win.LoadType)
	ok, err := e.objects.Exists(ctx, manifestPath)
	if err != nil {
		return nil, nil, fmt.Errorf("checking manifest: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrManifestMissing, manifestPath)
	}

	mr, err := e.objects.Open(ctx, manifestPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer mr.Close()

	m, err := manifest.Parse(mr)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing manifest: %w", err)
	}

	metadataPath := strings.TrimSuffix(win.S3Prefix, "/") + "/" + metadataFile
	reg := manifest.Registry{}
	if ok, err := e.objects.Exists(ctx, metadataPath); err != nil {
		return nil, nil, fmt.Errorf("checking metadata: %w", err)
	} else if ok {
		rd, err := e.objects.Open(ctx, metadataPath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening metadata: %w", err)
		}
		defer rd.Close()
		reg, err = manifest.ParseMetadata(rd)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing metadata: %w", err)
		}
	}
	return m, reg, nil
}

// applyTx runs phases 3–6: BEGIN, per-object cleanup and load, COMMIT. When
// ddlInTx is set the schema reconciliation happens first, inside the same
// transaction.
func (e *Engine) applyTx(ctx context.Context, win Window, m *manifest.Manifest, reg manifest.Registry, ddlInTx bool, preCommit func() error) (err error) {
	tx, err := e.wh.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				e.logger.Error("rollback failed", "vault", win.VaultID, "error", rbErr)
			}
		}
	}()

	if ddlInTx {
		if err = e.reconcileSchema(ctx, tx, win, m, reg); err != nil {
			return err
		}
	}

	if win.LoadType == types.LoadFull {
		err = e.loadFull(ctx, tx, win, m, reg)
	} else {
		err = e.loadIncremental(ctx, tx, win, m)
	}
	if err != nil {
		return err
	}

	if preCommit != nil {
		if err = preCommit(); err != nil {
			return fmt.Errorf("pre-commit check: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing window %s: %w", types.SortKey(win.LoadType, win.LogicalTime), err)
	}
	return nil
}

// loadIncremental performs the delete-then-upsert pass for one INCR or LOG
// window. Deletes run first; each upsert then merges (delete superseded rows
// by key, insert the staged rows) inside the same transaction.
func (e *Engine) loadIncremental(ctx context.Context, tx warehouse.Execer, win Window, m *manifest.Manifest) error {
	for _, d := range m.Deletes() {
		if d.RowCount == 0 {
			continue
		}
		table := manifest.TableName(d.ObjectName)
		if err := e.wh.DeleteByKeys(ctx, tx, table, e.resolve(win, d.FilePath)); err != nil {
			return err
		}
	}

	for _, u := range m.Upserts() {
		if u.RowCount == 0 {
			continue
		}
		table := manifest.TableName(u.ObjectName)
		n, err := e.wh.MergeFrom(ctx, tx, table, nil, e.resolve(win, u.FilePath))
		if err != nil {
			return err
		}
		if err := verifyRowCount(table, n, u.RowCount); err != nil {
			return err
		}
	}
	return nil
}

// loadFull replaces every object in the manifest: truncate (or recreate when
// reconciliation already rebuilt the table) and bulk load.
func (e *Engine) loadFull(ctx context.Context, tx warehouse.Execer, win Window, m *manifest.Manifest, reg manifest.Registry) error {
	for _, u := range m.Upserts() {
		table := manifest.TableName(u.ObjectName)
		if err := e.wh.Truncate(ctx, tx, table); err != nil {
			return err
		}
		n, err := e.wh.CopyFrom(ctx, tx, table, nil, e.resolve(win, u.FilePath))
		if err != nil {
			return err
		}
		if err := verifyRowCount(table, n, u.RowCount); err != nil {
			return err
		}
	}
	return nil
}

func verifyRowCount(table string, loaded, expected int64) error {
	if loaded < 0 || expected <= 0 {
		return nil
	}
	if loaded != expected {
		return fmt.Errorf("row count mismatch for %s: loaded %d, manifest says %d", table, loaded, expected)
	}
	return nil
}

// resolve joins a manifest file path to the window prefix unless it is
// already absolute.
func (e *Engine) resolve(win Window, filePath string) string {
	if strings.HasPrefix(filePath, "s3://") {
		return filePath
	}
	return strings.TrimSuffix(win.S3Prefix, "/") + "/" + filePath
}
