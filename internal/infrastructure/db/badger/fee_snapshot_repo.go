package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/openfees/feesd/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

const (
	feeStoreDir    = "fees"
	feeSnapshotKey = "fee_snapshot"
)

type feeSnapshotRepository struct {
	store *badgerhold.Store
}

func NewFeeSnapshotRepository(config ...interface{}) (domain.FeeSnapshotRepository, error) {
	if len(config) != 2 {
		return nil, fmt.Errorf("invalid config")
	}
	baseDir, ok := config[0].(string)
	if !ok {
		return nil, fmt.Errorf("invalid base directory")
	}
	var logger badger.Logger
	if config[1] != nil {
		logger, ok = config[1].(badger.Logger)
		if !ok {
			return nil, fmt.Errorf("invalid logger")
		}
	}

	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, feeStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open fee snapshot store: %s", err)
	}

	return &feeSnapshotRepository{store}, nil
}

func (r *feeSnapshotRepository) Get(ctx context.Context) (*domain.FeeSnapshot, error) {
	var snapshot domain.FeeSnapshot
	err := r.store.Get(feeSnapshotKey, &snapshot)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fee snapshot: %w", err)
	}
	return &snapshot, nil
}

func (r *feeSnapshotRepository) Upsert(
	ctx context.Context, snapshot domain.FeeSnapshot,
) error {
	if err := r.store.Upsert(feeSnapshotKey, &snapshot); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			attempts := 1
			for errors.Is(err, badger.ErrConflict) && attempts <= maxRetries {
				time.Sleep(100 * time.Millisecond)
				err = r.store.Upsert(feeSnapshotKey, &snapshot)
				attempts++
			}
		}
		return err
	}
	return nil
}

func (r *feeSnapshotRepository) Close() {
	// nolint:errcheck
	r.store.Close()
}
