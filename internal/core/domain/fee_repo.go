package domain

import "context"

type FeeSnapshotRepository interface {
	Get(ctx context.Context) (*FeeSnapshot, error)
	Upsert(ctx context.Context, snapshot FeeSnapshot) error
	Close()
}
