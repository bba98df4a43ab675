package ports

import "context"

const (
	FeesUpdated Topic = "Fees Updated"
	FeeFloorHit Topic = "Fee Floor Hit"
)

type Topic string

type Alerts interface {
	Publish(ctx context.Context, topic Topic, message interface{}) error
}

type FeesUpdatedAlert struct {
	TxFeePerByte    uint64
	SourceTimestamp int64
	Version         uint64
	Provider        string
}

type FeeFloorHitAlert struct {
	ReportedFeePerByte uint64
	MinFeePerByte      uint64
	Provider           string
}
