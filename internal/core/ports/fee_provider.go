package ports

import (
	"context"

	"github.com/openfees/feesd/internal/core/domain"
)

// FeeProvider supplies raw fee data on demand. A nil FeeData with a nil
// error is a broken contract, implementations must return one or the other.
type FeeProvider interface {
	FetchFees(ctx context.Context) (*domain.FeeData, error)
	// Name identifies the provider in diagnostics.
	Name() string
}
