package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/calc-costs/internal/model"
)

// ErrNotFound is returned when no document exists for a key
var ErrNotFound = errors.New("function cost document not found")

// CostStore persists function cost documents keyed by configuration and
// function id
type CostStore interface {
	// Load returns the latest document for the key. When asOf is non-nil
	// the latest document whose LastUpdate is not after asOf is returned.
	Load(ctx context.Context, configuration, functionID string, asOf *time.Time) (*model.FunctionCostDocument, error)

	// Store inserts or updates the document and returns it with a fresh
	// store-assigned Version
	Store(ctx context.Context, doc *model.FunctionCostDocument) (*model.FunctionCostDocument, error)

	// Close releases the underlying database
	Close() error
}

// Open creates the CostStore for the given driver ("sqlite" or "bolt")
func Open(logger *zap.Logger, driver, path string) (CostStore, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLiteCostStore(logger, path)
	case "bolt":
		return NewBoltCostStore(logger, path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func validateDocument(doc *model.FunctionCostDocument) error {
	if doc == nil {
		return errors.New("nil document")
	}
	if doc.Configuration == "" || doc.FunctionID == "" {
		return fmt.Errorf("document requires configuration and function id, got %q/%q",
			doc.Configuration, doc.FunctionID)
	}
	return nil
}
