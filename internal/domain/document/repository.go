package document

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when no document exists for a token.
var ErrNotFound = errors.New("document not found")

// Repository loads document snapshots and writes back computed prices.
type Repository interface {
	// Load returns the document for a token with lines in natural order.
	Load(ctx context.Context, token string) (*Document, error)

	// Save inserts or replaces a document and its lines.
	Save(ctx context.Context, doc *Document) error

	// SavePrices writes back the stored prices, state and priced-at time
	// of a document and its lines after a recalculation.
	SavePrices(ctx context.Context, doc *Document) error
}
