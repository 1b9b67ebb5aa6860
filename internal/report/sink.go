// Package report publishes terminal Results. Publication is idempotent per
// RunID: the first Result stored for a run wins and later ones are dropped.
package report

import (
	"context"

	"github.com/pkg/errors"

	"forgescan/tool-runner/internal/model"
)

var ErrNotFound = errors.New("result not found")

// Sink is the durable output channel.
type Sink interface {
	// Publish stores res and reports whether it was the first result for its RunID.
	Publish(ctx context.Context, res *model.Result) (bool, error)
}

// Reader serves stored results.
type Reader interface {
	Get(ctx context.Context, runID string) (*model.Result, error)
	Recent(ctx context.Context, limit int) ([]*model.Result, error)
}

// Store is a Sink that can also be read back.
type Store interface {
	Sink
	Reader
}
