package shared

import "context"

// Transactor runs fn as one unit of work. Repository calls made with the
// context passed to fn join that unit of work; if fn returns an error
// nothing it wrote is kept.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
