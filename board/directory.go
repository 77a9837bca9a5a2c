package board

import (
	"context"

	"prism-board/domain"
)

// Directory resolves containers straight from the repository. Event
// handlers use it to name things without depending on the Service that
// publishes to them.
type Directory struct {
	repo Repository
}

// NewDirectory creates a Directory over repo.
func NewDirectory(repo Repository) *Directory {
	return &Directory{repo: repo}
}

// Container returns the board or list with the given id.
func (d *Directory) Container(ctx context.Context, id string) (domain.Container, error) {
	var c domain.Container
	err := d.repo.InTx(ctx, func(tx Tx) error {
		var err error
		c, err = tx.Container(ctx, id)
		return err
	})
	return c, err
}
