package board

import (
	"context"

	"prism-board/domain"
)

// Repository runs units of work against the board store.
type Repository interface {
	// InTx runs fn in one atomic unit. Writes made through tx become visible
	// only if fn returns nil and the commit succeeds. Implementations return
	// errors wrapping domain.ErrTransientStorage when a retry may succeed.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the view of the store inside one unit of work.
//
// Children locks the container so that concurrent writers to the same
// container serialize; it returns items sorted by order key.
type Tx interface {
	Board(ctx context.Context, boardID string) (domain.Board, error)
	Container(ctx context.Context, id string) (domain.Container, error)
	Item(ctx context.Context, id string) (domain.Item, error)
	Children(ctx context.Context, containerID string) ([]domain.Item, error)
	BoardItems(ctx context.Context, boardID string) ([]domain.Item, error)

	PutBoard(ctx context.Context, b domain.Board) error
	AddMember(ctx context.Context, boardID, userID string) error
	// Detach removes an item from its current container.
	Detach(ctx context.Context, itemID string) error
	// PutItem inserts or replaces an item.
	PutItem(ctx context.Context, item domain.Item) error
	DeleteItem(ctx context.Context, itemID string) error
}
