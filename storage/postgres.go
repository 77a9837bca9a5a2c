package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"prism-board/board"
	"prism-board/domain"
)

// Postgres stores boards in PostgreSQL. Each unit of work runs in a
// REPEATABLE READ transaction; writers to the same container serialize on
// the container row.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pg parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ping: %w", err)
	}
	return pool, nil
}

// InTx implements board.Repository.
func (p *Postgres) InTx(ctx context.Context, fn func(tx board.Tx) error) (err error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Ping checks connectivity for health probes.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// classify marks errors that a fresh transaction may not hit again.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505", "55P03":
			return fmt.Errorf("%w: %s (%s)", domain.ErrTransientStorage, pgErr.Message, pgErr.Code)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", domain.ErrTransientStorage, err)
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

var _ board.Tx = (*pgTx)(nil)

const itemColumns = `id, kind, board_id, container_id, order_key, title, notes`

func scanItem(row pgx.Row) (domain.Item, error) {
	var it domain.Item
	var kind string
	if err := row.Scan(&it.ID, &kind, &it.BoardID, &it.ContainerID, &it.OrderKey, &it.Title, &it.Notes); err != nil {
		return domain.Item{}, err
	}
	it.Kind = domain.Kind(kind)
	return it, nil
}

func (t *pgTx) queryItems(ctx context.Context, sql string, args ...any) ([]domain.Item, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (t *pgTx) Board(ctx context.Context, boardID string) (domain.Board, error) {
	b := domain.Board{ID: boardID}
	err := t.tx.QueryRow(ctx, `SELECT title, owner_id FROM boards WHERE id = $1`, boardID).Scan(&b.Title, &b.OwnerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Board{}, fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Board{}, classify(err)
	}
	rows, err := t.tx.Query(ctx, `SELECT user_id FROM board_members WHERE board_id = $1 ORDER BY added_at, user_id`, boardID)
	if err != nil {
		return domain.Board{}, classify(err)
	}
	defer rows.Close()
	b.Members = []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return domain.Board{}, classify(err)
		}
		b.Members = append(b.Members, m)
	}
	return b, classify(rows.Err())
}

func (t *pgTx) Container(ctx context.Context, id string) (domain.Container, error) {
	it, err := scanItem(t.tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err == nil {
		return domain.Container{ID: it.ID, Kind: it.Kind, BoardID: it.BoardID, Title: it.Title}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Container{}, classify(err)
	}
	c := domain.Container{ID: id, Kind: domain.KindBoard, BoardID: id}
	err = t.tx.QueryRow(ctx, `SELECT title FROM boards WHERE id = $1`, id).Scan(&c.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Container{}, fmt.Errorf("container %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Container{}, classify(err)
	}
	return c, nil
}

func (t *pgTx) Item(ctx context.Context, id string) (domain.Item, error) {
	it, err := scanItem(t.tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Item{}, fmt.Errorf("item %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Item{}, classify(err)
	}
	return it, nil
}

// lockContainer bumps the container row version. A concurrent writer that
// already holds it makes this transaction fail with a serialization error.
func (t *pgTx) lockContainer(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE items SET version = version + 1 WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	tag, err = t.tx.Exec(ctx, `UPDATE boards SET version = version + 1 WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("container %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (t *pgTx) Children(ctx context.Context, containerID string) ([]domain.Item, error) {
	if err := t.lockContainer(ctx, containerID); err != nil {
		return nil, err
	}
	return t.queryItems(ctx, `SELECT `+itemColumns+` FROM items WHERE container_id = $1 ORDER BY order_key, id`, containerID)
}

func (t *pgTx) BoardItems(ctx context.Context, boardID string) ([]domain.Item, error) {
	return t.queryItems(ctx, `SELECT `+itemColumns+` FROM items WHERE board_id = $1`, boardID)
}

func (t *pgTx) PutBoard(ctx context.Context, b domain.Board) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO boards (id, title, owner_id) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title`,
		b.ID, b.Title, b.OwnerID)
	if err != nil {
		return classify(err)
	}
	for _, m := range b.Members {
		if err := t.AddMember(ctx, b.ID, m); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) AddMember(ctx context.Context, boardID, userID string) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO board_members (board_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		boardID, userID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
	}
	return classify(err)
}

func (t *pgTx) Detach(ctx context.Context, itemID string) error {
	return t.DeleteItem(ctx, itemID)
}

func (t *pgTx) PutItem(ctx context.Context, it domain.Item) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO items (id, kind, board_id, container_id, order_key, title, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   container_id = EXCLUDED.container_id,
		   order_key = EXCLUDED.order_key,
		   title = EXCLUDED.title,
		   notes = EXCLUDED.notes,
		   version = items.version + 1,
		   updated_at = now()`,
		it.ID, string(it.Kind), it.BoardID, it.ContainerID, it.OrderKey, it.Title, it.Notes)
	return classify(err)
}

func (t *pgTx) DeleteItem(ctx context.Context, itemID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM items WHERE id = $1`, itemID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	return nil
}
