//go:build integration

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"prism-board/board"
	"prism-board/domain"
)

func setupPostgres(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "prism",
			"POSTGRES_PASSWORD": "prism",
			"POSTGRES_DB":       "prism",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://prism:prism@%s:%s/prism?sslmode=disable", host, port.Port())
	cleanup := func() {
		if err := pgC.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	}
	return dsn, cleanup
}

func newPostgresService(t *testing.T) (*board.Service, func()) {
	t.Helper()
	dsn, cleanup := setupPostgres(t)
	if err := Migrate(dsn); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}
	pool, err := NewPool(context.Background(), dsn, 16)
	if err != nil {
		cleanup()
		t.Fatalf("pool: %v", err)
	}
	logger, _ := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	svc := board.NewService(NewPostgres(pool), nil, board.Config{MaxAttempts: 20}, logger)
	return svc, func() {
		pool.Close()
		cleanup()
	}
}

func TestPostgresMoveScenarios(t *testing.T) {
	svc, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	b, err := svc.CreateBoard(ctx, "Board", "alice")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	l1, err := svc.Create(ctx, b.ID, domain.Payload{Title: "L1"}, "alice")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	l2, err := svc.Create(ctx, b.ID, domain.Payload{Title: "L2"}, "alice")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	a, _ := svc.Create(ctx, l1.ID, domain.Payload{Title: "A"}, "alice")
	bCard, _ := svc.Create(ctx, l1.ID, domain.Payload{Title: "B"}, "alice")
	if a.OrderKey != 1 || bCard.OrderKey != 2 {
		t.Fatalf("unexpected create keys %v %v", a.OrderKey, bCard.OrderKey)
	}

	zero := 0
	moved, err := svc.Move(ctx, domain.MoveRequest{ItemID: bCard.ID, TargetContainerID: l1.ID, Index: &zero}, "alice")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.OrderKey != 0.5 {
		t.Fatalf("expected key 0.5, got %v", moved.OrderKey)
	}

	moved, err = svc.Move(ctx, domain.MoveRequest{ItemID: a.ID, TargetContainerID: l2.ID, Index: &zero}, "alice")
	if err != nil {
		t.Fatalf("cross move: %v", err)
	}
	if moved.ContainerID != l2.ID || moved.OrderKey != 1 {
		t.Fatalf("unexpected cross move result %#v", moved)
	}

	if _, err := svc.Renumber(ctx, l1.ID, []string{bCard.ID}, "alice"); err != nil {
		t.Fatalf("renumber: %v", err)
	}
	snap, err := svc.Snapshot(ctx, b.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, it := range snap.Items {
		if it.ID == bCard.ID && it.OrderKey != 0 {
			t.Fatalf("expected renumbered key 0, got %v", it.OrderKey)
		}
	}
}

func TestPostgresConcurrentMovesNeverCollide(t *testing.T) {
	svc, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	b, _ := svc.CreateBoard(ctx, "Board", "alice")
	src, _ := svc.Create(ctx, b.ID, domain.Payload{Title: "src"}, "alice")
	dst, _ := svc.Create(ctx, b.ID, domain.Payload{Title: "dst"}, "alice")
	var cards []domain.Item
	for i := 0; i < 16; i++ {
		c, err := svc.Create(ctx, src.ID, domain.Payload{Title: fmt.Sprintf("c%d", i)}, "alice")
		if err != nil {
			t.Fatalf("create card: %v", err)
		}
		cards = append(cards, c)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(cards))
	for _, c := range cards {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			zero := 0
			_, err := svc.Move(ctx, domain.MoveRequest{ItemID: id, TargetContainerID: dst.ID, Index: &zero}, "alice")
			errs <- err
		}(c.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent move: %v", err)
		}
	}

	snap, err := svc.Snapshot(ctx, b.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	seen := map[float64]string{}
	count := 0
	for _, it := range snap.Items {
		if it.ContainerID != dst.ID {
			continue
		}
		count++
		if other, dup := seen[it.OrderKey]; dup {
			t.Fatalf("%s and %s share key %v", other, it.ID, it.OrderKey)
		}
		seen[it.OrderKey] = it.ID
	}
	if count != len(cards) {
		t.Fatalf("expected %d cards in destination, got %d", len(cards), count)
	}
}
