package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/audit"
	"prism-board/board"
	"prism-board/domain"
	"prism-board/storage"
)

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(h string) (string, error) {
	if !strings.HasPrefix(h, "Bearer ") {
		return "", errors.New("bad token")
	}
	return strings.TrimPrefix(h, "Bearer "), nil
}

type fixture struct {
	e     *echo.Echo
	store *storage.Memory
	svc   *board.Service
	audit *audit.MemorySink
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	store := storage.NewMemory()
	svc := board.NewService(store, nil, board.Config{MaxAttempts: 2, RetryInitial: time.Millisecond, RetryMax: time.Millisecond}, logger)
	sink := audit.NewMemorySink()
	e := echo.New()
	Register(e, svc, sink, mockAuth{}, NewRedisDeduper(rc, time.Hour), logger)
	return &fixture{e: e, store: store, svc: svc, audit: sink, mr: mr}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer alice")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// seed creates a board with one list holding cards at keys 1.0 and 2.0.
func (f *fixture) seed(t *testing.T) (domain.Board, domain.Item, []domain.Item) {
	t.Helper()
	ctx := context.Background()
	b, err := f.svc.CreateBoard(ctx, "Board", "alice")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	list, err := f.svc.Create(ctx, b.ID, domain.Payload{Title: "Todo"}, "alice")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	var cards []domain.Item
	for _, title := range []string{"A", "B"} {
		c, err := f.svc.Create(ctx, list.ID, domain.Payload{Title: title}, "alice")
		if err != nil {
			t.Fatalf("create card: %v", err)
		}
		cards = append(cards, c)
	}
	return b, list, cards
}

func TestCreateBoardAndSnapshot(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/boards", `{"title":"Roadmap"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	b := decodeBody[domain.Board](t, rec)
	if b.OwnerID != "alice" || b.Title != "Roadmap" {
		t.Fatalf("unexpected board %#v", b)
	}

	rec = f.do(t, http.MethodGet, "/api/boards/"+b.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	snap := decodeBody[domain.Snapshot](t, rec)
	if snap.Board.ID != b.ID || len(snap.Items) != 0 {
		t.Fatalf("unexpected snapshot %#v", snap)
	}
}

func TestCreateBoardRequiresTitle(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodPost, "/api/boards", `{"title":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/boards", `{"name":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestUnauthorized(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/boards/x", nil)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMoveReturnsAuthoritativeKey(t *testing.T) {
	f := newFixture(t)
	_, list, cards := f.seed(t)
	body := fmt.Sprintf(`{"itemId":%q,"targetContainerId":%q,"desiredOrdinalIndex":0}`, cards[1].ID, list.ID)
	rec := f.do(t, http.MethodPost, "/api/moves", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[domain.MoveResult](t, rec)
	if res.ItemID != cards[1].ID || res.ContainerID != list.ID || res.OrderKey != 0.5 {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestMoveErrorMapping(t *testing.T) {
	f := newFixture(t)
	b, list, cards := f.seed(t)
	cases := []struct {
		name string
		body string
		want int
	}{
		{"missing item", fmt.Sprintf(`{"itemId":"nope","targetContainerId":%q}`, list.ID), http.StatusNotFound},
		{"card into board", fmt.Sprintf(`{"itemId":%q,"targetContainerId":%q}`, cards[0].ID, b.ID), http.StatusUnprocessableEntity},
		{"duplicate key", fmt.Sprintf(`{"itemId":%q,"targetContainerId":%q,"explicitKey":2}`, cards[0].ID, list.ID), http.StatusUnprocessableEntity},
		{"both positions", fmt.Sprintf(`{"itemId":%q,"targetContainerId":%q,"explicitKey":3,"desiredOrdinalIndex":0}`, cards[0].ID, list.ID), http.StatusBadRequest},
		{"no target", fmt.Sprintf(`{"itemId":%q}`, cards[0].ID), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := f.do(t, http.MethodPost, "/api/moves", tc.body); rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestMoveUnavailableAfterTransientFailures(t *testing.T) {
	f := newFixture(t)
	_, list, cards := f.seed(t)
	f.store.InjectFault(func(op, _ string) error {
		if op == "commit" {
			return domain.ErrTransientStorage
		}
		return nil
	})
	body := fmt.Sprintf(`{"itemId":%q,"targetContainerId":%q,"desiredOrdinalIndex":0}`, cards[1].ID, list.ID)
	rec := f.do(t, http.MethodPost, "/api/moves", body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestReorder(t *testing.T) {
	f := newFixture(t)
	_, list, cards := f.seed(t)
	body := fmt.Sprintf(`{"orderedChildIds":[%q,%q]}`, cards[1].ID, cards[0].ID)
	rec := f.do(t, http.MethodPost, "/api/containers/"+list.ID+"/reorder", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[reorderResponse](t, rec)
	if len(resp.Items) != 2 || resp.Items[0].ID != cards[1].ID || resp.Items[0].OrderKey != 0 || resp.Items[1].OrderKey != 1 {
		t.Fatalf("unexpected items %#v", resp.Items)
	}

	body = fmt.Sprintf(`{"orderedChildIds":[%q]}`, cards[1].ID)
	if rec := f.do(t, http.MethodPost, "/api/containers/"+list.ID+"/reorder", body); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for partial set, got %d", rec.Code)
	}
}

func TestCreateItemIdempotency(t *testing.T) {
	f := newFixture(t)
	_, list, _ := f.seed(t)
	path := "/api/containers/" + list.ID + "/items"

	rec := f.do(t, http.MethodPost, path, `{"title":"C"}`, idempotencyHeader, "k1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	item := decodeBody[domain.Item](t, rec)
	if item.OrderKey != 3 || item.Kind != domain.KindCard {
		t.Fatalf("unexpected item %#v", item)
	}

	if rec := f.do(t, http.MethodPost, path, `{"title":"C"}`, idempotencyHeader, "k1"); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for replayed key, got %d", rec.Code)
	}
}

func TestCreateItemReleasesKeyOnFailure(t *testing.T) {
	f := newFixture(t)
	path := "/api/containers/missing/items"
	if rec := f.do(t, http.MethodPost, path, `{"title":"C"}`, idempotencyHeader, "k2"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if f.mr.Exists("idem:alice:k2") {
		t.Fatalf("expected idempotency key to be released")
	}
	if rec := f.do(t, http.MethodPost, path, `{"title":"C"}`, idempotencyHeader, "k2"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected retry to reach the service, got %d", rec.Code)
	}
}

func TestUpdateAndDeleteItem(t *testing.T) {
	f := newFixture(t)
	_, _, cards := f.seed(t)
	rec := f.do(t, http.MethodPatch, "/api/items/"+cards[0].ID, `{"title":"Renamed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	item := decodeBody[domain.Item](t, rec)
	if item.Title != "Renamed" || item.OrderKey != cards[0].OrderKey {
		t.Fatalf("unexpected item %#v", item)
	}

	if rec := f.do(t, http.MethodDelete, "/api/items/"+cards[0].ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/items/"+cards[0].ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestAddMember(t *testing.T) {
	f := newFixture(t)
	b, _, _ := f.seed(t)
	if rec := f.do(t, http.MethodPost, "/api/boards/"+b.ID+"/members", `{"userId":"bob"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	snap, err := f.svc.Snapshot(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.Board.HasMember("bob") {
		t.Fatalf("expected bob to be a member")
	}
	if rec := f.do(t, http.MethodPost, "/api/boards/"+b.ID+"/members", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListAudit(t *testing.T) {
	f := newFixture(t)
	base := time.Now()
	for i := 0; i < 3; i++ {
		_ = f.audit.Append(context.Background(), audit.Record{
			ID: fmt.Sprint(i), OwnerID: "b1", ActorID: "alice",
			Message: fmt.Sprintf("m%d", i), CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	rec := f.do(t, http.MethodGet, "/api/boards/b1/audit?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	recs := decodeBody[[]audit.Record](t, rec)
	if len(recs) != 2 || recs[0].Message != "m2" {
		t.Fatalf("unexpected records %#v", recs)
	}

	rec = f.do(t, http.MethodGet, "/api/boards/empty/audit", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/api/boards/b1/audit?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	logger, _ := test.NewNullLogger()
	e := echo.New()
	healthy := true
	Register(e, nil, nil, mockAuth{}, nil, logger, func(context.Context) error {
		if !healthy {
			return errors.New("db down")
		}
		return nil
	})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	healthy = false
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
