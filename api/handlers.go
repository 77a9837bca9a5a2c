package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/audit"
	"prism-board/domain"
)

const (
	maxBodySize       = 64 << 10
	defaultAuditLimit = 50
	maxAuditLimit     = 500
	idempotencyHeader = "Idempotency-Key"
)

// Boards is the board mutation and read surface served over HTTP.
type Boards interface {
	CreateBoard(ctx context.Context, title, actor string) (domain.Board, error)
	Snapshot(ctx context.Context, boardID string) (domain.Snapshot, error)
	AddMember(ctx context.Context, boardID, userID, actor string) error
	Create(ctx context.Context, containerID string, p domain.Payload, actor string) (domain.Item, error)
	Update(ctx context.Context, itemID string, patch domain.PayloadPatch, actor string) (domain.Item, error)
	Delete(ctx context.Context, itemID, actor string) error
	Move(ctx context.Context, req domain.MoveRequest, actor string) (domain.Item, error)
	Renumber(ctx context.Context, containerID string, orderedIDs []string, actor string) ([]domain.Item, error)
}

// AuditLog lists audit records of a board, newest first.
type AuditLog interface {
	List(ctx context.Context, ownerID string, limit int) ([]audit.Record, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper records idempotency keys.
type Deduper interface {
	Add(ctx context.Context, userID, key string) (bool, error)
	Remove(ctx context.Context, userID, key string) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type server struct {
	boards  Boards
	audit   AuditLog
	auth    Authenticator
	deduper Deduper
	logger  *log.Logger
}

// Register wires up all API routes on the provided Echo instance. deduper
// may be nil, in which case Idempotency-Key headers are ignored.
func Register(e *echo.Echo, boards Boards, auditLog AuditLog, auth Authenticator, deduper Deduper, logger *log.Logger, checks ...HealthCheck) {
	s := &server{boards: boards, audit: auditLog, auth: auth, deduper: deduper, logger: logger}

	e.POST("/api/boards", s.route("/api/boards", s.createBoard))
	e.GET("/api/boards/:id", s.route("/api/boards/:id", s.getBoard))
	e.POST("/api/boards/:id/members", s.route("/api/boards/:id/members", s.addMember))
	e.GET("/api/boards/:id/audit", s.route("/api/boards/:id/audit", s.listAudit))
	e.POST("/api/containers/:id/items", s.route("/api/containers/:id/items", s.createItem))
	e.POST("/api/containers/:id/reorder", s.route("/api/containers/:id/reorder", s.reorder))
	e.POST("/api/moves", s.route("/api/moves", s.move))
	e.PATCH("/api/items/:id", s.route("/api/items/:id", s.updateItem))
	e.DELETE("/api/items/:id", s.route("/api/items/:id", s.deleteItem))
	e.GET("/healthz", healthz(checks))
}

type routeFunc func(c echo.Context, m *requestMetrics, actor string) error

// route authenticates the caller and reports request metrics around fn.
func (s *server) route(path string, fn routeFunc) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), s.logger, path)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		actor, authErr := s.auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.Fail("auth", authErr)
			return c.String(http.StatusUnauthorized, authErr.Error())
		}
		return fn(c, metrics, actor)
	}
}

// fail maps service errors onto status codes.
func fail(c echo.Context, m *requestMetrics, err error) error {
	status := http.StatusInternalServerError
	stage := "storage"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, stage = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidTarget):
		status, stage = http.StatusUnprocessableEntity, "invalid_target"
	case errors.Is(err, domain.ErrUnavailable), errors.Is(err, domain.ErrTransientStorage):
		status, stage = http.StatusServiceUnavailable, "unavailable"
		c.Response().Header().Set("Retry-After", "1")
	}
	m.Fail(stage, err)
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	return c.String(status, err.Error())
}

func badRequest(c echo.Context, m *requestMetrics, msg string) error {
	m.Fail("invalid_body", errors.New(msg))
	return c.String(http.StatusBadRequest, msg)
}

func decode(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respond(c echo.Context, m *requestMetrics, status int, body any) error {
	start := time.Now()
	err := c.JSON(status, body)
	m.ObserveEncode(time.Since(start))
	if err != nil {
		m.SetErrorStage("encode_response")
	}
	return err
}

func healthz(checks []HealthCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return c.String(http.StatusServiceUnavailable, err.Error())
			}
		}
		return c.NoContent(http.StatusOK)
	}
}

type createBoardRequest struct {
	Title string `json:"title"`
}

func (s *server) createBoard(c echo.Context, m *requestMetrics, actor string) error {
	var req createBoardRequest
	if err := decode(c, &req); err != nil {
		return badRequest(c, m, "invalid body")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return badRequest(c, m, "title is required")
	}
	start := time.Now()
	b, err := s.boards.CreateBoard(c.Request().Context(), title, actor)
	m.ObserveStore(time.Since(start))
	if err != nil {
		return fail(c, m, err)
	}
	m.SetBoard(b.ID)
	return respond(c, m, http.StatusCreated, b)
}

func (s *server) getBoard(c echo.Context, m *requestMetrics, _ string) error {
	boardID := c.Param("id")
	m.SetBoard(boardID)
	start := time.Now()
	snap, err := s.boards.Snapshot(c.Request().Context(), boardID)
	m.ObserveStore(time.Since(start))
	if err != nil {
		return fail(c, m, err)
	}
	return respond(c, m, http.StatusOK, snap)
}

type addMemberRequest struct {
	UserID string `json:"userId"`
}

func (s *server) addMember(c echo.Context, m *requestMetrics, actor string) error {
	boardID := c.Param("id")
	m.SetBoard(boardID)
	var req addMemberRequest
	if err := decode(c, &req); err != nil || req.UserID == "" {
		return badRequest(c, m, "userId is required")
	}
	start := time.Now()
	err := s.boards.AddMember(c.Request().Context(), boardID, req.UserID, actor)
	m.ObserveStore(time.Since(start))
	if err != nil {
		return fail(c, m, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *server) listAudit(c echo.Context, m *requestMetrics, _ string) error {
	boardID := c.Param("id")
	m.SetBoard(boardID)
	limit := defaultAuditLimit
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return badRequest(c, m, "invalid limit")
		}
		limit = min(n, maxAuditLimit)
	}
	start := time.Now()
	recs, err := s.audit.List(c.Request().Context(), boardID, limit)
	m.ObserveStore(time.Since(start))
	if err != nil {
		return fail(c, m, err)
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	return respond(c, m, http.StatusOK, recs)
}

func (s *server) createItem(c echo.Context, m *requestMetrics, actor string) error {
	var p domain.Payload
	if err := decode(c, &p); err != nil {
		return badRequest(c, m, "invalid body")
	}
	ctx := c.Request().Context()

	if key := c.Request().Header.Get(idempotencyHeader); key != "" && s.deduper != nil {
		added, derr := s.deduper.Add(ctx, actor, key)
		if derr != nil {
			m.Fail("deduper", derr)
			s.logger.WithError(derr).Warn("idempotency check failed")
			return c.String(http.StatusServiceUnavailable, "idempotency check failed")
		}
		if !added {
			m.Fail("duplicate", errors.New("duplicate request"))
			return c.String(http.StatusConflict, "duplicate request")
		}
		defer func() {
			if c.Response().Status >= http.StatusBadRequest {
				if rerr := s.deduper.Remove(context.WithoutCancel(ctx), actor, key); rerr != nil {
					s.logger.WithError(rerr).Warn("idempotency key not released")
				}
			}
		}()
	}

	start := time.Now()
	item, err := s.boards.Create(ctx, c.Param("id"), p, actor)
	m.ObserveStore(time.Since(start))
	if err != nil {
		return fail(c, m, err)
	}
	m.SetBoard(item.BoardID)
	return respond(c, m, http.StatusCreated, item)
}

type reorderResponse struct {
	Items []domain.Item `json:"items"`
}

func (s *server) reorder(c echo.Context, m *requestMetrics, actor string) error {
	var req domain.ReorderRequest
	if err := decode(c, &req); err != nil {
		return badRequest(c, m, "invalid body")
	}
	start := time.Now()
	items, err := s.boards.Renumber(c.Request().Context(), c.Param("id"), req.OrderedChildIDs, actor)
	m.ObserveStore(time.Since(start))
	if err != nil {
		return fail(c, m, err)
	}
	if len(items) > 0 {
		m.SetBoard(items[0].BoardID)
	}
	return respond(c, m, http.StatusOK, reorderResponse{Items: items})
}

func (s *server) move(c echo.Context, m *requestMetrics, actor string) error {
	var req domain.MoveRequest
	if err := decode(c, &req); err != nil {
		return badRequest(c, m, "invalid body")
	}
	if req.ItemID == "" || req.TargetContainerID == "" {
		return badRequest(c, m, "itemId and targetContainerId are required")
	}
	if req.Index != nil && req.Key != nil {
		return badRequest(c, m, "desiredOrdinalIndex and explicitKey are exclusive")
	}
	start := time.Now()
	item, err := s.boards.Move(c.Request().Context(), req, actor)
	m.ObserveStore(time.Since(start))
	if err != nil {
		return fail(c, m, err)
	}
	m.SetBoard(item.BoardID)
	return respond(c, m, http.StatusOK, domain.MoveResult{
		ItemID:      item.ID,
		ContainerID: item.ContainerID,
		OrderKey:    item.OrderKey,
	})
}

func (s *server) updateItem(c echo.Context, m *requestMetrics, actor string) error {
	var patch domain.PayloadPatch
	if err := decode(c, &patch); err != nil {
		return badRequest(c, m, "invalid body")
	}
	start := time.Now()
	item, err := s.boards.Update(c.Request().Context(), c.Param("id"), patch, actor)
	m.ObserveStore(time.Since(start))
	if err != nil {
		return fail(c, m, err)
	}
	m.SetBoard(item.BoardID)
	return respond(c, m, http.StatusOK, item)
}

func (s *server) deleteItem(c echo.Context, m *requestMetrics, actor string) error {
	start := time.Now()
	err := s.boards.Delete(c.Request().Context(), c.Param("id"), actor)
	m.ObserveStore(time.Since(start))
	if err != nil {
		return fail(c, m, err)
	}
	return c.NoContent(http.StatusNoContent)
}
