package restgw

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/SimonWaldherr/tinySQL/internal/logging"
	"github.com/SimonWaldherr/tinySQL/internal/metrics"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowcodec"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowops"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/schema"
)

// tableBinding is a registered table's RowOps plus a private transaction
// counter: every gateway request is its own single-operation, auto-
// committing transaction, matching the stateless contract spec.md §1
// requires of the REST gateway.
type tableBinding struct {
	desc  *schema.Descriptor
	ops   *rowops.Ops
	txSeq uint64
}

func (b *tableBinding) nextTx() rowops.TxID {
	return rowops.TxID(atomic.AddUint64(&b.txSeq, 1))
}

// Server is the stateless REST gateway: an echo router over a set of
// registered fragments, reached by table name.
type Server struct {
	Echo *echo.Echo

	mu       sync.RWMutex
	tables   map[string]*tableBinding
	features FeatureStorePort
	maxBatch int
}

// NewServer builds a Server with the given feature-store port (may be nil
// to disable the /batch feature-join path) and maximum batch size
// (SPEC_FULL.md §6's MaxBatchSize, a config_structs.hpp-derived limit).
func NewServer(features FeatureStorePort, maxBatch int) *Server {
	s := &Server{
		Echo:     echo.New(),
		tables:   make(map[string]*tableBinding),
		features: features,
		maxBatch: maxBatch,
	}
	s.Echo.HideBanner = true
	s.Echo.Use(middleware.Recover())
	s.Echo.Use(requestIDMiddleware())
	s.Echo.Use(accessLogMiddleware())
	s.routes()
	return s
}

// RegisterTable exposes ops under name, resolved from the table's own
// descriptor if name is empty.
func (s *Server) RegisterTable(name string, ops *rowops.Ops) {
	if name == "" {
		name = ops.Desc().TableName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[name] = &tableBinding{desc: ops.Desc(), ops: ops}
}

func (s *Server) lookup(name string) (*tableBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("no such table %q", name)
	}
	return b, nil
}

func (s *Server) routes() {
	g := s.Echo.Group("/:table")
	g.POST("/pk-read", s.handlePKRead)
	g.POST("/batch", s.handleBatch)
	g.POST("/pk-insert", s.handlePKInsert)
	g.POST("/pk-update", s.handlePKUpdate)
	g.POST("/pk-delete", s.handlePKDelete)
	s.Echo.GET("/healthz", func(c echo.Context) error { return c.JSON(http.StatusOK, map[string]bool{"ok": true}) })
	s.Echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}

func requestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := uuid.NewString()
			c.Response().Header().Set("X-Request-Id", id)
			c.Set("request_id", id)
			return next(c)
		}
	}
}

func accessLogMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			timer := metrics.NewTimer()
			err := next(c)
			elapsed := time.Since(start)
			logging.Logger.Info().
				Str("method", c.Request().Method).
				Str("path", c.Path()).
				Str("request_id", fmt.Sprint(c.Get("request_id"))).
				Int("status", c.Response().Status).
				Dur("latency", elapsed).
				Msg("http_request")
			timer.ObserveDurationVec(metrics.GatewayRequestDuration, c.Param("table"), c.Path())
			return err
		}
	}
}

func (s *Server) handlePKRead(c echo.Context) error {
	b, err := s.lookup(c.Param("table"))
	if err != nil {
		return c.JSON(http.StatusNotFound, PKReadResponse{Code: http.StatusNotFound, Message: err.Error()})
	}
	var req PKReadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, PKReadResponse{Code: http.StatusBadRequest, Message: err.Error()})
	}
	resp := s.doRead(c.Request().Context(), b, req)
	return c.JSON(resp.Code, resp)
}

func (s *Server) doRead(ctx context.Context, b *tableBinding, req PKReadRequest) PKReadResponse {
	keyRow, err := buildKeyRow(b.desc, req.Filters)
	if err != nil {
		return PKReadResponse{OperationID: req.OperationID, Code: http.StatusBadRequest, Message: err.Error()}
	}
	attrIDs := make([]schema.AttrID, 0, len(req.ReadColumns))
	for _, rc := range req.ReadColumns {
		idx := b.desc.ByName(rc.Column)
		if idx < 0 {
			return PKReadResponse{OperationID: req.OperationID, Code: http.StatusBadRequest,
				Message: fmt.Sprintf("unknown column %q", rc.Column)}
		}
		attrIDs = append(attrIDs, b.desc.Attrs[idx].ID)
	}
	plan, err := rowcodec.PrepareRead(b.desc, attrIDs)
	if err != nil {
		return PKReadResponse{OperationID: req.OperationID, Code: http.StatusBadRequest, Message: err.Error()}
	}
	vals, matched, err := b.ops.Read(ctx, b.nextTx(), keyRow, plan, nil)
	if err != nil {
		return PKReadResponse{OperationID: req.OperationID, Code: statusFor(err), Message: err.Error()}
	}
	if !matched {
		return PKReadResponse{OperationID: req.OperationID, Code: http.StatusNotFound, Message: "row did not match the interpreted filter"}
	}
	data := make(map[string]any, len(attrIDs))
	for i, id := range attrIDs {
		idx := b.desc.Index(id)
		data[b.desc.Attrs[idx].Name] = valueToJSON(b.desc.Attrs[idx], vals[i])
	}
	if len(req.Features) > 0 && s.features != nil {
		feats, err := s.features.GetFeatures(ctx, entityKeyOf(req.Filters), req.Features)
		if err == nil {
			data["features"] = feats
		}
	}
	return PKReadResponse{OperationID: req.OperationID, Data: data, Code: http.StatusOK}
}

func (s *Server) handleBatch(c echo.Context) error {
	b, err := s.lookup(c.Param("table"))
	if err != nil {
		return c.JSON(http.StatusNotFound, []PKReadResponse{{Code: http.StatusNotFound, Message: err.Error()}})
	}
	var reqs []PKReadRequest
	if err := c.Bind(&reqs); err != nil {
		return c.JSON(http.StatusBadRequest, []PKReadResponse{{Code: http.StatusBadRequest, Message: err.Error()}})
	}
	if len(reqs) > s.maxBatch {
		return c.JSON(http.StatusRequestEntityTooLarge, []PKReadResponse{
			{Code: http.StatusRequestEntityTooLarge, Message: fmt.Sprintf("batch of %d exceeds limit %d", len(reqs), s.maxBatch)},
		})
	}
	ctx := c.Request().Context()
	out := make([]PKReadResponse, len(reqs))
	for i, req := range reqs {
		out[i] = s.doRead(ctx, b, req)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handlePKInsert(c echo.Context) error {
	b, err := s.lookup(c.Param("table"))
	if err != nil {
		return c.JSON(http.StatusNotFound, PKWriteResponse{Code: http.StatusNotFound, Message: err.Error()})
	}
	var req PKWriteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, PKWriteResponse{Code: http.StatusBadRequest, Message: err.Error()})
	}
	row, err := buildKeyRow(b.desc, req.Filters)
	if err != nil {
		return c.JSON(http.StatusBadRequest, PKWriteResponse{Code: http.StatusBadRequest, Message: err.Error()})
	}
	for _, d := range req.Data {
		idx := b.desc.ByName(d.Column)
		if idx < 0 {
			return c.JSON(http.StatusBadRequest, PKWriteResponse{Code: http.StatusBadRequest,
				Message: fmt.Sprintf("unknown column %q", d.Column)})
		}
		val, err := valueFromJSON(b.desc.Attrs[idx], d.Value)
		if err != nil {
			return c.JSON(http.StatusBadRequest, PKWriteResponse{Code: http.StatusBadRequest, Message: err.Error()})
		}
		row.Set(idx, val)
	}

	ctx := c.Request().Context()
	tx := b.nextTx()
	if err := b.ops.Insert(ctx, tx, row, nil); err != nil {
		return c.JSON(statusFor(err), PKWriteResponse{OperationID: req.OperationID, Code: statusFor(err), Message: err.Error()})
	}
	return s.commitOrAbort(c, b, tx, req.OperationID)
}

func (s *Server) handlePKUpdate(c echo.Context) error {
	b, err := s.lookup(c.Param("table"))
	if err != nil {
		return c.JSON(http.StatusNotFound, PKWriteResponse{Code: http.StatusNotFound, Message: err.Error()})
	}
	var req PKWriteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, PKWriteResponse{Code: http.StatusBadRequest, Message: err.Error()})
	}
	keyRow, err := buildKeyRow(b.desc, req.Filters)
	if err != nil {
		return c.JSON(http.StatusBadRequest, PKWriteResponse{Code: http.StatusBadRequest, Message: err.Error()})
	}
	updates := make([]rowcodec.AttrUpdate, 0, len(req.Data))
	for _, d := range req.Data {
		idx := b.desc.ByName(d.Column)
		if idx < 0 {
			return c.JSON(http.StatusBadRequest, PKWriteResponse{Code: http.StatusBadRequest,
				Message: fmt.Sprintf("unknown column %q", d.Column)})
		}
		val, err := valueFromJSON(b.desc.Attrs[idx], d.Value)
		if err != nil {
			return c.JSON(http.StatusBadRequest, PKWriteResponse{Code: http.StatusBadRequest, Message: err.Error()})
		}
		updates = append(updates, rowcodec.AttrUpdate{AttrID: b.desc.Attrs[idx].ID, Value: val})
	}

	ctx := c.Request().Context()
	tx := b.nextTx()
	if err := b.ops.Update(ctx, tx, keyRow, updates, nil); err != nil {
		return c.JSON(statusFor(err), PKWriteResponse{OperationID: req.OperationID, Code: statusFor(err), Message: err.Error()})
	}
	return s.commitOrAbort(c, b, tx, req.OperationID)
}

func (s *Server) handlePKDelete(c echo.Context) error {
	b, err := s.lookup(c.Param("table"))
	if err != nil {
		return c.JSON(http.StatusNotFound, PKWriteResponse{Code: http.StatusNotFound, Message: err.Error()})
	}
	var req PKWriteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, PKWriteResponse{Code: http.StatusBadRequest, Message: err.Error()})
	}
	keyRow, err := buildKeyRow(b.desc, req.Filters)
	if err != nil {
		return c.JSON(http.StatusBadRequest, PKWriteResponse{Code: http.StatusBadRequest, Message: err.Error()})
	}

	ctx := c.Request().Context()
	tx := b.nextTx()
	if err := b.ops.Delete(ctx, tx, keyRow); err != nil {
		return c.JSON(statusFor(err), PKWriteResponse{OperationID: req.OperationID, Code: statusFor(err), Message: err.Error()})
	}
	return s.commitOrAbort(c, b, tx, req.OperationID)
}

func (s *Server) commitOrAbort(c echo.Context, b *tableBinding, tx rowops.TxID, opID string) error {
	if err := b.ops.Commit(c.Request().Context(), tx); err != nil {
		b.ops.Abort(tx)
		return c.JSON(statusFor(err), PKWriteResponse{OperationID: opID, Code: statusFor(err), Message: err.Error()})
	}
	return c.JSON(http.StatusOK, PKWriteResponse{OperationID: opID, Code: http.StatusOK})
}

func entityKeyOf(filters []PKFilter) string {
	var sb strings.Builder
	for i, f := range filters {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%v", f.Column, f.Value)
	}
	return sb.String()
}

func statusFor(err error) int {
	e, ok := err.(*rerr.Error)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case rerr.KindSchema:
		return http.StatusBadRequest
	case rerr.KindSequencing:
		return http.StatusNotFound
	case rerr.KindResourceExhaustion:
		return http.StatusServiceUnavailable
	case rerr.KindDiskPending:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}
