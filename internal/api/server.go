// Package api serves an RWKV model over HTTP. Clients open sessions, each
// holding one recurrent state, and feed them token ids.
package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/rwkv/internal/logger"
	"github.com/samcharles93/rwkv/internal/logits"
	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/rwkv"
	"github.com/samcharles93/rwkv/internal/strategy"
	"github.com/samcharles93/rwkv/internal/tensor"
)

// maxSnapshotBytes bounds uploaded state snapshots.
const maxSnapshotBytes = 1 << 30

// Engine is the model surface the server needs. *rwkv.Model implements it.
type Engine interface {
	Params() model.Params
	Plan() *strategy.Plan
	NewState() *rwkv.State
	Forward(tokens []int, state *rwkv.State, fullOutput bool) (*tensor.Mat, *rwkv.State, error)
}

type Server struct {
	store  *SessionStore
	engine Engine
	log    logger.Logger
	clock  func() time.Time
}

func NewServer(store *SessionStore, engine Engine, log logger.Logger) *Server {
	if store == nil {
		store = NewSessionStore()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Server{store: store, engine: engine, log: log, clock: time.Now}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/forward", s.handleForward)
	e.GET("/v1/sessions/:id/state", s.handleGetState)
	e.PUT("/v1/sessions/:id/state", s.handlePutState)
	e.GET("/v1/plan", s.handlePlan)

	metricsHandler := promhttp.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		metricsHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}

func (s *Server) session(c *echo.Context) (*Session, error) {
	id := c.Param("id")
	sess, ok := s.store.Get(id)
	if !ok {
		return nil, newNotFound(fmt.Sprintf("session %q not found", id))
	}
	return sess, nil
}

func (s *Server) describe(sess *Session) SessionResponse {
	p := s.engine.Params()
	return SessionResponse{
		ID:       sess.ID,
		Object:   "session",
		Created:  sess.Created.Unix(),
		Version:  p.Version.String(),
		Layers:   p.Layers,
		Consumed: sess.consumed,
	}
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	sess := s.store.Create(s.engine.NewState(), s.clock())
	s.log.Debug("session created", "id", sess.ID)
	return c.JSON(http.StatusOK, s.describe(sess))
}

func (s *Server) handleGetSession(c *echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return writeErr(c, err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return c.JSON(http.StatusOK, s.describe(sess))
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeErr(c, newNotFound(fmt.Sprintf("session %q not found", id)))
	}
	s.log.Debug("session deleted", "id", id)
	return c.JSON(http.StatusOK, DeleteResponse{ID: id, Object: "session.deleted", Deleted: true})
}

func (s *Server) handleForward(c *echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return writeErr(c, err)
	}
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, newInvalidRequest("invalid JSON body: "+err.Error()))
	}
	if len(req.Tokens) == 0 {
		return writeErr(c, newInvalidRequest("tokens must not be empty"))
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	// A failed forward may leave its state half advanced, so run on a copy.
	out, next, err := s.engine.Forward(req.Tokens, sess.state.Clone(), req.FullOutput)
	if err != nil {
		s.log.Warn("forward failed", "session", sess.ID, "error", err)
		return writeErr(c, err)
	}
	sess.state = next
	sess.consumed += len(req.Tokens)

	resp := ForwardResponse{
		ID:       sess.ID,
		Object:   "forward",
		Consumed: sess.consumed,
		Logits:   make([][]float32, out.R),
		Argmax:   make([]int, out.R),
	}
	for i := range out.R {
		row := append([]float32(nil), out.Row(i)...)
		resp.Logits[i] = row
		resp.Argmax[i] = logits.Argmax(row)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetState(c *echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return writeErr(c, err)
	}
	sess.mu.Lock()
	raw, err := sess.state.MarshalBinary()
	sess.mu.Unlock()
	if err != nil {
		return writeErr(c, err)
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, raw)
}

func (s *Server) handlePutState(c *echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return writeErr(c, err)
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxSnapshotBytes))
	if err != nil {
		return writeErr(c, newInvalidRequest("read body: "+err.Error()))
	}
	var st rwkv.State
	if err := st.UnmarshalBinary(raw); err != nil {
		return writeErr(c, err)
	}
	if err := st.Validate(s.engine.Params()); err != nil {
		return writeErr(c, err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.state = &st
	return c.JSON(http.StatusOK, s.describe(sess))
}

func (s *Server) handlePlan(c *echo.Context) error {
	plan := s.engine.Plan()
	resp := PlanResponse{Strategy: plan.Spec, Summary: plan.Summary()}
	for i, lp := range plan.Layers {
		resp.Layers = append(resp.Layers, PlanLayer{
			Index:      i,
			Device:     lp.Device,
			ActType:    lp.ActType.String(),
			WeightType: lp.WeightType.String(),
			QuantBits:  lp.QuantBits,
			Stream:     lp.Stream,
			Head:       i == plan.NumLayers(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func writeErr(c *echo.Context, err error) error {
	status, typ := statusOf(err)
	return c.JSON(status, map[string]any{"error": ErrorBody{Message: err.Error(), Type: typ}})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
