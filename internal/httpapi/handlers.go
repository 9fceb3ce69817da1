package httpapi

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gomarkdown/markdown"
	mhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/xxtea01/shareserve/api/mpc"
	"github.com/xxtea01/shareserve/api/serving"
	"github.com/xxtea01/shareserve/api/share"
	"github.com/xxtea01/shareserve/api/tensor"
)

// httpStatus maps protocol sentinels onto HTTP status codes. Anything
// unrecognized is a 500.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, mpc.ErrBudgetExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, mpc.ErrClusterNotReady), errors.Is(err, mpc.ErrClusterStartTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, mpc.ErrProtocolTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, mpc.ErrPartyFaulted):
		return http.StatusBadGateway
	case errors.Is(err, mpc.ErrInvalidState), errors.Is(err, mpc.ErrAlreadyStopped):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func jsonError(c echo.Context, err error) error {
	return c.JSON(httpStatus(err), map[string]any{"error": err.Error()})
}

func jsonMessage(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]any{"error": msg})
}

func (s *Server) handleClusterStart(c echo.Context) error {
	if err := s.cluster.Start(c.Request().Context()); err != nil {
		s.activity.Record("cluster", "start failed: %v", err)
		return jsonError(c, err)
	}
	s.activity.Record("cluster", "started %d parties (%s)", s.cluster.Parties(), s.cluster.Mode())
	return c.JSON(http.StatusOK, map[string]any{
		"parties": s.cluster.Parties(),
		"mode":    s.cluster.Mode(),
	})
}

func (s *Server) handleClusterStop(c echo.Context) error {
	s.closeSession("cluster stopping")
	if err := s.cluster.Stop(); err != nil {
		s.activity.Record("cluster", "stop failed: %v", err)
		return jsonError(c, err)
	}
	s.activity.Record("cluster", "cluster stopped")
	return c.JSON(http.StatusOK, map[string]any{"stopped": true})
}

// closeSession stops the active queue, if any, and closes its registry
// session. Errors are logged, not returned; the caller is tearing down.
func (s *Server) closeSession(reason string) {
	s.mu.Lock()
	sm := s.secure
	sid := s.session
	s.session = 0
	s.mu.Unlock()

	if sm != nil && sm.State() == serving.StateServing {
		if err := sm.Stop(); err != nil {
			s.logger.Printf("httpapi: stopping queue: %v", err)
		}
	}
	if sid != 0 {
		if err := s.registry.EndSession(sid); err != nil {
			s.logger.Printf("httpapi: closing session %d: %v", sid, err)
		}
		s.activity.Record("serve", "session %d closed (%s)", sid, reason)
	}
}

// handleShare splits the model's weights into shares and loads them onto the
// parties. A stopped deployment is replaced by a fresh one so the model can
// be shared again.
func (s *Server) handleShare(c echo.Context) error {
	s.mu.Lock()
	sm := s.secure
	if sm == nil || sm.State() == serving.StateStopped {
		fresh, err := serving.NewSecureModel(s.model, s.cluster, s.servingOpts)
		if err != nil {
			s.mu.Unlock()
			return jsonError(c, err)
		}
		s.secure = fresh
		sm = fresh
	}
	s.mu.Unlock()

	if err := sm.Share(c.Request().Context()); err != nil {
		s.activity.Record("share", "sharing %q failed: %v", s.model.Name, err)
		return jsonError(c, err)
	}
	s.activity.Record("share", "model %q shared across %d parties", s.model.Name, s.cluster.Parties())
	return c.JSON(http.StatusOK, map[string]any{
		"model":   s.model.Name,
		"parties": s.cluster.Parties(),
		"state":   sm.State(),
	})
}

type serveRequest struct {
	Budget int `json:"budget"`
}

func (s *Server) handleServe(c echo.Context) error {
	var req serveRequest
	if err := c.Bind(&req); err != nil {
		return jsonMessage(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Budget < 0 {
		return jsonMessage(c, http.StatusBadRequest, "budget must not be negative")
	}

	s.mu.Lock()
	sm := s.secure
	s.mu.Unlock()
	if sm == nil {
		return jsonMessage(c, http.StatusConflict, "share the model before serving")
	}
	if err := sm.Serve(req.Budget); err != nil {
		return jsonError(c, err)
	}

	s.mu.Lock()
	if s.session == 0 {
		sid, err := s.registry.BeginSession(s.model.Name, s.cluster.Parties(), req.Budget)
		if err != nil {
			s.logger.Printf("httpapi: recording session: %v", err)
		} else {
			s.session = sid
		}
	}
	sid := s.session
	s.mu.Unlock()

	s.activity.Record("serve", "model %q serving, budget %s", s.model.Name, budgetText(req.Budget))
	return c.JSON(http.StatusOK, map[string]any{
		"session": sid,
		"queue":   sm.Stats(),
	})
}

func budgetText(budget int) string {
	if budget == 0 {
		return "unlimited"
	}
	return strconv.Itoa(budget)
}

func (s *Server) handleStop(c echo.Context) error {
	s.mu.Lock()
	sm := s.secure
	sid := s.session
	s.session = 0
	s.mu.Unlock()

	if sm == nil {
		return jsonMessage(c, http.StatusConflict, "no model is being served")
	}
	if err := sm.Stop(); err != nil {
		return jsonError(c, err)
	}
	if sid != 0 {
		if err := s.registry.EndSession(sid); err != nil {
			s.logger.Printf("httpapi: closing session %d: %v", sid, err)
		}
		s.activity.Record("serve", "session %d closed", sid)
	}
	s.activity.Record("serve", "model %q stopped", s.model.Name)
	return c.JSON(http.StatusOK, sm.Stats())
}

type predictRequest struct {
	Input []float64 `json:"input"`
}

type shareResponse struct {
	Party  int     `json:"party"`
	Values []int64 `json:"values"`
}

func toShareResponses(shares []share.Share) []shareResponse {
	out := make([]shareResponse, 0, len(shares))
	for _, sh := range shares {
		out = append(out, shareResponse{Party: sh.Party, Values: sh.Values.Data})
	}
	return out
}

// handlePredict answers one inference request. The response carries the
// parties' output shares plus the reconstructed prediction, since the
// coordinator process doubles as the demo client.
func (s *Server) handlePredict(c echo.Context) error {
	var req predictRequest
	if err := c.Bind(&req); err != nil {
		return jsonMessage(c, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Input) != s.model.InputDim() {
		return jsonMessage(c, http.StatusBadRequest,
			"model "+s.model.Name+" takes an input vector of length "+strconv.Itoa(s.model.InputDim()))
	}

	s.mu.Lock()
	sm := s.secure
	sid := s.session
	s.mu.Unlock()
	if sm == nil {
		return jsonMessage(c, http.StatusConflict, "share the model before predicting")
	}

	id := uuid.NewString()
	start := time.Now()
	shares, err := sm.PredictShares(c.Request().Context(), tensor.Vector(req.Input...))
	latency := time.Since(start)
	if sid != 0 {
		if rerr := s.registry.RecordRequest(sid, id, err, latency); rerr != nil {
			s.logger.Printf("httpapi: recording request %s: %v", id, rerr)
		}
	}
	if err != nil {
		s.activity.Record("predict", "request %s failed: %v", id, err)
		return jsonError(c, err)
	}
	out, err := sm.Reconstruct(shares)
	if err != nil {
		return jsonError(c, err)
	}

	s.activity.Record("predict", "request %s answered in %s", id, latency.Round(time.Millisecond))
	return c.JSON(http.StatusOK, map[string]any{
		"request":    id,
		"prediction": out.Data,
		"shares":     toShareResponses(shares),
		"latency_ms": latency.Milliseconds(),
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	s.mu.Lock()
	sm := s.secure
	sid := s.session
	s.mu.Unlock()

	// Best effort: a dead party should show up now, not a heartbeat later.
	refreshCtx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	if err := s.cluster.Refresh(refreshCtx); err != nil {
		s.logger.Printf("httpapi: status refresh: %v", err)
	}
	cancel()

	resp := map[string]any{
		"cluster": map[string]any{
			"mode":    s.cluster.Mode(),
			"ready":   s.cluster.Ready(),
			"parties": s.cluster.Status(),
		},
		"model": map[string]any{
			"name":       s.model.Name,
			"layers":     len(s.model.Layers),
			"input_dim":  s.model.InputDim(),
			"output_dim": s.model.OutputDim(),
		},
	}
	if sm != nil {
		resp["queue"] = sm.Stats()
	}
	if sid != 0 {
		succeeded, failed, err := s.registry.RequestCounts(sid)
		if err != nil {
			s.logger.Printf("httpapi: request counts: %v", err)
		} else {
			resp["session"] = map[string]any{
				"id":        sid,
				"succeeded": succeeded,
				"failed":    failed,
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleActivity(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return jsonMessage(c, http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	return c.JSON(http.StatusOK, map[string]any{"events": s.activity.Recent(limit)})
}

// handleDocs renders one markdown page from the docs directory.
func (s *Server) handleDocs(c echo.Context) error {
	page := c.Param("page")
	if page == "" || page != filepath.Base(page) || page[0] == '.' {
		return jsonMessage(c, http.StatusBadRequest, "invalid page name")
	}
	content, err := mdToHTML(filepath.Join(s.docsDir, page+".md"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return jsonMessage(c, http.StatusNotFound, "no page named "+page)
		}
		return jsonError(c, err)
	}
	return c.HTML(http.StatusOK, content)
}

// mdToHTML parses a markdown file and returns its HTML rendering.
func mdToHTML(fname string) (string, error) {
	md, err := os.ReadFile(fname)
	if err != nil {
		return "", err
	}

	extensions := parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock
	p := parser.NewWithExtensions(extensions)
	doc := p.Parse(md)

	htmlFlags := mhtml.CommonFlags | mhtml.HrefTargetBlank
	renderer := mhtml.NewRenderer(mhtml.RendererOptions{Flags: htmlFlags})
	return string(markdown.Render(doc, renderer)), nil
}
