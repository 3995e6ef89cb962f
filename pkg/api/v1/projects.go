package apiv1

import (
	"net/http"

	"github.com/beam-cloud/airsync/pkg/auth"
	"github.com/beam-cloud/airsync/pkg/engine"
	"github.com/beam-cloud/airsync/pkg/terminal"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/labstack/echo/v4"
)

type ProjectsGroup struct {
	routerGroup *echo.Group
	engine      *engine.Engine
}

type OpenTerminalRequest struct {
	TabID string `json:"tab_id"`
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
}

type CreateEntryRequest struct {
	ParentID string `json:"parent_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"` // "file" (default) or "folder"
	Content  string `json:"content"`
}

type UpdateEntryRequest struct {
	Name     *string `json:"name,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
	Content  *string `json:"content,omitempty"`
}

type WatcherStatusResponse struct {
	types.WatcherStatus
	Pending []string `json:"pending,omitempty"`
}

func NewProjectsGroup(routerGroup *echo.Group, e *engine.Engine) *ProjectsGroup {
	g := &ProjectsGroup{routerGroup: routerGroup, engine: e}
	g.registerRoutes()
	return g
}

func (g *ProjectsGroup) registerRoutes() {
	g.routerGroup.GET("/sandboxes", g.ListSandboxes)

	p := g.routerGroup.Group("/projects/:project_id", RequireProject())
	p.POST("/sandbox", g.RequestSandbox)
	p.GET("/sandbox", g.GetSandbox)
	p.DELETE("/sandbox", g.TeardownSandbox)

	p.POST("/sync", g.ForceSync)
	p.GET("/watcher", g.WatcherStatus)

	p.GET("/terminals", g.ListTerminals)
	p.POST("/terminals", g.OpenTerminal)
	p.DELETE("/terminals/:session_id", g.CloseTerminal)

	p.GET("/entries", g.ListEntries)
	p.POST("/entries", g.CreateEntry)
	p.GET("/entries/:entry_id", g.GetEntry)
	p.PATCH("/entries/:entry_id", g.UpdateEntry)
	p.DELETE("/entries/:entry_id", g.DeleteEntry)
}

func (g *ProjectsGroup) ListSandboxes(c echo.Context) error {
	id := auth.IdentityFromContext(c.Request().Context())

	var out []types.SandboxState
	for _, s := range g.engine.ListSandboxes() {
		if id.HasProjectAccess(s.ProjectID) {
			out = append(out, s)
		}
	}
	return SuccessResponse(c, out)
}

// RequestSandbox answers ready, pending or error. Pending answers use 202 so
// clients know to poll.
func (g *ProjectsGroup) RequestSandbox(c echo.Context) error {
	ctx := c.Request().Context()

	res, err := g.engine.RequestSandbox(ctx, auth.UserID(ctx), c.Param("project_id"))
	if err != nil {
		return HandleError(c, err)
	}

	switch res.Status {
	case types.SandboxRequestPending:
		return c.JSON(http.StatusAccepted, Response{Success: true, Data: res})
	case types.SandboxRequestError:
		c.Response().Header().Set("Retry-After", "5")
		return c.JSON(http.StatusServiceUnavailable, Response{Success: false, Data: res, Error: res.Error, Code: "sandbox_unavailable"})
	}
	return SuccessResponse(c, res)
}

func (g *ProjectsGroup) GetSandbox(c echo.Context) error {
	state, ok := g.engine.GetSandbox(c.Param("project_id"))
	if !ok {
		return ErrorResponse(c, http.StatusNotFound, "no sandbox for project")
	}
	return SuccessResponse(c, state)
}

func (g *ProjectsGroup) TeardownSandbox(c echo.Context) error {
	ctx := c.Request().Context()
	if err := g.engine.TeardownSandbox(ctx, auth.UserID(ctx), c.Param("project_id")); err != nil {
		return HandleError(c, err)
	}
	return SuccessResponse(c, nil)
}

func (g *ProjectsGroup) ForceSync(c echo.Context) error {
	ctx := c.Request().Context()
	counts, err := g.engine.ForceSync(ctx, auth.UserID(ctx), c.Param("project_id"))
	if err != nil {
		return HandleError(c, err)
	}
	return SuccessResponse(c, counts)
}

func (g *ProjectsGroup) WatcherStatus(c echo.Context) error {
	ctx := c.Request().Context()
	projectID := c.Param("project_id")

	status, err := g.engine.GetWatcherStatus(ctx, auth.UserID(ctx), projectID)
	if err != nil {
		return HandleError(c, err)
	}
	return SuccessResponse(c, WatcherStatusResponse{
		WatcherStatus: status,
		Pending:       g.engine.PendingPaths(projectID),
	})
}

func (g *ProjectsGroup) ListTerminals(c echo.Context) error {
	return SuccessResponse(c, g.engine.ListTerminals(c.Param("project_id")))
}

func (g *ProjectsGroup) OpenTerminal(c echo.Context) error {
	ctx := c.Request().Context()

	var req OpenTerminalRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "invalid request body")
	}
	if req.TabID == "" {
		return ErrorResponse(c, http.StatusBadRequest, "tab_id is required")
	}

	att, err := g.engine.OpenTerminal(ctx, auth.UserID(ctx), terminal.OpenRequest{
		ProjectID: c.Param("project_id"),
		TabID:     req.TabID,
		Cols:      req.Cols,
		Rows:      req.Rows,
	})
	if err != nil {
		return HandleError(c, err)
	}

	status := http.StatusCreated
	if att.Attached {
		status = http.StatusOK
	}
	return c.JSON(status, Response{Success: true, Data: att})
}

func (g *ProjectsGroup) CloseTerminal(c echo.Context) error {
	sessionID := c.Param("session_id")

	state, err := g.engine.GetTerminal(sessionID)
	if err != nil {
		return HandleError(c, err)
	}
	if state.ProjectID != c.Param("project_id") {
		return ErrorResponse(c, http.StatusNotFound, "terminal session not found")
	}

	if err := g.engine.CloseTerminal(sessionID); err != nil {
		return HandleError(c, err)
	}
	return SuccessResponse(c, nil)
}

func (g *ProjectsGroup) ListEntries(c echo.Context) error {
	ctx := c.Request().Context()
	entries, err := g.engine.ListEntries(ctx, auth.UserID(ctx), c.Param("project_id"))
	if err != nil {
		return HandleError(c, err)
	}
	return SuccessResponse(c, entries)
}

func (g *ProjectsGroup) GetEntry(c echo.Context) error {
	ctx := c.Request().Context()
	entry, err := g.engine.GetEntry(ctx, auth.UserID(ctx), c.Param("project_id"), c.Param("entry_id"))
	if err != nil {
		return HandleError(c, err)
	}
	return SuccessResponse(c, entry)
}

func (g *ProjectsGroup) CreateEntry(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateEntryRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "invalid request body")
	}

	actor := engine.Actor{UserID: auth.UserID(ctx)}
	projectID := c.Param("project_id")

	var (
		entry *types.Entry
		err   error
	)
	switch types.EntryKind(req.Kind) {
	case types.EntryKindFolder:
		entry, err = g.engine.CreateFolder(ctx, projectID, actor, req.ParentID, req.Name)
	case types.EntryKindFile, "":
		entry, err = g.engine.CreateFile(ctx, projectID, actor, req.ParentID, req.Name, []byte(req.Content))
	default:
		return ErrorResponse(c, http.StatusBadRequest, "kind must be file or folder")
	}
	if err != nil {
		return HandleError(c, err)
	}

	return c.JSON(http.StatusCreated, Response{Success: true, Data: entry.Summary()})
}

// UpdateEntry renames, moves and/or saves content, in that order
func (g *ProjectsGroup) UpdateEntry(c echo.Context) error {
	ctx := c.Request().Context()

	var req UpdateEntryRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Name == nil && req.ParentID == nil && req.Content == nil {
		return ErrorResponse(c, http.StatusBadRequest, "nothing to update")
	}

	actor := engine.Actor{UserID: auth.UserID(ctx)}
	projectID, id := c.Param("project_id"), c.Param("entry_id")

	var (
		entry *types.Entry
		err   error
	)
	if req.Name != nil {
		if entry, err = g.engine.Rename(ctx, projectID, actor, id, *req.Name); err != nil {
			return HandleError(c, err)
		}
	}
	if req.ParentID != nil {
		if entry, err = g.engine.Move(ctx, projectID, actor, id, *req.ParentID); err != nil {
			return HandleError(c, err)
		}
	}
	if req.Content != nil {
		if entry, err = g.engine.SaveContent(ctx, projectID, actor, id, []byte(*req.Content)); err != nil {
			return HandleError(c, err)
		}
	}
	return SuccessResponse(c, entry.Summary())
}

func (g *ProjectsGroup) DeleteEntry(c echo.Context) error {
	ctx := c.Request().Context()

	removed, err := g.engine.Delete(ctx, c.Param("project_id"), engine.Actor{UserID: auth.UserID(ctx)}, c.Param("entry_id"))
	if err != nil {
		return HandleError(c, err)
	}

	ids := make([]string, 0, len(removed))
	for _, e := range removed {
		ids = append(ids, e.ID)
	}
	return SuccessResponse(c, map[string][]string{"deleted": ids})
}
