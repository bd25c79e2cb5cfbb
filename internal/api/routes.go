package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/conda-incubator/condastore/internal/app"
	"github.com/conda-incubator/condastore/internal/catalog"
	"github.com/conda-incubator/condastore/internal/models"
	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, a *app.App) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")

	v1.POST("/builds", handleRegister(a))
	v1.GET("/builds", handleListBuilds(a))
	v1.GET("/builds/:id", handleGetBuild(a))
	v1.POST("/builds/:id/cancel", handleCancel(a))
	v1.POST("/builds/:id/archive", handleArchive(a))
	v1.GET("/builds/:id/artifacts", handleListArtifacts(a))
	v1.GET("/builds/:id/artifacts/:type", handleGetArtifact(a))
	v1.GET("/builds/:id/events", handleBuildEvents(a))

	v1.POST("/solves", handleSubmitSolve(a))
	v1.GET("/solves/:id", handleGetSolve(a))

	v1.DELETE("/namespaces/:namespace", handleDeleteNamespace(a))
	v1.PUT("/namespaces/:namespace/metadata", handleSetMetadata(a))
	v1.DELETE("/namespaces/:namespace/environments/:environment", handleDeleteEnvironment(a))
}

// writeError maps catalog errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, catalog.ErrValidation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, catalog.ErrConflict), errors.Is(err, catalog.ErrIllegalTransition):
		status = http.StatusConflict
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, format string, args ...any) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf(format, args...)})
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, "invalid id %q", c.Param("id"))
		return 0, false
	}
	return uint(id), true
}

// specBytes returns the specification carried in a request body. A JSON
// string holds a YAML or JSON document; an object is the document itself.
func specBytes(raw json.RawMessage) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, fmt.Errorf("%w: specification is required", catalog.ErrValidation)
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", catalog.ErrValidation, err)
		}
		return []byte(s), nil
	}
	return raw, nil
}

type registerBody struct {
	Namespace     string          `json:"namespace" binding:"required"`
	Environment   string          `json:"environment" binding:"required"`
	Description   string          `json:"description"`
	Specification json.RawMessage `json:"specification"`
}

func handleRegister(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body registerBody
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "%v", err)
			return
		}
		spec, err := specBytes(body.Specification)
		if err != nil {
			writeError(c, err)
			return
		}
		res, err := a.Register(app.RegisterRequest{
			Namespace:     body.Namespace,
			Environment:   body.Environment,
			Description:   body.Description,
			Specification: spec,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"build":      newBuildView(res.Build),
			"superseded": res.Superseded,
		})
	}
}

func handleListBuilds(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := catalog.BuildFilter{
			Namespace:   c.Query("namespace"),
			Environment: c.Query("environment"),
			Status:      strings.ToUpper(c.Query("status")),
			Hash:        c.Query("hash"),
		}
		if s := c.Query("archived"); s != "" {
			v, err := strconv.ParseBool(s)
			if err != nil {
				badRequest(c, "invalid archived %q", s)
				return
			}
			filter.IncludeArchived = v
		}
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				badRequest(c, "invalid limit %q", s)
				return
			}
			filter.Limit = n
		}
		builds, err := a.ListBuilds(filter)
		if err != nil {
			writeError(c, err)
			return
		}
		views := make([]buildView, 0, len(builds))
		for i := range builds {
			views = append(views, newBuildView(&builds[i]))
		}
		c.JSON(http.StatusOK, gin.H{"builds": views})
	}
}

func handleGetBuild(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		b, err := a.GetBuild(id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newBuildView(b))
	}
}

func handleCancel(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		b, err := a.Cancel(id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newBuildView(b))
	}
}

func handleArchive(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		b, err := a.Archive(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newBuildView(b))
	}
}

func handleListArtifacts(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		arts, err := a.Artifacts(id)
		if err != nil {
			writeError(c, err)
			return
		}
		views := make([]artifactView, 0, len(arts))
		for _, art := range arts {
			views = append(views, artifactView{ID: art.ID, Type: art.ArtifactType, Key: art.Key})
		}
		c.JSON(http.StatusOK, gin.H{"artifacts": views})
	}
}

// contentTypes picks the response type for streamed artifacts.
var contentTypes = map[models.ArtifactType]string{
	models.ArtifactLogs:     "text/plain; charset=utf-8",
	models.ArtifactYAML:     "application/yaml",
	models.ArtifactLockfile: "application/yaml",
}

func handleGetArtifact(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		typ, err := models.ParseArtifactType(c.Param("type"))
		if err != nil {
			badRequest(c, "%v", err)
			return
		}
		rc, art, err := a.GetArtifact(c.Request.Context(), id, typ)
		if err != nil {
			writeError(c, err)
			return
		}
		defer rc.Close()

		ct, ok := contentTypes[typ]
		if !ok {
			ct = "application/octet-stream"
		}
		name := art.Key[strings.LastIndex(art.Key, "/")+1:]
		c.DataFromReader(http.StatusOK, -1, ct, rc, map[string]string{
			"Content-Disposition": fmt.Sprintf("attachment; filename=%q", name),
		})
	}
}

type solveBody struct {
	Specification json.RawMessage `json:"specification"`
}

func handleSubmitSolve(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body solveBody
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "%v", err)
			return
		}
		spec, err := specBytes(body.Specification)
		if err != nil {
			writeError(c, err)
			return
		}
		s, err := a.SubmitSolve(spec)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, newSolveView(s))
	}
}

func handleGetSolve(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		s, err := a.GetSolve(id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newSolveView(s))
	}
}

func handleDeleteEnvironment(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := a.DeleteEnvironment(c.Param("namespace"), c.Param("environment")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleDeleteNamespace(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := a.DeleteNamespace(c.Param("namespace")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleSetMetadata(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var metadata map[string]interface{}
		if err := c.ShouldBindJSON(&metadata); err != nil {
			badRequest(c, "metadata must be a JSON object: %v", err)
			return
		}
		if err := a.SetNamespaceMetadata(c.Param("namespace"), metadata); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
