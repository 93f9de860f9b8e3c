package cas

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RecordHandler serves a Recorder over HTTP so remote gateways can use it
// through CallbackRecorder.
type RecordHandler struct {
	Recorder Recorder
}

// RegisterRecordRoutes mounts the record API on r. Callers are expected to
// guard r with signature verification.
func RegisterRecordRoutes(r gin.IRouter, rec Recorder) {
	h := &RecordHandler{Recorder: rec}
	r.POST("/records", h.Commit)
	r.GET("/records", h.Lookup)
	r.DELETE("/records", h.Remove)
	r.GET("/records/children", h.List)
	r.GET("/records/versions", h.Versions)
	r.POST("/records/folders", h.MakeFolder)
}

func recordError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrRecordNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrRecordExists):
		code = http.StatusConflict
	default:
		slog.Error("record service failure", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(code, gin.H{"code": code, "message": err.Error()})
}

func nameParam(c *gin.Context, key string) (string, bool) {
	name := c.Query(key)
	if !strings.HasPrefix(name, "/") {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": key + " must be an absolute path"})
		return "", false
	}
	return name, true
}

func (h *RecordHandler) Commit(c *gin.Context) {
	var rec Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error()})
		return
	}
	if !strings.HasPrefix(rec.Name, "/") || strings.HasSuffix(rec.Name, "/") || rec.Digest == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "a file record needs an absolute name and a digest"})
		return
	}
	created, err := h.Recorder.Commit(c.Request.Context(), rec)
	if err != nil {
		recordError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": created})
}

func (h *RecordHandler) Lookup(c *gin.Context) {
	name, ok := nameParam(c, "name")
	if !ok {
		return
	}
	rec, err := h.Recorder.Lookup(c.Request.Context(), name)
	if err != nil {
		recordError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *RecordHandler) List(c *gin.Context) {
	folder, ok := nameParam(c, "folder")
	if !ok {
		return
	}
	children, err := h.Recorder.List(c.Request.Context(), folder)
	if err != nil {
		recordError(c, err)
		return
	}
	c.JSON(http.StatusOK, children)
}

func (h *RecordHandler) Versions(c *gin.Context) {
	name, ok := nameParam(c, "name")
	if !ok {
		return
	}
	versions, err := h.Recorder.Versions(c.Request.Context(), name)
	if err != nil {
		recordError(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

func (h *RecordHandler) Remove(c *gin.Context) {
	name, ok := nameParam(c, "name")
	if !ok {
		return
	}
	if err := h.Recorder.Remove(c.Request.Context(), name); err != nil {
		recordError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RecordHandler) MakeFolder(c *gin.Context) {
	name, ok := nameParam(c, "name")
	if !ok {
		return
	}
	if !strings.HasSuffix(name, "/") {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "folder names end in /"})
		return
	}
	if err := h.Recorder.MakeFolder(c.Request.Context(), name); err != nil {
		recordError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}
