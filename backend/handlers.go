// backend/handlers.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"storagegate/metrics"
	"storagegate/provider"
	"storagegate/streams"
)

// FileHandler serves the gateway's file API over a set of named providers.
type FileHandler struct {
	Providers      map[string]provider.Provider
	MaxUploadBytes int64
	Scanner        *ClamdScanner
}

type transferPayload struct {
	Provider string `json:"provider" binding:"required"`
	Path     string `json:"path" binding:"required"`
	Conflict string `json:"conflict"`
}

func writeError(c *gin.Context, err error) {
	code := provider.StatusCode(err)
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "query", c.Request.URL.RawQuery, "error", err)
	}
	c.JSON(code, gin.H{"code": code, "message": err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": message})
}

func (h *FileHandler) lookup(name string) (provider.Provider, error) {
	p, ok := h.Providers[name]
	if !ok {
		return nil, provider.NewError(provider.KindInvalidPath, http.StatusNotFound, "", fmt.Sprintf("unknown provider %q", name), nil)
	}
	return p, nil
}

// resolve reads the common provider and path parameters.
func (h *FileHandler) resolve(c *gin.Context) (provider.Provider, *provider.Path, bool) {
	p, err := h.lookup(c.Query("provider"))
	if err != nil {
		writeError(c, err)
		return nil, nil, false
	}
	path, err := p.ValidatePath(c.Request.Context(), c.DefaultQuery("path", "/"))
	if err != nil {
		writeError(c, err)
		return nil, nil, false
	}
	return p, path, true
}

func (h *FileHandler) HandleDownload(c *gin.Context) {
	p, path, ok := h.resolve(c)
	if !ok {
		return
	}
	if path.IsDir() {
		badRequest(c, "use /zip to download a folder")
		return
	}
	s, err := p.Download(c.Request.Context(), path)
	if err != nil {
		writeError(c, err)
		return
	}
	defer s.Close()

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename*=UTF-8''%s`, url.PathEscape(path.Name())))
	c.Header("Content-Type", "application/octet-stream")
	if size := s.Size(); size >= 0 {
		c.Header("Content-Length", strconv.FormatInt(size, 10))
	}
	c.Status(http.StatusOK)

	n, err := io.Copy(c.Writer, s)
	metrics.RecordTransfer(p.Name(), "download", n)
	if err != nil {
		slog.Error("streaming download to client failed", "provider", p.Name(), "path", path.Materialized(), "clientIP", c.ClientIP(), "error", err)
	}
}

func (h *FileHandler) HandleUpload(c *gin.Context) {
	p, path, ok := h.resolve(c)
	if !ok {
		return
	}
	if path.IsDir() {
		badRequest(c, "upload path must name a file")
		return
	}
	if h.MaxUploadBytes > 0 && c.Request.ContentLength > h.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"code": http.StatusRequestEntityTooLarge, "message": "upload exceeds the size limit"})
		return
	}
	body := io.Reader(c.Request.Body)
	if h.MaxUploadBytes > 0 {
		body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes)
	}
	size := c.Request.ContentLength
	if size < 0 {
		size = streams.UnknownSize
	}

	md, created, err := p.Upload(c.Request.Context(), streams.NewReaderStream(body, size), path)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"code": http.StatusRequestEntityTooLarge, "message": "upload exceeds the size limit"})
			return
		}
		writeError(c, err)
		return
	}
	metrics.RecordTransfer(p.Name(), "upload", md.Size)
	slog.Info("upload complete", "provider", p.Name(), "path", path.Materialized(), "size", md.Size, "created", created, "clientIP", c.ClientIP())

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, md)
}

func (h *FileHandler) HandleDelete(c *gin.Context) {
	p, path, ok := h.resolve(c)
	if !ok {
		return
	}
	if err := p.Delete(c.Request.Context(), path); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandlePost creates a folder, or copies or moves when action says so.
func (h *FileHandler) HandlePost(c *gin.Context) {
	switch action := c.Query("action"); action {
	case "", "create_folder":
		h.createFolder(c)
	case "copy", "move":
		h.transfer(c, action)
	default:
		badRequest(c, fmt.Sprintf("unknown action %q", action))
	}
}

func (h *FileHandler) createFolder(c *gin.Context) {
	p, path, ok := h.resolve(c)
	if !ok {
		return
	}
	if !path.IsDir() {
		badRequest(c, "folder paths end in /")
		return
	}
	md, err := p.CreateFolder(c.Request.Context(), path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, md)
}

func (h *FileHandler) transfer(c *gin.Context, action string) {
	src, srcPath, ok := h.resolve(c)
	if !ok {
		return
	}
	var payload transferPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid destination: "+err.Error())
		return
	}
	conflict, err := provider.ParseConflict(payload.Conflict)
	if err != nil {
		writeError(c, err)
		return
	}
	dest, err := h.lookup(payload.Provider)
	if err != nil {
		writeError(c, err)
		return
	}
	dstPath, err := dest.ValidatePath(c.Request.Context(), payload.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	if srcPath.IsDir() != dstPath.IsDir() {
		badRequest(c, "source and destination must both be files or both be folders")
		return
	}

	ctx := c.Request.Context()
	var (
		md       *provider.Metadata
		created  bool
		fastPath bool
	)
	if action == "move" {
		fastPath = provider.NegotiateMove(src, dest, srcPath).Kind == provider.FastPath
		md, created, err = provider.Move(ctx, src, srcPath, dest, dstPath, conflict)
	} else {
		fastPath = provider.NegotiateCopy(src, dest, srcPath).Kind == provider.FastPath
		md, created, err = provider.Copy(ctx, src, srcPath, dest, dstPath, conflict)
	}
	metrics.RecordCopyMove(action, fastPath, err == nil)
	if err != nil {
		writeError(c, err)
		return
	}
	slog.Info(action+" complete",
		"from", src.Name()+":"+srcPath.Materialized(),
		"to", dest.Name()+":"+md.MaterializedPath,
		"fastPath", fastPath)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, md)
}

type folderListing struct {
	*provider.Metadata
	Children []*provider.Metadata `json:"children"`
}

func (h *FileHandler) HandleMetadata(c *gin.Context) {
	p, path, ok := h.resolve(c)
	if !ok {
		return
	}
	md, err := p.Metadata(c.Request.Context(), path)
	if err != nil {
		writeError(c, err)
		return
	}
	if md.IsFolder() {
		children := md.Children
		if children == nil {
			children = []*provider.Metadata{}
		}
		c.JSON(http.StatusOK, folderListing{Metadata: md, Children: children})
		return
	}
	c.JSON(http.StatusOK, md)
}

func (h *FileHandler) HandleRevisions(c *gin.Context) {
	p, path, ok := h.resolve(c)
	if !ok {
		return
	}
	if path.IsDir() {
		badRequest(c, "folders have no revisions")
		return
	}
	revisions, err := p.Revisions(c.Request.Context(), path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, revisions)
}

// HandleZip streams a folder as a ZIP archive. Only the listing is fetched
// up front; each file is downloaded when the encoder reaches it.
func (h *FileHandler) HandleZip(c *gin.Context) {
	p, path, ok := h.resolve(c)
	if !ok {
		return
	}
	if !path.IsDir() {
		badRequest(c, "zip path must name a folder")
		return
	}
	ctx := c.Request.Context()
	entries, err := zipEntries(ctx, p, path, "")
	if err != nil {
		writeError(c, err)
		return
	}

	name := path.Name()
	if path.IsRoot() || name == "" {
		name = "archive"
	}
	archive := streams.NewZipStream(entries...)
	defer archive.Close()

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename*=UTF-8''%s`, url.PathEscape(name+".zip")))
	c.Header("Content-Type", "application/zip")
	c.Status(http.StatusOK)

	n, err := io.Copy(c.Writer, archive)
	metrics.RecordTransfer(p.Name(), "download", n)
	if err != nil {
		slog.Error("streaming zip to client failed", "provider", p.Name(), "path", path.Materialized(), "error", err)
	}
}

func zipEntries(ctx context.Context, p provider.Provider, folder *provider.Path, prefix string) ([]streams.ZipEntry, error) {
	listing, err := p.Metadata(ctx, folder)
	if err != nil {
		return nil, err
	}
	var entries []streams.ZipEntry
	for _, child := range listing.Children {
		var modified time.Time
		if child.Modified != nil {
			modified = *child.Modified
		}
		if child.IsFolder() {
			sub := folder.Child(child.Name, true)
			entries = append(entries, streams.ZipEntry{Name: prefix + child.Name + "/", Modified: modified})
			nested, err := zipEntries(ctx, p, sub, prefix+child.Name+"/")
			if err != nil {
				return nil, err
			}
			entries = append(entries, nested...)
			continue
		}
		file := folder.Child(child.Name, false)
		entries = append(entries, streams.ZipEntry{
			Name:     prefix + child.Name,
			Modified: modified,
			Open: func() (streams.Stream, error) {
				return p.Download(ctx, file)
			},
		})
	}
	return entries, nil
}

func (h *FileHandler) HandleScanResult(c *gin.Context) {
	digest := strings.ToLower(c.Param("digest"))
	if h.Scanner == nil || h.Scanner.db == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "scanning is not enabled"})
		return
	}
	res, err := h.Scanner.Lookup(c.Request.Context(), digest)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "no scan result for " + digest})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
