package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zots0127/dedupstore/pkg/service"
	"github.com/zots0127/dedupstore/pkg/types"
)

// API is the HTTP boundary over the deduplication engine.
type API struct {
	files  *service.FileService
	stats  *service.StatsService
	apiKey string
}

func NewAPI(files *service.FileService, stats *service.StatsService, apiKey string) *API {
	return &API{
		files:  files,
		stats:  stats,
		apiKey: apiKey,
	}
}

func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", a.health)

	api := router.Group("/api")
	api.Use(a.authMiddleware())

	api.POST("/files", a.uploadFile)
	api.GET("/files", a.listFiles)
	api.GET("/files/storage-summary", a.storageSummary)
	api.GET("/files/:id", a.getFile)
	api.GET("/files/:id/download", a.downloadFile)
	api.DELETE("/files/:id", a.deleteFile)
}

func (a *API) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey != a.apiKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (a *API) uploadFile(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	defer file.Close()

	rec, isNew, err := a.files.Ingest(c.Request.Context(), header.Filename,
		header.Header.Get("Content-Type"), file)
	if err != nil {
		abortWithError(c, err)
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"id":                rec.ID,
		"original_filename": rec.OriginalFilename,
		"file_type":         rec.FileType,
		"file_size":         rec.FileSize,
		"uploaded_at":       rec.UploadedAt,
		"ref_count":         rec.RefCount,
		"is_new":            isNew,
	})
}

func (a *API) listFiles(c *gin.Context) {
	filter, err := parseSearchParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if filter.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one search criterion is required"})
		return
	}

	result, err := a.files.Search(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) getFile(c *gin.Context) {
	rec, err := a.files.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a *API) downloadFile(c *gin.Context) {
	rec, reader, err := a.files.OpenDownload(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.OriginalFilename))
	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Length", strconv.FormatInt(rec.FileSize, 10))
	if _, err := io.Copy(c.Writer, reader); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send file"})
		return
	}
}

// deleteFile is idempotent at the HTTP level: a record that is already gone
// reports success.
func (a *API) deleteFile(c *gin.Context) {
	reclaimed, err := a.files.Delete(c.Request.Context(), c.Param("id"))
	if errors.Is(err, types.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"status": "already deleted"})
		return
	}
	if err != nil {
		abortWithError(c, err)
		return
	}

	status := "ref_count decremented"
	if reclaimed {
		status = "deleted"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (a *API) storageSummary(c *gin.Context) {
	summary, err := a.stats.Summary(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (a *API) health(c *gin.Context) {
	if err := a.files.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "up"})
}

func parseSearchParams(c *gin.Context) (*types.SearchFilter, error) {
	filter := &types.SearchFilter{
		Filename:      c.Query("filename"),
		FileExtension: c.Query("file_extension"),
		Page:          1,
		PageSize:      20,
	}

	if v := c.Query("min_size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid min_size %q", v)
		}
		filter.MinSize = &n
	}
	if v := c.Query("max_size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid max_size %q", v)
		}
		filter.MaxSize = &n
	}
	if v := c.Query("start_date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return nil, fmt.Errorf("invalid start_date %q, want YYYY-MM-DD", v)
		}
		filter.StartDate = &t
	}
	if v := c.Query("end_date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return nil, fmt.Errorf("invalid end_date %q, want YYYY-MM-DD", v)
		}
		// Inclusive of the whole end day.
		end := t.Add(24*time.Hour - time.Nanosecond)
		filter.EndDate = &end
	}
	if v := c.Query("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid page %q", v)
		}
		filter.Page = n
	}
	if v := c.Query("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return nil, fmt.Errorf("invalid page_size %q, want 1-100", v)
		}
		filter.PageSize = n
	}

	return filter, nil
}

// abortWithError maps an error kind to its status code without leaking
// internals to the caller.
func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
	case errors.Is(err, types.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, types.ErrBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Resource busy, retry later"})
	case errors.Is(err, types.ErrIntegrity):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Stored content failed integrity check"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
