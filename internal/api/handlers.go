package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ianktoo/image-converter/internal/batch"
	"github.com/ianktoo/image-converter/internal/errs"
	"github.com/ianktoo/image-converter/internal/fetch"
	"github.com/ianktoo/image-converter/internal/plan"
	"github.com/ianktoo/image-converter/internal/service"
	"github.com/ianktoo/image-converter/internal/task"
)

type taskResponse struct {
	TaskID        string      `json:"task_id"`
	BatchID       string      `json:"batch_id,omitempty"`
	Filename      string      `json:"filename"`
	Status        task.Status `json:"status"`
	Progress      int         `json:"progress"`
	Error         *task.Error `json:"error"`
	Formats       []string    `json:"formats"`
	OutputFormats []string    `json:"output_formats"`
	OutputPaths   []string    `json:"output_paths"`
	OutputSizes   []int64     `json:"output_sizes"`
	InputSize     int64       `json:"input_size"`
	CreatedAt     string      `json:"created_at"`
	CompletedAt   string      `json:"completed_at,omitempty"`
}

type batchResponse struct {
	BatchID     string         `json:"batch_id"`
	Status      batch.Status   `json:"status"`
	Error       string         `json:"error,omitempty"`
	Layout      string         `json:"folder_structure"`
	FailFast    bool           `json:"fail_fast"`
	ArchiveName string         `json:"zip_filename,omitempty"`
	ArchiveURL  string         `json:"zip_url,omitempty"`
	Tasks       []taskResponse `json:"tasks"`
}

type urlRequest struct {
	URL string `json:"url" binding:"required"`
}

type zipRequest struct {
	TaskIDs         []string `json:"task_ids" binding:"required"`
	FolderStructure string   `json:"folder_structure"`
}

type API struct {
	svc *service.Service
}

func NewAPI(svc *service.Service) *API {
	return &API{svc: svc}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/health", a.Health)
		api.GET("/limits", a.Limits)
		api.GET("/formats", a.Formats)
		api.GET("/presets", a.Presets)

		s := api.Group("", SessionMiddleware())
		s.POST("/upload", a.Upload)
		s.POST("/upload-from-url", a.UploadFromURL)
		s.POST("/upload-batch", a.UploadBatch)
		s.GET("/task/:id", a.GetTask)
		s.GET("/download/:id/:filename", a.Download)
		s.GET("/batch/:id", a.GetBatch)
		s.GET("/batch/:id/zip", a.DownloadBatch)
		s.POST("/zip-outputs", a.ZipOutputs)
		s.GET("/session/tasks", a.SessionTasks)
		s.GET("/session/batches", a.SessionBatches)
		s.GET("/session/stats", a.SessionStats)
		s.GET("/session/activities", a.SessionActivities)
		s.DELETE("/session/data", a.DeleteSessionData)
	}
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "queue": a.svc.Load()})
}

func (a *API) Limits(c *gin.Context) {
	c.JSON(http.StatusOK, a.svc.Limits())
}

func (a *API) Formats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"output_image": a.svc.Formats(), "image": a.svc.Limits().InputExtensions})
}

func (a *API) Presets(c *gin.Context) {
	c.JSON(http.StatusOK, a.svc.Presets())
}

// Upload converts every uploaded file into the requested formats and sizes.
func (a *API) Upload(c *gin.Context) {
	sid := sessionID(c)
	req, err := parsePlanRequest(c)
	if err != nil {
		writeError(c, err)
		return
	}
	uploads, err := readUploads(c, a.svc.Limits().MaxImageSizeMB)
	if err != nil {
		writeError(c, err)
		return
	}
	tasks, err := a.svc.Submit(c.Request.Context(), sid, uploads, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": toTaskResponses(tasks)})
}

// UploadFromURL fetches a remote image and converts it.
func (a *API) UploadFromURL(c *gin.Context) {
	sid := sessionID(c)
	var body urlRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		log.Warn().Str("session_id", sid).Err(err).Msg("invalid url upload request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	req, err := parsePlanRequest(c)
	if err != nil {
		writeError(c, err)
		return
	}
	tasks, err := a.svc.SubmitURL(c.Request.Context(), sid, body.URL, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(tasks[0]))
}

// UploadBatch converts the uploaded files as one batch archived when done.
func (a *API) UploadBatch(c *gin.Context) {
	sid := sessionID(c)
	req, err := parsePlanRequest(c)
	if err != nil {
		writeError(c, err)
		return
	}
	opts := service.BatchOptions{Layout: c.Query("zip_folder_structure")}
	if raw := c.Query("fail_fast"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fail_fast"})
			return
		}
		opts.FailFast = &v
	}
	uploads, err := readUploads(c, a.svc.Limits().MaxImageSizeMB)
	if err != nil {
		writeError(c, err)
		return
	}
	b, tasks, err := a.svc.SubmitBatch(c.Request.Context(), sid, uploads, req, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	log.Info().Str("batch_id", b.ID).Str("session_id", sid).Msg("batch accepted")
	c.JSON(http.StatusAccepted, toBatchResponse(b, tasks))
}

// GetTask returns task status
func (a *API) GetTask(c *gin.Context) {
	t, err := a.svc.GetTask(sessionID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(t))
}

// Download serves one output file of a task.
func (a *API) Download(c *gin.Context) {
	f, err := a.svc.OpenOutput(sessionID(c), c.Param("id"), c.Param("filename"))
	if err != nil {
		writeError(c, err)
		return
	}
	serveFile(c, f)
}

// GetBatch returns the aggregate status of a batch.
func (a *API) GetBatch(c *gin.Context) {
	b, tasks, err := a.svc.GetBatch(sessionID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchResponse(b, tasks))
}

// DownloadBatch serves the archive when ready
func (a *API) DownloadBatch(c *gin.Context) {
	f, err := a.svc.BatchArchive(sessionID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	serveFile(c, f)
}

// ZipOutputs builds an archive of explicit tasks.
func (a *API) ZipOutputs(c *gin.Context) {
	sid := sessionID(c)
	var body zipRequest
	if err := c.ShouldBindJSON(&body); err != nil || len(body.TaskIDs) == 0 {
		log.Warn().Str("session_id", sid).Msg("invalid zip request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_ids required"})
		return
	}
	f, err := a.svc.Archive(c.Request.Context(), sid, body.TaskIDs, body.FolderStructure)
	if err != nil {
		writeError(c, err)
		return
	}
	serveFile(c, f)
}

// SessionTasks lists the session's tasks, oldest first.
func (a *API) SessionTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": toTaskResponses(a.svc.ListTasks(sessionID(c)))})
}

func (a *API) SessionBatches(c *gin.Context) {
	sid := sessionID(c)
	batches := a.svc.ListBatches(sid)
	out := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		current, tasks, err := a.svc.GetBatch(sid, b.ID)
		if err != nil {
			continue
		}
		out = append(out, toBatchResponse(current, tasks))
	}
	c.JSON(http.StatusOK, gin.H{"batches": out})
}

func (a *API) SessionStats(c *gin.Context) {
	u, err := a.svc.Usage(c.Request.Context(), sessionID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

const maxActivityLimit = 200

func (a *API) SessionActivities(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxActivityLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
			return
		}
		limit = v
	}
	acts, err := a.svc.Activities(c.Request.Context(), sessionID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": acts})
}

func (a *API) DeleteSessionData(c *gin.Context) {
	if err := a.svc.DeleteSession(c.Request.Context(), sessionID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": "Session data cleared"})
}

// parsePlanRequest reads conversion options from the query string.
func parsePlanRequest(c *gin.Context) (plan.Request, error) {
	req := plan.Request{
		Formats:   splitList(c.Query("formats")),
		Sizes:     splitList(c.Query("sizes")),
		Fill:      c.Query("fill_mode"),
		FillColor: c.Query("fill_color"),
	}
	var err error
	if req.ReductionPercent, err = queryInt(c, "size_reduction_percent"); err != nil {
		return req, err
	}
	for name, dst := range map[string]*bool{
		"strip_metadata":         &req.StripMetadata,
		"progressive":            &req.Progressive,
		"aggressive_compression": &req.Aggressive,
		"web_optimized":          &req.WebOptimized,
	} {
		if *dst, err = queryBool(c, name); err != nil {
			return req, err
		}
	}
	req.Crop, err = parseCrop(c)
	return req, err
}

func parseCrop(c *gin.Context) (*plan.Rect, error) {
	keys := []string{"crop_x", "crop_y", "crop_width", "crop_height"}
	vals := make([]float64, len(keys))
	for i, k := range keys {
		raw := c.Query(k)
		if raw == "" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid %s", errs.ErrPlanRejected, k)
		}
		vals[i] = v
	}
	return &plan.Rect{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}, nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s", errs.ErrPlanRejected, name)
	}
	return v, nil
}

func queryBool(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: invalid %s", errs.ErrPlanRejected, name)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// readUploads reads the multipart "files" (or single "file") fields. Each
// file is read up to one byte past the limit so oversize is detectable.
func readUploads(c *gin.Context, maxMB int) ([]service.Upload, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("%w: expected multipart form", errs.ErrPlanRejected)
	}
	headers := append([]*multipart.FileHeader{}, form.File["files"]...)
	headers = append(headers, form.File["file"]...)
	limit := int64(maxMB)<<20 + 1
	uploads := make([]service.Upload, 0, len(headers))
	for _, h := range headers {
		data, err := readPart(h, limit)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s", errs.ErrPlanRejected, h.Filename)
		}
		uploads = append(uploads, service.Upload{Filename: path.Base(h.Filename), Data: data})
	}
	return uploads, nil
}

func readPart(h *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := h.Open()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(io.LimitReader(f, limit)) //nolint:wrapcheck
}

func serveFile(c *gin.Context, f service.File) {
	defer func() { _ = f.Close() }()
	c.DataFromReader(http.StatusOK, f.Size, contentType(f.Name), f, map[string]string{
		"Content-Disposition": `attachment; filename="` + f.Name + `"`,
	})
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".zip":
		return "application/zip"
	case ".png":
		return "image/png"
	case ".jpeg", ".jpg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	case ".tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, fetch.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotReady):
		return http.StatusConflict
	}
	switch errs.KindOf(err) {
	case errs.KindPlanRejected:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindResourceExhausted:
		return http.StatusTooManyRequests
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	evt := log.Warn()
	if status >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Str("session_id", sessionID(c)).Str("path", c.FullPath()).Int("status", status).Err(err).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error(), "kind": errs.KindOf(err)})
}

func toTaskResponse(t task.Task) taskResponse {
	resp := taskResponse{
		TaskID:        t.ID,
		BatchID:       t.BatchID,
		Filename:      t.Filename,
		Status:        t.Status,
		Progress:      t.Progress,
		Error:         t.Error,
		Formats:       t.Formats,
		OutputFormats: t.OutputFormats,
		OutputPaths:   make([]string, len(t.OutputPaths)),
		OutputSizes:   t.OutputSizes,
		InputSize:     t.InputSize,
		CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339),
	}
	for i, p := range t.OutputPaths {
		resp.OutputPaths[i] = path.Base(p)
	}
	if t.CompletedAt != nil {
		resp.CompletedAt = t.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func toTaskResponses(tasks []task.Task) []taskResponse {
	out := make([]taskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskResponse(t)
	}
	return out
}

func toBatchResponse(b batch.Batch, tasks []task.Task) batchResponse {
	resp := batchResponse{
		BatchID:     b.ID,
		Status:      b.Status,
		Error:       b.Error,
		Layout:      string(b.Layout),
		FailFast:    b.FailFast,
		ArchiveName: b.ArchiveName,
		Tasks:       toTaskResponses(tasks),
	}
	if b.ArchiveName != "" {
		resp.ArchiveURL = "/api/v1/batch/" + b.ID + "/zip"
	}
	return resp
}
