package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"canopy/internal/core"
	"canopy/internal/server/service"

	"github.com/labstack/echo/v4"
)

// HealthChecker reports whether the metadata backend is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Services bundles the dependencies of the HTTP handlers. Health may be
// nil when no database is configured.
type Services struct {
	Hierarchy *service.HierarchyService
	Uploads   *service.UploadService
	Archives  *service.ArchiveService
	Access    *service.AccessGate
	Search    *service.SearchService
	Images    *service.ImageService
	Health    HealthChecker
}

// Handler contains the HTTP handlers for the canopy API.
type Handler struct {
	svc Services
}

// NewHandler creates a new handler with the given service dependencies.
func NewHandler(svc Services) *Handler {
	return &Handler{svc: svc}
}

type createFolderRequest struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parentId"`
}

type renameRequest struct {
	Name     string `json:"name"`
	IsFolder bool   `json:"isFolder"`
}

type moveRequest struct {
	ItemIDs  []string `json:"itemIds"`
	TargetID *string  `json:"targetId"`
}

type itemsRequest struct {
	ItemIDs []string `json:"itemIds"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type compressRequest struct {
	ItemIDs       []string `json:"itemIds"`
	DestinationID *string  `json:"destinationId"`
	ArchiveName   string   `json:"archiveName"`
	Type          string   `json:"type"`
	Level         *int     `json:"level"`
	ProgressID    string   `json:"progressId"`
}

type decompressRequest struct {
	ArchiveID     string  `json:"archiveId"`
	DestinationID *string `json:"destinationId"`
	ProgressID    string  `json:"progressId"`
}

type convertRequest struct {
	Format  string `json:"targetFormat"`
	Quality int    `json:"quality"`
}

func optionalParam(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
}

// HandleList handles GET /api/folders?parentId=.
func (h *Handler) HandleList(c echo.Context) error {
	items, err := h.svc.Hierarchy.List(c.Request().Context(), ownerID(c), optionalParam(c.QueryParam("parentId")))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

// HandleCreateFolder handles POST /api/folders.
func (h *Handler) HandleCreateFolder(c echo.Context) error {
	var req createFolderRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	folder, err := h.svc.Hierarchy.CreateFolder(c.Request().Context(), ownerID(c), req.Name, req.ParentID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, folder)
}

// HandleRename handles PATCH /api/items/:id.
func (h *Handler) HandleRename(c echo.Context) error {
	var req renameRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	item, err := h.svc.Hierarchy.Rename(c.Request().Context(), ownerID(c), c.Param("id"), req.Name, req.IsFolder)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, item)
}

// HandleMove handles POST /api/items/move.
func (h *Handler) HandleMove(c echo.Context) error {
	var req moveRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.ItemIDs) == 0 {
		return badRequest(c, "itemIds is required")
	}
	res, err := h.svc.Hierarchy.Move(c.Request().Context(), ownerID(c), req.ItemIDs, req.TargetID, nil)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// HandleDelete handles DELETE /api/items/:id.
func (h *Handler) HandleDelete(c echo.Context) error {
	res, err := h.svc.Hierarchy.DeleteOne(c.Request().Context(), ownerID(c), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// HandleDeleteMany handles POST /api/items/delete.
func (h *Handler) HandleDeleteMany(c echo.Context) error {
	var req itemsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.ItemIDs) == 0 {
		return badRequest(c, "itemIds is required")
	}
	return c.JSON(http.StatusOK, h.svc.Hierarchy.DeleteMany(c.Request().Context(), ownerID(c), req.ItemIDs))
}

// HandleDownload handles GET /api/files/:id/download.
func (h *Handler) HandleDownload(c echo.Context) error {
	abs, file, err := h.svc.Hierarchy.Open(c.Request().Context(), ownerID(c), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.Attachment(abs, file.Name)
}

// HandleConvert handles POST /api/files/:id/convert. The converted image
// is stored next to the source.
func (h *Handler) HandleConvert(c echo.Context) error {
	var req convertRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Format == "" {
		return badRequest(c, "targetFormat is required")
	}
	file, err := h.svc.Images.Convert(c.Request().Context(), ownerID(c), c.Param("id"), req.Format, req.Quality)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, file)
}

// HandleUploadChunk handles POST /api/upload/chunk.
// Accepts a multipart form with a "chunk" file field and the fields
// filename, chunkIndex, totalChunks and an optional folderId.
func (h *Handler) HandleUploadChunk(c echo.Context) error {
	index, err := strconv.Atoi(c.FormValue("chunkIndex"))
	if err != nil {
		return badRequest(c, "chunkIndex must be a number")
	}
	total, err := strconv.Atoi(c.FormValue("totalChunks"))
	if err != nil {
		return badRequest(c, "totalChunks must be a number")
	}

	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		return badRequest(c, "chunk is required (use form field 'chunk')")
	}
	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to read uploaded chunk"})
	}
	defer src.Close()

	filename := c.FormValue("filename")
	if filename == "" {
		filename = fileHeader.Filename
	}

	res, err := h.svc.Uploads.AcceptChunk(c.Request().Context(), service.ChunkRequest{
		OwnerID:     ownerID(c),
		Filename:    filename,
		FolderID:    optionalParam(c.FormValue("folderId")),
		ChunkIndex:  index,
		TotalChunks: total,
		Data:        src,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	if res.Complete {
		return c.JSON(http.StatusCreated, res)
	}
	return c.JSON(http.StatusOK, res)
}

// HandleUploadStatus handles GET /api/upload/status?filename=&folderId=.
func (h *Handler) HandleUploadStatus(c echo.Context) error {
	status, err := h.svc.Uploads.Status(c.Request().Context(), ownerID(c), optionalParam(c.QueryParam("folderId")), c.QueryParam("filename"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// HandleCompress handles POST /api/archives/compress. The job runs in the
// background; progress and the result arrive as events.
func (h *Handler) HandleCompress(c echo.Context) error {
	var req compressRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	format, err := core.ParseFormat(req.Type)
	if err != nil {
		return badRequest(c, err.Error())
	}
	level := -1
	if req.Level != nil {
		level = *req.Level
	}

	jobID, err := h.svc.Archives.EnqueueCompress(c.Request().Context(), service.CompressRequest{
		OwnerID:       ownerID(c),
		ItemIDs:       req.ItemIDs,
		DestinationID: req.DestinationID,
		ArchiveName:   req.ArchiveName,
		Format:        format,
		Level:         level,
	}, req.ProgressID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"jobId": jobID})
}

// HandleDecompress handles POST /api/archives/decompress.
func (h *Handler) HandleDecompress(c echo.Context) error {
	var req decompressRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	jobID, err := h.svc.Archives.EnqueueDecompress(c.Request().Context(), service.DecompressRequest{
		OwnerID:       ownerID(c),
		ArchiveID:     req.ArchiveID,
		DestinationID: req.DestinationID,
	}, req.ProgressID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"jobId": jobID})
}

// HandleConflicts handles GET /api/archives/:id/conflicts?destinationId=.
func (h *Handler) HandleConflicts(c echo.Context) error {
	conflicts, err := h.svc.Archives.CheckConflicts(c.Request().Context(), ownerID(c), c.Param("id"), optionalParam(c.QueryParam("destinationId")))
	if err != nil {
		return mapServiceError(c, err)
	}
	if conflicts == nil {
		conflicts = []core.Conflict{}
	}
	return c.JSON(http.StatusOK, echo.Map{"conflicts": conflicts})
}

// HandleAddToArchive handles POST /api/archives/:id/items.
func (h *Handler) HandleAddToArchive(c echo.Context) error {
	var req itemsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	file, err := h.svc.Archives.MoveItemsIntoArchive(c.Request().Context(), ownerID(c), req.ItemIDs, c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, file)
}

// HandleJob handles GET /api/jobs/:id.
func (h *Handler) HandleJob(c echo.Context) error {
	job, err := h.svc.Archives.Job(ownerID(c), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// HandleCancelJob handles DELETE /api/jobs/:id.
func (h *Handler) HandleCancelJob(c echo.Context) error {
	job, err := h.svc.Archives.Cancel(ownerID(c), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

// HandleResolveConflict handles POST /api/jobs/:id/conflict.
func (h *Handler) HandleResolveConflict(c echo.Context) error {
	var req service.ConflictDecision
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if _, err := core.ParseConflictAction(string(req.Action)); err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.svc.Archives.ResolveConflict(ownerID(c), c.Param("id"), req); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleSetPassword handles PUT /api/items/:id/password.
func (h *Handler) HandleSetPassword(c echo.Context) error {
	var req passwordRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.svc.Access.SetPassword(c.Request().Context(), ownerID(c), c.Param("id"), req.Password); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleRemovePassword handles POST /api/items/:id/password/remove.
func (h *Handler) HandleRemovePassword(c echo.Context) error {
	var req passwordRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.svc.Access.RemovePassword(c.Request().Context(), ownerID(c), c.Param("id"), req.Password); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleVerify handles POST /api/items/:id/verify.
func (h *Handler) HandleVerify(c echo.Context) error {
	var req passwordRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.svc.Access.Verify(c.Request().Context(), ownerID(c), c.Param("id"), req.Password); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"unlocked":      true,
		"windowSeconds": int(h.svc.Access.Window().Seconds()),
	})
}

// HandleSearch handles GET /api/search?q=.
func (h *Handler) HandleSearch(c echo.Context) error {
	items, err := h.svc.Search.Search(c.Request().Context(), ownerID(c), c.QueryParam("q"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "not configured"

	if h.svc.Health != nil {
		dbStatus = "connected"
		if err := h.svc.Health.HealthCheck(c.Request().Context()); err != nil {
			status = "degraded"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrParentNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrAccessDenied):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "access denied"})
	case errors.Is(err, service.ErrPasswordRequired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "password_required"})
	case errors.Is(err, service.ErrInvalidPassword):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid password"})
	case errors.Is(err, service.ErrAlreadyExists),
		errors.Is(err, service.ErrExtractionConflict),
		errors.Is(err, service.ErrNoPendingConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrChunkTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "chunk exceeds maximum allowed size",
		})
	case errors.Is(err, service.ErrInvalidPath),
		errors.Is(err, service.ErrInvalidName),
		errors.Is(err, service.ErrInvalidMove),
		errors.Is(err, service.ErrInvalidChunk),
		errors.Is(err, service.ErrUnsupportedArchive),
		errors.Is(err, service.ErrUnsupportedImage):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrCompressionFailed), errors.Is(err, service.ErrConversionFailed):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrFinalizeTimeout):
		return c.JSON(http.StatusGatewayTimeout, echo.Map{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
