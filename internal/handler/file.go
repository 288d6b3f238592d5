package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/debumedia/image-optimizer/internal/model"
	"github.com/debumedia/image-optimizer/internal/service"
	"github.com/debumedia/image-optimizer/pkg/apperrors"
	"github.com/debumedia/image-optimizer/pkg/archive"
	"github.com/debumedia/image-optimizer/pkg/imgconv"
	"github.com/debumedia/image-optimizer/pkg/naming"
)

type FileHandler struct {
	converter *service.ConversionService
	lifecycle *service.LifecycleService
	logger    *zap.Logger
	maxUpload int64
}

func NewFileHandler(converter *service.ConversionService, lifecycle *service.LifecycleService, logger *zap.Logger, maxUpload int64) *FileHandler {
	return &FileHandler{
		converter: converter,
		lifecycle: lifecycle,
		logger:    logger,
		maxUpload: maxUpload,
	}
}

// sessionID pulls the session identifier from query or form; the batch
// endpoint tolerates absence (a new session is generated), everything else
// requires it.
func sessionID(c *gin.Context) string {
	if id := c.Query("sessionId"); id != "" {
		return id
	}
	return c.PostForm("sessionId")
}

func (h *FileHandler) respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
	}
	c.JSON(status, gin.H{"error": apperrors.SanitizeError(err)})
}

// Convert handles the batch endpoint: fresh uploads plus re-convert requests
// against one target format.
func (h *FileHandler) Convert(c *gin.Context) {
	format := c.PostForm("format")
	if !imgconv.IsSupportedFormat(format) {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperrors.ErrUnsupportedFormat.UserMessage})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		h.logger.Error("failed to parse multipart form", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload request"})
		return
	}

	batch := &model.Batch{
		SessionID: sessionID(c),
		Format:    format,
	}

	// Empty, oversized, or unreadable files fail on their own without
	// blocking the rest of the batch, same as the media-type gate.
	var preFailures []model.ItemFailure
	for _, fileHeader := range form.File["files"] {
		if fileHeader.Size == 0 {
			preFailures = append(preFailures, itemFailure(fileHeader.Filename, apperrors.ErrEmptyFile))
			continue
		}
		if fileHeader.Size > h.maxUpload {
			preFailures = append(preFailures, itemFailure(fileHeader.Filename, apperrors.ErrFileTooLarge))
			continue
		}

		reader, err := fileHeader.Open()
		if err != nil {
			h.logger.Error("failed to open uploaded file", zap.Error(err))
			preFailures = append(preFailures, itemFailure(fileHeader.Filename, apperrors.ErrProcessingFailed))
			continue
		}
		data, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			h.logger.Error("failed to read uploaded file", zap.Error(err))
			preFailures = append(preFailures, itemFailure(fileHeader.Filename, apperrors.ErrProcessingFailed))
			continue
		}

		// Sniff the content rather than trusting the declared type.
		mtype := mimetype.Detect(data)
		batch.Uploads = append(batch.Uploads, model.Upload{
			Name:        fileHeader.Filename,
			ContentType: mtype.String(),
			Data:        data,
		})
	}

	if raw := c.PostForm("reconvert"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &batch.Reconverts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reconvert request"})
			return
		}
	}

	result, err := h.converter.Process(c.Request.Context(), batch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	result.Failures = append(result.Failures, preFailures...)
	c.JSON(http.StatusOK, result)
}

func itemFailure(name string, err *apperrors.ConversionError) model.ItemFailure {
	return model.ItemFailure{Name: name, Code: err.Code, Reason: err.UserMessage}
}

// List returns the session's surviving file descriptors after self-healing.
func (h *FileHandler) List(c *gin.Context) {
	id := sessionID(c)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperrors.ErrSessionRequired.UserMessage})
		return
	}

	files, err := h.lifecycle.ListFiles(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"files":      files,
		"total":      len(files),
	})
}

// resolveRecord validates the session and name parameters and looks the
// record up, answering the request itself on failure.
func (h *FileHandler) resolveRecord(c *gin.Context) *model.FileRecord {
	id := sessionID(c)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperrors.ErrSessionRequired.UserMessage})
		return nil
	}
	name := c.Param("name")

	rec, err := h.lifecycle.Resolve(c.Request.Context(), id, name)
	if err != nil {
		h.respondError(c, err)
		return nil
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return nil
	}
	return rec
}

// Download streams one converted artifact as an attachment named after its
// display name.
func (h *FileHandler) Download(c *gin.Context) {
	rec := h.resolveRecord(c)
	if rec == nil {
		return
	}

	reader, size, err := h.lifecycle.OpenOutput(rec.SessionID, rec.StorageName)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer reader.Close()

	_, ext := naming.SplitExt(rec.StorageName)
	c.Header("Content-Type", imgconv.ContentTypeByExt(ext))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.DisplayName))
	c.Header("Content-Length", fmt.Sprintf("%d", size))
	c.Header("X-Content-Type-Options", "nosniff")

	if _, err := io.Copy(c.Writer, reader); err != nil {
		h.logger.Error("failed to stream file", zap.Error(err),
			zap.String("storage_name", rec.StorageName))
		c.AbortWithStatus(http.StatusInternalServerError)
	}
}

// Thumbnail streams the record's companion thumbnail inline, always WebP.
func (h *FileHandler) Thumbnail(c *gin.Context) {
	rec := h.resolveRecord(c)
	if rec == nil {
		return
	}

	reader, size, err := h.lifecycle.OpenOutput(rec.SessionID, rec.ThumbnailName)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Type", "image/webp")
	c.Header("Content-Disposition", "inline")
	c.Header("Content-Length", fmt.Sprintf("%d", size))

	if _, err := io.Copy(c.Writer, reader); err != nil {
		h.logger.Error("failed to stream thumbnail", zap.Error(err),
			zap.String("thumbnail_name", rec.ThumbnailName))
		c.AbortWithStatus(http.StatusInternalServerError)
	}
}

// Archive bundles every surviving output of the session into a zip download.
func (h *FileHandler) Archive(c *gin.Context) {
	id := sessionID(c)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperrors.ErrSessionRequired.UserMessage})
		return
	}

	entries, err := h.lifecycle.ArchiveEntries(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no files to archive"})
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
	if err := archive.Bundle(c.Writer, entries); err != nil {
		h.logger.Error("failed to write archive", zap.Error(err), zap.String("session_id", id))
		c.AbortWithStatus(http.StatusInternalServerError)
	}
}

// DeleteOne removes a single file by display or storage name. Deleting
// something already absent succeeds.
func (h *FileHandler) DeleteOne(c *gin.Context) {
	id := sessionID(c)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperrors.ErrSessionRequired.UserMessage})
		return
	}

	if err := h.lifecycle.DeleteOne(c.Request.Context(), id, c.Param("name")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteAll removes every file of a session and the session itself.
func (h *FileHandler) DeleteAll(c *gin.Context) {
	id := sessionID(c)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperrors.ErrSessionRequired.UserMessage})
		return
	}

	if err := h.lifecycle.DeleteAll(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
