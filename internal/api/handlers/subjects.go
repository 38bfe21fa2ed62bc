package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/storage"
	"github.com/your-org/presence/internal/vision"
	"github.com/your-org/presence/pkg/dto"
)

type SubjectHandler struct {
	store storage.Gateway
	minio *storage.MinIOStore
	// ExtractFn runs enrollment-policy face extraction on image bytes.
	// Set after the vision pipeline is initialized.
	ExtractFn func(imageData []byte) (*vision.FaceResult, error)
}

func NewSubjectHandler(store storage.Gateway, minio *storage.MinIOStore) *SubjectHandler {
	return &SubjectHandler{store: store, minio: minio}
}

func (h *SubjectHandler) Create(c *gin.Context) {
	var req dto.CreateSubjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	subject := &models.Subject{
		ExternalKey: req.ExternalKey,
		DisplayName: req.DisplayName,
	}
	if err := h.store.CreateSubject(c.Request.Context(), subject); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "external key already in use"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, dto.SubjectResponse{Subject: *subject, Enrolled: subject.Enrolled()})
}

func (h *SubjectHandler) List(c *gin.Context) {
	subjects, err := h.store.ListSubjects(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.SubjectResponse, 0, len(subjects))
	for i := range subjects {
		resp = append(resp, dto.SubjectResponse{Subject: subjects[i], Enrolled: subjects[i].Enrolled()})
	}

	c.JSON(http.StatusOK, gin.H{"subjects": resp, "total": len(resp)})
}

func (h *SubjectHandler) Get(c *gin.Context) {
	subject, err := h.store.GetSubject(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if subject == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "subject not found"})
		return
	}

	c.JSON(http.StatusOK, dto.SubjectResponse{Subject: *subject, Enrolled: subject.Enrolled()})
}

func (h *SubjectHandler) GetByKey(c *gin.Context) {
	subject, err := h.store.GetSubjectByKey(c.Request.Context(), c.Param("key"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if subject == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "subject not found"})
		return
	}

	c.JSON(http.StatusOK, dto.SubjectResponse{Subject: *subject, Enrolled: subject.Enrolled()})
}

// Enroll accepts a multipart image upload, extracts the single-face
// embedding, stores the source image, and replaces the subject's embedding.
func (h *SubjectHandler) Enroll(c *gin.Context) {
	subjectID := c.Param("id")

	subject, err := h.store.GetSubject(c.Request.Context(), subjectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if subject == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "subject not found"})
		return
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file required"})
		return
	}
	defer file.Close()

	imageData, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read image failed"})
		return
	}

	if h.ExtractFn == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vision pipeline not initialized"})
		return
	}

	face, err := h.ExtractFn(imageData)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "failed to extract face: " + err.Error()})
		return
	}

	imageKey := "subjects/" + subjectID + "/" + uuid.New().String() + "_" + header.Filename
	if err := h.minio.PutObject(c.Request.Context(), imageKey, imageData, header.Header.Get("Content-Type")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store image failed"})
		return
	}

	if err := h.store.SetSubjectEmbedding(c.Request.Context(), subjectID, face.Embedding, imageKey); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, dto.EnrollmentResponse{
		SubjectID: subjectID,
		ImageKey:  imageKey,
		Score:     face.Score,
	})
}

// SetEmbedding replaces the subject's stored embedding with a
// client-supplied vector (kiosk enrollment against the remote backend).
func (h *SubjectHandler) SetEmbedding(c *gin.Context) {
	var req struct {
		Embedding []float32 `json:"embedding" binding:"required"`
		ImageKey  string    `json:"image_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Embedding) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "embedding must not be empty"})
		return
	}

	err := h.store.SetSubjectEmbedding(c.Request.Context(), c.Param("id"), req.Embedding, req.ImageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subject not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// Image serves the stored enrollment source image for auditing.
func (h *SubjectHandler) Image(c *gin.Context) {
	subject, err := h.store.GetSubject(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if subject == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "subject not found"})
		return
	}
	if subject.ImageKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "subject has no enrollment image"})
		return
	}

	data, err := h.minio.GetObject(c.Request.Context(), subject.ImageKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch image failed"})
		return
	}

	c.Data(http.StatusOK, "image/jpeg", data)
}

func (h *SubjectHandler) Delete(c *gin.Context) {
	subject, err := h.store.GetSubject(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.DeleteSubject(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subject not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if subject != nil && subject.ImageKey != "" {
		if err := h.minio.DeleteObject(c.Request.Context(), subject.ImageKey); err != nil {
			slog.Warn("failed to delete enrollment image", "key", subject.ImageKey, "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
