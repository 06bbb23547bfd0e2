// Package gateway はアップロード・ダウンロード・状態確認の HTTP ハンドラーを提供します。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/metasqueeze/internal/artifact"
	"github.com/yourusername/metasqueeze/internal/metrics"
	"github.com/yourusername/metasqueeze/internal/transform"
)

const (
	fieldImage        = "original_image"
	fieldOutputFormat = "output_format"
	fieldDocument     = "original_file"
	fieldConversion   = "conversion_type"

	// multipart のヘッダーや他フィールドの分
	formOverhead = 1 << 20
)

var (
	imageExts    = []string{"png", "jpg", "jpeg", "webp"}
	imageMIMEs   = []string{"image/png", "image/jpeg", "image/webp"}
	documentExts = []string{"pdf", "docx", "txt"}
)

// Artifacts はハンドラーが使うストア操作です。
type Artifacts interface {
	Create(ctx context.Context, in artifact.NewArtifact) (*artifact.Artifact, error)
	Get(ctx context.Context, id string) (*artifact.Artifact, error)
	Delete(ctx context.Context, id string) error
	OpenOutput(a *artifact.Artifact) (*os.File, int64, error)
}

// Queue は処理ジョブの投入先です。
type Queue interface {
	Enqueue(ctx context.Context, a *artifact.Artifact) error
	Retry(ctx context.Context, id string) (*artifact.Artifact, error)
}

// Transformations は変換種別ごとの入力拡張子を引くために使います。
type Transformations interface {
	Lookup(kind artifact.Kind) (transform.Transformation, error)
}

// Options はハンドラーの設定です。
type Options struct {
	MaxImageSize    int64
	MaxDocumentSize int64
	Metrics         *metrics.Recorder
}

// Handler はゲートウェイの HTTP ハンドラー群です。
type Handler struct {
	store    Artifacts
	queue    Queue
	registry Transformations
	opts     Options
	logger   *zap.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(store Artifacts, queue Queue, registry Transformations, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = 10 << 20
	}
	if opts.MaxDocumentSize <= 0 {
		opts.MaxDocumentSize = 50 << 20
	}
	return &Handler{
		store:    store,
		queue:    queue,
		registry: registry,
		opts:     opts,
		logger:   logger.Named("gateway"),
	}
}

// Register はルートを登録します。admin は管理操作の前に挟むミドルウェアです。
func (h *Handler) Register(r gin.IRouter, admin ...gin.HandlerFunc) {
	r.POST("/image_upload/", h.UploadImage)
	r.GET("/image_list/:id/", h.DownloadImage)
	r.POST("/document_upload/", h.UploadDocument)
	r.GET("/documents/:id/", h.DownloadDocument)

	api := r.Group("/api/artifacts")
	api.GET("/:id", h.Status)
	api.POST("/:id/retry", append(slices.Clone(admin), h.Retry)...)
}

// UploadImage は POST /image_upload/ のハンドラーです。
func (h *Handler) UploadImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxImageSize+formOverhead)

	file, err := c.FormFile(fieldImage)
	if err != nil {
		h.rejectForm(c, err, fieldImage, "Image", h.opts.MaxImageSize)
		return
	}
	if file.Size > h.opts.MaxImageSize {
		invalid(c, fieldImage, fmt.Sprintf("Image file too large (max %s).", humanSize(h.opts.MaxImageSize)))
		return
	}
	if !slices.Contains(imageExts, extOf(file.Filename)) {
		invalid(c, fieldImage, "Unsupported image format. Use PNG, JPG, or WEBP.")
		return
	}
	kind, err := artifact.ImageKindFor(c.PostForm(fieldOutputFormat))
	if err != nil {
		invalid(c, fieldOutputFormat, "Invalid output format. Supported formats: WEBP, JPEG, PNG.")
		return
	}
	mt, err := sniff(file)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if !slices.ContainsFunc(imageMIMEs, mt.Is) {
		invalid(c, fieldImage, fmt.Sprintf("Uploaded file is not a supported image (detected %s).", mt.String()))
		return
	}

	h.accept(c, kind, file, "Image uploaded successfully! Optimization in progress.")
}

// UploadDocument は POST /document_upload/ のハンドラーです。
func (h *Handler) UploadDocument(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxDocumentSize+formOverhead)

	file, err := c.FormFile(fieldDocument)
	if err != nil {
		h.rejectForm(c, err, fieldDocument, "Document", h.opts.MaxDocumentSize)
		return
	}
	if file.Size > h.opts.MaxDocumentSize {
		invalid(c, fieldDocument, fmt.Sprintf("Document file too large (max %s).", humanSize(h.opts.MaxDocumentSize)))
		return
	}
	ext := extOf(file.Filename)
	if !slices.Contains(documentExts, ext) {
		invalid(c, fieldDocument, "Unsupported file format. Use PDF, DOCX, or TXT.")
		return
	}

	raw := c.PostForm(fieldConversion)
	if strings.TrimSpace(raw) == "" {
		invalid(c, fieldConversion, "This field is required.")
		return
	}
	kind, ok := artifact.ParseDocumentKind(raw)
	if !ok {
		invalid(c, fieldConversion, "Invalid conversion type. Supported types: PDF to Word, Word to PDF, PDF to Text, Word to Text.")
		return
	}
	t, err := h.registry.Lookup(kind)
	if err != nil {
		invalid(c, fieldConversion, err.Error())
		return
	}
	if !slices.Contains(t.InputExts, ext) {
		invalid(c, fieldDocument, fmt.Sprintf("File format does not match conversion type. For %s, use %s.", kind, strings.Join(t.InputExts, ", ")))
		return
	}
	if mt, err := sniff(file); err == nil {
		h.logger.Debug("document sniffed", zap.String("ext", ext), zap.String("mime", mt.String()))
	}

	h.accept(c, kind, file, "Document uploaded successfully! Conversion in progress.")
}

// accept は原本を保存してジョブを投入します。投入に失敗した場合は保存したものを破棄します。
func (h *Handler) accept(c *gin.Context, kind artifact.Kind, file *multipart.FileHeader, message string) {
	ctx := c.Request.Context()
	log := h.logger.With(zap.String("trace_id", GetTraceID(ctx)), zap.String("kind", string(kind)))

	src, err := file.Open()
	if err != nil {
		respondWithError(c, err)
		return
	}
	defer src.Close()

	a, err := h.store.Create(ctx, artifact.NewArtifact{
		Kind:         kind,
		OriginalName: file.Filename,
		Body:         src,
	})
	if err != nil {
		log.Error("failed to store upload", zap.Error(err))
		respondWithError(c, err)
		return
	}

	if err := h.queue.Enqueue(ctx, a); err != nil {
		log.Error("failed to enqueue artifact", zap.String("artifact_id", a.ID), zap.Error(err))
		if cleanupErr := h.store.Delete(context.WithoutCancel(ctx), a.ID); cleanupErr != nil {
			log.Error("failed to discard artifact", zap.String("artifact_id", a.ID), zap.Error(cleanupErr))
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "ENQUEUE_FAILED",
			"message": "Failed to schedule processing. Please try again.",
		})
		return
	}

	h.opts.Metrics.UploadAccepted(string(kind))
	log.Info("upload accepted", zap.String("artifact_id", a.ID), zap.Int64("size", file.Size))
	c.JSON(http.StatusCreated, gin.H{
		"message": message,
		"data":    newArtifactView(a),
	})
}

// DownloadImage は GET /image_list/:id/ のハンドラーです。
func (h *Handler) DownloadImage(c *gin.Context) {
	h.download(c, artifact.FamilyImage)
}

// DownloadDocument は GET /documents/:id/ のハンドラーです。
func (h *Handler) DownloadDocument(c *gin.Context) {
	h.download(c, artifact.FamilyDocument)
}

func (h *Handler) download(c *gin.Context, family artifact.Family) {
	a, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil && !errors.Is(err, artifact.ErrNotFound) {
		respondWithError(c, err)
		return
	}
	d := downloadDecision(a, family)
	if !d.stream {
		c.JSON(d.status, d.body)
		return
	}
	if err := h.streamOutput(c, a); err != nil {
		h.logger.Error("failed to stream output", zap.String("artifact_id", a.ID), zap.Error(err))
		respondWithError(c, err)
	}
}

func (h *Handler) streamOutput(c *gin.Context, a *artifact.Artifact) error {
	f, size, err := h.store.OpenOutput(a)
	if err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}
	defer f.Close()

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectReader(f); err == nil {
		contentType = mt.String()
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	filename := fmt.Sprintf("converted_%s.%s", a.ID, extOf(a.OutputRef))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, url.PathEscape(filename)))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Artifact-Id", a.ID)
	c.DataFromReader(http.StatusOK, size, contentType, f, nil)
	return nil
}

// Status は GET /api/artifacts/:id のハンドラーです。
func (h *Handler) Status(c *gin.Context) {
	a, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, newArtifactView(a))
}

// Retry は POST /api/artifacts/:id/retry のハンドラーです。
func (h *Handler) Retry(c *gin.Context) {
	a, err := h.queue.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Warn("retry rejected", zap.String("artifact_id", c.Param("id")), zap.Error(err))
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Retry scheduled.",
		"data":    newArtifactView(a),
	})
}

func (h *Handler) rejectForm(c *gin.Context, err error, field, noun string, limit int64) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
		invalid(c, field, fmt.Sprintf("%s file too large (max %s).", noun, humanSize(limit)))
		return
	}
	invalid(c, field, "No file was submitted.")
}

func invalid(c *gin.Context, field, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    transform.CodeValidation,
		"field":   field,
		"message": message,
	})
}

func respondWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "Artifact not found.",
		})
	case errors.Is(err, artifact.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "CONFLICT",
			"message": err.Error(),
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "Request was canceled.",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "Internal server error.",
		})
	}
}

func sniff(file *multipart.FileHeader) (*mimetype.MIME, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mimetype.DetectReader(f)
}

func extOf(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

func humanSize(n int64) string {
	if n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	return fmt.Sprintf("%d bytes", n)
}
