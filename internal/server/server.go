package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"catalog-ingest/internal/importer"
	"catalog-ingest/internal/models"
	"catalog-ingest/internal/storage"
	"catalog-ingest/internal/uploader"
)

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	db       *storage.Storage
	ledger   *uploader.Ledger
	importer *importer.Importer
	dispatch uploader.Dispatcher
}

func NewServer(cfg *models.Config, db *storage.Storage, ledger *uploader.Ledger, imp *importer.Importer, dispatch uploader.Dispatcher) *Server {
	r := gin.Default()
	r.Static("/files", cfg.StoragePath)

	s := &Server{cfg: cfg, router: r, db: db, ledger: ledger, importer: imp, dispatch: dispatch}

	r.POST("/upload/chunk", s.handleSubmitChunk)
	r.GET("/upload/:checksum", s.handleUploadStatus)
	r.POST("/upload/:checksum/process", s.handleReprocess)
	r.POST("/products/import", s.handleImport)
	r.POST("/products/:sku/image", s.handleAttachImage)
	r.GET("/products/:sku", s.handleGetProduct)

	return s
}

func (s *Server) Start() error {
	return s.router.Run(s.cfg.ServerAddr)
}

func (s *Server) handleSubmitChunk(c *gin.Context) {
	const op = "server.handleSubmitChunk"

	index, err := strconv.Atoi(c.PostForm("chunk_index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chunk_index must be an integer"})
		return
	}
	total, err := strconv.Atoi(c.PostForm("total_chunks"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "total_chunks must be an integer"})
		return
	}

	file, err := c.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	receipt, err := s.ledger.SubmitChunk(c.Request.Context(), uploader.SubmitChunkRequest{
		Checksum:     c.PostForm("checksum"),
		Index:        index,
		TotalChunks:  total,
		OriginalName: c.PostForm("original_name"),
		Data:         data,
	})
	if err != nil {
		switch {
		case errors.Is(err, uploader.ErrInvalidSubmission):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, uploader.ErrChunkCountMismatch):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		}
		return
	}

	c.JSON(http.StatusOK, receipt)
}

func (s *Server) handleUploadStatus(c *gin.Context) {
	const op = "server.handleUploadStatus"

	upload, err := s.db.GetUploadByChecksum(c.Request.Context(), c.Param("checksum"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	resp := gin.H{"upload": upload}
	if upload.Status == models.UploadStatusCompleted {
		variants, err := s.db.VariantsByUpload(c.Request.Context(), upload.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
			return
		}
		resp["variants"] = variants
	}
	c.JSON(http.StatusOK, resp)
}

// handleReprocess re-dispatches variant processing for a failed upload. The
// job itself is idempotent, so the only gate here is the failed->processing
// transition.
func (s *Server) handleReprocess(c *gin.Context) {
	const op = "server.handleReprocess"

	upload, err := s.db.GetUploadByChecksum(c.Request.Context(), c.Param("checksum"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	flipped, err := s.db.MarkReprocessing(c.Request.Context(), upload.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	if !flipped {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("upload is %s, only failed uploads can be reprocessed", upload.Status)})
		return
	}
	if err := s.dispatch.Dispatch(c.Request.Context(), upload.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"upload_id": upload.ID, "status": models.UploadStatusProcessing})
}

func (s *Server) handleImport(c *gin.Context) {
	const op = "server.handleImport"

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a CSV file is required"})
		return
	}
	if file.Size > s.cfg.MaxImportBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxImportBytes)})
		return
	}
	if !strings.EqualFold(filepath.Ext(file.Filename), ".csv") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only .csv files are supported"})
		return
	}

	// Spool to disk so the engine can stream it without holding the upload
	// body in memory.
	tmp, err := os.CreateTemp("", "import-*.csv")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if err := c.SaveUploadedFile(file, tmp.Name()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	summary, err := s.importer.ImportFile(c.Request.Context(), tmp.Name())
	if err != nil {
		if errors.Is(err, importer.ErrStructural) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	c.JSON(http.StatusOK, summary)
}

type attachImageRequest struct {
	Checksum string `json:"checksum" binding:"required"`
}

// handleAttachImage points a product at the largest variant of a completed
// upload. Nothing is mutated unless the upload is completed and has variants.
func (s *Server) handleAttachImage(c *gin.Context) {
	const op = "server.handleAttachImage"

	var req attachImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sku := c.Param("sku")

	if _, err := s.db.GetProduct(c.Request.Context(), sku); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	upload, err := s.db.GetUploadByChecksum(c.Request.Context(), req.Checksum)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	if upload.Status != models.UploadStatusCompleted {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("upload is %s, not completed", upload.Status)})
		return
	}

	variants, err := s.db.VariantsByUpload(c.Request.Context(), upload.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	if len(variants) == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "upload has no variants"})
		return
	}
	largest := variants[0]
	for _, v := range variants[1:] {
		if v.Width > largest.Width {
			largest = v
		}
	}

	changed, err := s.db.SetPrimaryImage(c.Request.Context(), sku, largest.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	if changed {
		logrus.WithFields(logrus.Fields{"sku": sku, "variant": largest.ID}).Info("primary image set")
	}

	c.JSON(http.StatusOK, gin.H{"sku": sku, "variant": largest, "changed": changed})
}

func (s *Server) handleGetProduct(c *gin.Context) {
	const op = "server.handleGetProduct"

	product, err := s.db.GetProduct(c.Request.Context(), c.Param("sku"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.JSON(http.StatusOK, product)
}
