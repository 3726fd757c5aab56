// Package processor runs the assembler and variant generator as a single
// idempotent job keyed by upload id: it concatenates staged chunks in index
// order, verifies the declared checksum, and produces the fixed set of resized
// variants. Process is safe to invoke any number of times, concurrently or
// sequentially, for the same id.
package processor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"catalog-ingest/internal/chunkstore"
	"catalog-ingest/internal/models"
)

// Store is the processor's persistence surface.
type Store interface {
	// GetUploadByID returns nil, nil when no row exists for the id.
	GetUploadByID(ctx context.Context, uploadID uuid.UUID) (*models.Upload, error)
	SetUploadStatus(ctx context.Context, uploadID uuid.UUID, status models.UploadStatus) error
	// CreateVariantIfAbsent inserts the variant row unless one already exists
	// for (upload, label). The result reports whether a row was inserted.
	CreateVariantIfAbsent(ctx context.Context, v *models.ImageVariant) (bool, error)
}

type Processor struct {
	store  Store
	chunks *chunkstore.Store
	locks  *keyedMutex
	log    *logrus.Entry
}

func New(store Store, chunks *chunkstore.Store) *Processor {
	return &Processor{
		store:  store,
		chunks: chunks,
		locks:  newKeyedMutex(),
		log:    logrus.WithField("component", "processor"),
	}
}

// Process assembles the upload's chunks, verifies the declared checksum, and
// generates the resized variants. A missing row is a silent no-op (treated as
// already cleaned up); a terminal row short-circuits, which is what makes
// at-least-once dispatch safe.
func (p *Processor) Process(ctx context.Context, uploadID uuid.UUID) error {
	const op = "processor.Process"

	p.locks.Lock(uploadID)
	defer p.locks.Unlock(uploadID)

	upload, err := p.store.GetUploadByID(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if upload == nil {
		// Row gone: treat as already cleaned up.
		return nil
	}
	if upload.Status.Terminal() {
		return nil
	}

	return p.run(ctx, upload)
}

func (p *Processor) run(ctx context.Context, upload *models.Upload) error {
	const op = "processor.run"

	log := p.log.WithField("upload_id", upload.ID)

	for i := 0; i < upload.TotalChunks; i++ {
		if !p.chunks.HasChunk(upload.ID, i) {
			log.WithField("chunk_index", i).Warn("chunk missing from storage, failing upload")
			return p.fail(ctx, upload.ID, fmt.Errorf("%s: chunk %d missing", op, i))
		}
	}

	assembled, err := p.assemble(upload)
	if err != nil {
		return p.fail(ctx, upload.ID, fmt.Errorf("%s: %w", op, err))
	}

	sum := sha256.Sum256(assembled)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), upload.Checksum) {
		log.WithField("computed", hex.EncodeToString(sum[:])).Warn("checksum mismatch, failing upload")
		return p.fail(ctx, upload.ID, fmt.Errorf("%s: checksum mismatch", op))
	}

	src, err := imaging.Decode(bytes.NewReader(assembled))
	if err != nil {
		return p.fail(ctx, upload.ID, fmt.Errorf("%s: decode: %w", op, err))
	}

	for _, width := range models.VariantWidths {
		if err := p.generateVariant(ctx, upload.ID, src, width); err != nil {
			return p.fail(ctx, upload.ID, fmt.Errorf("%s: %w", op, err))
		}
	}

	if err := p.store.SetUploadStatus(ctx, upload.ID, models.UploadStatusCompleted); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Info("upload completed")
	return nil
}

func (p *Processor) assemble(upload *models.Upload) ([]byte, error) {
	var buf bytes.Buffer
	for i := 0; i < upload.TotalChunks; i++ {
		data, err := p.chunks.ReadChunk(upload.ID, i)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// generateVariant resizes src so its width matches the target while the
// height follows the aspect ratio, encodes it as JPEG, stores the bytes at the
// deterministic variant path, and upserts the variant row only if absent.
func (p *Processor) generateVariant(ctx context.Context, uploadID uuid.UUID, src image.Image, width int) error {
	resized := imaging.Resize(src, width, 0, imaging.Lanczos)

	var encoded bytes.Buffer
	if err := imaging.Encode(&encoded, resized, imaging.JPEG); err != nil {
		return fmt.Errorf("encode %d: %w", width, err)
	}
	sum := sha256.Sum256(encoded.Bytes())

	path, err := p.chunks.SaveVariant(uploadID, width, encoded.Bytes())
	if err != nil {
		return err
	}

	variant := &models.ImageVariant{
		ID:       uuid.New(),
		UploadID: uploadID,
		Label:    strconv.Itoa(width),
		Path:     path,
		Width:    resized.Bounds().Dx(),
		Height:   resized.Bounds().Dy(),
		Checksum: hex.EncodeToString(sum[:]),
	}
	created, err := p.store.CreateVariantIfAbsent(ctx, variant)
	if err != nil {
		return err
	}
	if created {
		p.log.WithFields(logrus.Fields{
			"upload_id": uploadID,
			"label":     variant.Label,
			"width":     variant.Width,
			"height":    variant.Height,
		}).Info("variant generated")
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, uploadID uuid.UUID, cause error) error {
	if err := p.store.SetUploadStatus(ctx, uploadID, models.UploadStatusFailed); err != nil {
		p.log.WithField("upload_id", uploadID).WithError(err).Error("failed to record failed status")
	}
	return cause
}
