// Package uploader tracks chunked uploads: one ledger row per distinct file
// checksum, its received chunk set, and the dispatch of variant processing
// once the last chunk lands.
package uploader

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"catalog-ingest/internal/chunkstore"
	"catalog-ingest/internal/models"
)

const maxChecksumLen = 64

var (
	ErrInvalidSubmission  = errors.New("invalid chunk submission")
	ErrChunkCountMismatch = errors.New("total_chunks differs from the recorded upload")
)

// Store is the ledger's persistence surface.
type Store interface {
	// GetOrCreateUpload returns the upload row for checksum, creating it with
	// the given attributes when absent. The second result reports creation.
	GetOrCreateUpload(ctx context.Context, checksum, originalName string, totalChunks int) (*models.Upload, bool, error)
	// AddReceivedChunk records index in the upload's received set and returns
	// the full set sorted ascending. Re-adding an index is a no-op.
	AddReceivedChunk(ctx context.Context, uploadID uuid.UUID, index int) ([]int, error)
	// MarkProcessing atomically flips uploading->processing. The result
	// reports whether this call performed the transition.
	MarkProcessing(ctx context.Context, uploadID uuid.UUID) (bool, error)
	SetUploadStatus(ctx context.Context, uploadID uuid.UUID, status models.UploadStatus) error
}

// Dispatcher hands an upload id to the asynchronous variant processing job.
// Dispatch may happen more than once for the same id; the job is idempotent.
type Dispatcher interface {
	Dispatch(ctx context.Context, uploadID uuid.UUID) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, uploadID uuid.UUID) error

func (f DispatcherFunc) Dispatch(ctx context.Context, uploadID uuid.UUID) error {
	return f(ctx, uploadID)
}

type SubmitChunkRequest struct {
	Checksum     string
	Index        int
	TotalChunks  int
	OriginalName string
	Data         []byte
}

type Ledger struct {
	store    Store
	chunks   *chunkstore.Store
	dispatch Dispatcher
	log      *logrus.Entry
}

func NewLedger(store Store, chunks *chunkstore.Store, dispatch Dispatcher) *Ledger {
	return &Ledger{
		store:    store,
		chunks:   chunks,
		dispatch: dispatch,
		log:      logrus.WithField("component", "uploader"),
	}
}

// SubmitChunk records one chunk of an upload. Resubmitting an index never
// changes the stored chunk bytes or the received set. When the final chunk
// arrives the status flips to processing exactly once and the variant job is
// dispatched.
func (l *Ledger) SubmitChunk(ctx context.Context, req SubmitChunkRequest) (*models.ChunkReceipt, error) {
	const op = "uploader.SubmitChunk"

	if err := validate(req); err != nil {
		return nil, err
	}

	upload, created, err := l.store.GetOrCreateUpload(ctx, req.Checksum, req.OriginalName, req.TotalChunks)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if created {
		l.log.WithFields(logrus.Fields{
			"upload_id": upload.ID,
			"checksum":  upload.Checksum,
			"total":     upload.TotalChunks,
		}).Info("upload created")
	}
	if upload.TotalChunks != req.TotalChunks {
		return nil, fmt.Errorf("%s: %w: declared %d, recorded %d",
			op, ErrChunkCountMismatch, req.TotalChunks, upload.TotalChunks)
	}

	if containsIndex(upload.ReceivedChunks, req.Index) {
		// Resubmission: stored bytes and received set stay untouched.
		return l.receipt(upload, upload.ReceivedChunks, "chunk already received"), nil
	}

	if err := l.chunks.SaveChunk(upload.ID, req.Index, req.Data); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	received, err := l.store.AddReceivedChunk(ctx, upload.ID, req.Index)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if len(received) == upload.TotalChunks {
		flipped, err := l.store.MarkProcessing(ctx, upload.ID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if flipped {
			if err := l.dispatch.Dispatch(ctx, upload.ID); err != nil {
				// A row stuck in "processing" with no dispatched job is
				// unreachable: the final chunk resubmits as a no-op. Failed is
				// the status the reprocess boundary can recover from.
				if serr := l.store.SetUploadStatus(ctx, upload.ID, models.UploadStatusFailed); serr != nil {
					l.log.WithField("upload_id", upload.ID).WithError(serr).Error("failed to record failed status after dispatch error")
				}
				return nil, fmt.Errorf("%s: dispatch: %w", op, err)
			}
			l.log.WithField("upload_id", upload.ID).Info("all chunks received, processing dispatched")
		}
	}

	return l.receipt(upload, received, ""), nil
}

func (l *Ledger) receipt(upload *models.Upload, received []int, message string) *models.ChunkReceipt {
	r := &models.ChunkReceipt{
		UploadID:       upload.ID,
		ReceivedChunks: len(received),
		TotalChunks:    upload.TotalChunks,
		Progress:       len(received) * 100 / upload.TotalChunks,
		Message:        message,
	}
	if len(received) == upload.TotalChunks {
		r.Status = "completed"
	} else {
		r.Status = "uploading"
	}
	return r
}

func validate(req SubmitChunkRequest) error {
	switch {
	case req.Checksum == "" || len(req.Checksum) > maxChecksumLen:
		return fmt.Errorf("%w: checksum must be 1..%d chars", ErrInvalidSubmission, maxChecksumLen)
	case req.TotalChunks < 1:
		return fmt.Errorf("%w: total_chunks must be >= 1", ErrInvalidSubmission)
	case req.Index < 0 || req.Index >= req.TotalChunks:
		return fmt.Errorf("%w: chunk_index %d out of range [0,%d)", ErrInvalidSubmission, req.Index, req.TotalChunks)
	case len(req.Data) == 0:
		return fmt.Errorf("%w: chunk bytes are empty", ErrInvalidSubmission)
	}
	return nil
}

func containsIndex(set []int, index int) bool {
	for _, v := range set {
		if v == index {
			return true
		}
	}
	return false
}
