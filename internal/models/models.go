package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type UploadStatus string

const (
	UploadStatusUploading  UploadStatus = "uploading"
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
)

// Terminal reports whether the status is final. Completed and failed uploads
// are never moved back into processing.
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusCompleted || s == UploadStatusFailed
}

// VariantWidths lists the target widths generated for every assembled image,
// in the order they are produced.
var VariantWidths = []int{256, 512, 1024}

// Upload is one logical file transfer, identified by its content checksum
// regardless of how many chunks it was split into.
type Upload struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	Checksum       string       `json:"checksum" db:"checksum"`
	OriginalName   string       `json:"original_name" db:"original_name"`
	TotalChunks    int          `json:"total_chunks" db:"total_chunks"`
	ReceivedChunks []int        `json:"received_chunks"`
	Status         UploadStatus `json:"status" db:"status"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// ImageVariant is a resized derivative of an assembled upload. At most one
// variant exists per (upload, label) pair.
type ImageVariant struct {
	ID       uuid.UUID `json:"id" db:"id"`
	UploadID uuid.UUID `json:"upload_id" db:"upload_id"`
	Label    string    `json:"label" db:"label"`
	Path     string    `json:"path" db:"path"`
	Width    int       `json:"width" db:"width"`
	Height   int       `json:"height" db:"height"`
	Checksum string    `json:"checksum" db:"checksum"`
}

// CompletedUpload is the linker's per-batch view of a finished upload together
// with its variants.
type CompletedUpload struct {
	UploadID     uuid.UUID
	OriginalName string
	Variants     []ImageVariant
}

// LargestVariant returns the variant with the greatest pixel width, first
// found winning ties. Returns nil when the upload has no variants.
func (u CompletedUpload) LargestVariant() *ImageVariant {
	var best *ImageVariant
	for i := range u.Variants {
		if best == nil || u.Variants[i].Width > best.Width {
			best = &u.Variants[i]
		}
	}
	return best
}

type Product struct {
	SKU            string          `json:"sku" db:"sku"`
	Name           string          `json:"name" db:"name"`
	Price          decimal.Decimal `json:"price" db:"price"`
	PrimaryImageID *uuid.UUID      `json:"primary_image_id,omitempty" db:"primary_image_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// ProductRow is one validated CSV row awaiting upsert.
type ProductRow struct {
	SKU       string
	Name      string
	Price     decimal.Decimal
	ImageName string
	Line      int
}

// ImageLink pairs a SKU with the variant resolved for it.
type ImageLink struct {
	SKU       string
	VariantID uuid.UUID
}

// ImportSummary aggregates the outcome of one CSV import run.
type ImportSummary struct {
	Success        bool     `json:"success"`
	TotalRows      int      `json:"total_rows"`
	Imported       int      `json:"imported_count"`
	Updated        int      `json:"updated_count"`
	Invalid        int      `json:"invalid_count"`
	Duplicates     int      `json:"duplicate_count"`
	ImagesLinked   int      `json:"images_linked"`
	ImagesNotFound int      `json:"images_not_found"`
	Issues         []string `json:"issues"`
}

// ChunkReceipt is the outcome of one chunk submission. Status "completed"
// means every byte has been received and processing dispatched, not that
// variants exist yet.
type ChunkReceipt struct {
	Status         string    `json:"status"`
	UploadID       uuid.UUID `json:"upload_id"`
	ReceivedChunks int       `json:"received_chunks_count"`
	TotalChunks    int       `json:"total_chunks"`
	Progress       int       `json:"progress"`
	Message        string    `json:"message,omitempty"`
}
