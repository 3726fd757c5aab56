// Package storage is the Postgres persistence layer. It backs the upload
// ledger, the variant table, and the product catalog, and owns the per-batch
// import transaction.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"catalog-ingest/internal/models"
)

var ErrNotFound = errors.New("not found")

type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // for migrations
}

func NewStorage(dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

// --- upload ledger ---

func (s *Storage) GetOrCreateUpload(ctx context.Context, checksum, originalName string, totalChunks int) (*models.Upload, bool, error) {
	const op = "storage.GetOrCreateUpload"

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO uploads (id, checksum, original_name, total_chunks, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (checksum) DO NOTHING`,
		uuid.New(), checksum, originalName, totalChunks, models.UploadStatusUploading)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	created := tag.RowsAffected() == 1

	upload, err := s.GetUploadByChecksum(ctx, checksum)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return upload, created, nil
}

func (s *Storage) GetUploadByChecksum(ctx context.Context, checksum string) (*models.Upload, error) {
	const op = "storage.GetUploadByChecksum"

	upload, err := s.scanUpload(ctx,
		`SELECT id, checksum, original_name, total_chunks, status, created_at, updated_at
		 FROM uploads WHERE checksum = $1`, checksum)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return upload, nil
}

// GetUploadByID returns nil, nil when no row exists for the id, so the
// processor can treat a vanished upload as already cleaned up.
func (s *Storage) GetUploadByID(ctx context.Context, uploadID uuid.UUID) (*models.Upload, error) {
	const op = "storage.GetUploadByID"

	upload, err := s.scanUpload(ctx,
		`SELECT id, checksum, original_name, total_chunks, status, created_at, updated_at
		 FROM uploads WHERE id = $1`, uploadID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return upload, nil
}

func (s *Storage) scanUpload(ctx context.Context, query string, arg any) (*models.Upload, error) {
	var u models.Upload
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Checksum, &u.OriginalName, &u.TotalChunks, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT chunk_index FROM upload_chunks WHERE upload_id = $1 ORDER BY chunk_index`, u.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		u.ReceivedChunks = append(u.ReceivedChunks, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Storage) AddReceivedChunk(ctx context.Context, uploadID uuid.UUID, index int) ([]int, error) {
	const op = "storage.AddReceivedChunk"

	_, err := s.pool.Exec(ctx,
		`INSERT INTO upload_chunks (upload_id, chunk_index) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, uploadID, index)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT chunk_index FROM upload_chunks WHERE upload_id = $1 ORDER BY chunk_index`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var received []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		received = append(received, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return received, nil
}

// MarkProcessing flips uploading->processing. The conditional update is what
// guarantees a single processing dispatch under concurrent chunk submissions.
func (s *Storage) MarkProcessing(ctx context.Context, uploadID uuid.UUID) (bool, error) {
	return s.transition(ctx, uploadID, models.UploadStatusUploading, models.UploadStatusProcessing)
}

// MarkReprocessing flips failed->processing for an explicit reprocess request.
func (s *Storage) MarkReprocessing(ctx context.Context, uploadID uuid.UUID) (bool, error) {
	return s.transition(ctx, uploadID, models.UploadStatusFailed, models.UploadStatusProcessing)
}

func (s *Storage) transition(ctx context.Context, uploadID uuid.UUID, from, to models.UploadStatus) (bool, error) {
	const op = "storage.transition"

	tag, err := s.pool.Exec(ctx,
		`UPDATE uploads SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		uploadID, from, to)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Storage) SetUploadStatus(ctx context.Context, uploadID uuid.UUID, status models.UploadStatus) error {
	const op = "storage.SetUploadStatus"

	_, err := s.pool.Exec(ctx,
		`UPDATE uploads SET status = $2, updated_at = now() WHERE id = $1`, uploadID, status)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// --- image variants ---

func (s *Storage) CreateVariantIfAbsent(ctx context.Context, v *models.ImageVariant) (bool, error) {
	const op = "storage.CreateVariantIfAbsent"

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO image_variants (id, upload_id, label, path, width, height, checksum)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (upload_id, label) DO NOTHING`,
		v.ID, v.UploadID, v.Label, v.Path, v.Width, v.Height, v.Checksum)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Storage) VariantsByUpload(ctx context.Context, uploadID uuid.UUID) ([]models.ImageVariant, error) {
	const op = "storage.VariantsByUpload"

	rows, err := s.pool.Query(ctx,
		`SELECT id, upload_id, label, path, width, height, checksum
		 FROM image_variants WHERE upload_id = $1 ORDER BY width`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var variants []models.ImageVariant
	for rows.Next() {
		var v models.ImageVariant
		if err := rows.Scan(&v.ID, &v.UploadID, &v.Label, &v.Path, &v.Width, &v.Height, &v.Checksum); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return variants, nil
}

// CompletedUploads loads every completed upload together with its variants,
// once per import batch.
func (s *Storage) CompletedUploads(ctx context.Context) ([]models.CompletedUpload, error) {
	const op = "storage.CompletedUploads"

	rows, err := s.pool.Query(ctx,
		`SELECT u.id, u.original_name, v.id, v.label, v.path, v.width, v.height, v.checksum
		 FROM uploads u
		 JOIN image_variants v ON v.upload_id = u.id
		 WHERE u.status = $1
		 ORDER BY u.id, v.width`, models.UploadStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var result []models.CompletedUpload
	byID := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			uploadID uuid.UUID
			name     string
			v        models.ImageVariant
		)
		if err := rows.Scan(&uploadID, &name, &v.ID, &v.Label, &v.Path, &v.Width, &v.Height, &v.Checksum); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		v.UploadID = uploadID
		pos, ok := byID[uploadID]
		if !ok {
			pos = len(result)
			byID[uploadID] = pos
			result = append(result, models.CompletedUpload{UploadID: uploadID, OriginalName: name})
		}
		result[pos].Variants = append(result[pos].Variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// --- products ---

func (s *Storage) ExistingSKUs(ctx context.Context, skus []string) (map[string]struct{}, error) {
	const op = "storage.ExistingSKUs"

	rows, err := s.pool.Query(ctx, `SELECT sku FROM products WHERE sku = ANY($1)`, skus)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	existing := make(map[string]struct{}, len(skus))
	for rows.Next() {
		var sku string
		if err := rows.Scan(&sku); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		existing[sku] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return existing, nil
}

// ApplyBatch upserts one batch of rows and applies image links inside a single
// transaction. The unique constraint on sku plus the surrounding transaction
// is what lets concurrent imports of overlapping SKU sets serialize rather
// than corrupt. Returned are the SKUs whose primary image actually changed.
func (s *Storage) ApplyBatch(ctx context.Context, rows []models.ProductRow, links []models.ImageLink) ([]string, error) {
	const op = "storage.ApplyBatch"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(
			`INSERT INTO products (sku, name, price)
			 VALUES ($1, $2, $3::numeric)
			 ON CONFLICT (sku) DO UPDATE
			 SET name = EXCLUDED.name, price = EXCLUDED.price, updated_at = now()`,
			r.SKU, r.Name, r.Price.String())
	}
	for _, l := range links {
		// IS DISTINCT FROM keeps re-linking the same variant a no-op with no
		// timestamp churn; rows affected tells us whether a link happened.
		batch.Queue(
			`UPDATE products SET primary_image_id = $2, updated_at = now()
			 WHERE sku = $1 AND primary_image_id IS DISTINCT FROM $2`,
			l.SKU, l.VariantID)
	}

	results := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return nil, fmt.Errorf("%s: upsert: %w", op, err)
		}
	}
	var linked []string
	for _, l := range links {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return nil, fmt.Errorf("%s: link %s: %w", op, l.SKU, err)
		}
		if tag.RowsAffected() == 1 {
			linked = append(linked, l.SKU)
		}
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return linked, nil
}

func (s *Storage) GetProduct(ctx context.Context, sku string) (*models.Product, error) {
	const op = "storage.GetProduct"

	var (
		p     models.Product
		price string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT sku, name, price::text, primary_image_id, created_at, updated_at
		 FROM products WHERE sku = $1`, sku).
		Scan(&p.SKU, &p.Name, &price, &p.PrimaryImageID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &p, nil
}

// SetPrimaryImage points the product at the given variant. Setting the same
// variant again is a no-op; the result reports whether anything changed.
func (s *Storage) SetPrimaryImage(ctx context.Context, sku string, variantID uuid.UUID) (bool, error) {
	const op = "storage.SetPrimaryImage"

	tag, err := s.pool.Exec(ctx,
		`UPDATE products SET primary_image_id = $2, updated_at = now()
		 WHERE sku = $1 AND primary_image_id IS DISTINCT FROM $2`,
		sku, variantID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}
