// Package importer streams product CSV files in bounded-size batches,
// validates and deduplicates rows, upserts them by SKU, and links rows to
// completed uploads by filename.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"catalog-ingest/internal/models"
)

// batchSize bounds peak memory: at most this many validated rows are held
// before they are flushed in one transaction.
const batchSize = 1000

// ErrStructural rejects a file before any row is processed: required header
// columns sku, name and price must be present with exactly those names.
var ErrStructural = errors.New("structural validation failed")

var requiredColumns = []string{"sku", "name", "price"}

// Store is the import engine's persistence surface. ApplyBatch runs inside a
// single transaction: products are upserted by SKU and image links applied,
// returning the SKUs whose primary image actually changed.
type Store interface {
	ExistingSKUs(ctx context.Context, skus []string) (map[string]struct{}, error)
	CompletedUploads(ctx context.Context) ([]models.CompletedUpload, error)
	ApplyBatch(ctx context.Context, rows []models.ProductRow, links []models.ImageLink) (linked []string, err error)
}

type Importer struct {
	store Store
	log   *logrus.Entry
}

func New(store Store) *Importer {
	return &Importer{
		store: store,
		log:   logrus.WithField("component", "importer"),
	}
}

// run carries one import invocation's accumulating state: the summary and the
// run-scoped set of SKUs seen so far across all batches.
type run struct {
	summary  *models.ImportSummary
	seen     map[string]struct{}
	imageCol int // -1 when the file has no image column
	batch    []models.ProductRow
}

// ImportFile streams the CSV at path and returns the aggregate summary.
// Structural problems (missing required columns, unreadable file) are
// returned as an error wrapping ErrStructural before any row is processed;
// mid-stream failures abort the run and surface as a single fatal issue in
// the summary instead of partial success.
func (im *Importer) ImportFile(ctx context.Context, path string) (*models.ImportSummary, error) {
	const op = "importer.ImportFile"

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrStructural, err)
	}
	defer f.Close()

	return im.Import(ctx, f)
}

// Import is ImportFile for an already-open stream.
func (im *Importer) Import(ctx context.Context, src io.Reader) (*models.ImportSummary, error) {
	const op = "importer.Import"

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: cannot read header: %v", op, ErrStructural, err)
	}
	cols, err := resolveHeader(header)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	r := &run{
		summary:  &models.ImportSummary{Issues: []string{}},
		seen:     make(map[string]struct{}),
		imageCol: cols.image,
	}

	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			// Unreadable mid-stream: abort the whole run.
			r.summary.Issues = append(r.summary.Issues,
				fmt.Sprintf("fatal: import aborted at line %d: %v", line, err))
			r.summary.Success = false
			im.log.WithError(err).WithField("line", line).Error("import aborted")
			return r.summary, nil
		}

		r.summary.TotalRows++
		im.consumeRow(r, cols, record, line)

		if len(r.batch) == batchSize {
			if err := im.flush(ctx, r); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
	}

	if err := im.flush(ctx, r); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	r.summary.Success = true
	im.log.WithFields(logrus.Fields{
		"total":      r.summary.TotalRows,
		"imported":   r.summary.Imported,
		"updated":    r.summary.Updated,
		"invalid":    r.summary.Invalid,
		"duplicates": r.summary.Duplicates,
	}).Info("import finished")
	return r.summary, nil
}

type columns struct {
	sku, name, price int
	image            int // -1 when absent
	max              int // highest required index, for short-row detection
}

func resolveHeader(header []string) (columns, error) {
	cols := columns{sku: -1, name: -1, price: -1, image: -1}
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case "sku":
			cols.sku = i
		case "name":
			cols.name = i
		case "price":
			cols.price = i
		}
		// The image column is optional and matched loosely, unlike the
		// required three.
		if cols.image < 0 && strings.EqualFold(strings.TrimSpace(h), "image") {
			cols.image = i
		}
	}
	for _, req := range requiredColumns {
		idx := map[string]int{"sku": cols.sku, "name": cols.name, "price": cols.price}[req]
		if idx < 0 {
			return cols, fmt.Errorf("%w: missing required column %q", ErrStructural, req)
		}
		if idx > cols.max {
			cols.max = idx
		}
	}
	return cols, nil
}

// consumeRow validates one record and either queues it for the current batch
// or records it as invalid/duplicate.
func (im *Importer) consumeRow(r *run, cols columns, record []string, line int) {
	if len(record) <= cols.max {
		r.summary.Invalid++
		r.summary.Issues = append(r.summary.Issues,
			fmt.Sprintf("row %d: expected at least %d fields, got %d", line, cols.max+1, len(record)))
		return
	}

	sku := strings.TrimSpace(record[cols.sku])
	name := strings.TrimSpace(record[cols.name])
	priceRaw := strings.TrimSpace(record[cols.price])

	if sku == "" || name == "" || priceRaw == "" {
		r.summary.Invalid++
		r.summary.Issues = append(r.summary.Issues,
			fmt.Sprintf("row %d: sku, name and price must be non-empty", line))
		return
	}

	price, err := decimal.NewFromString(priceRaw)
	if err != nil || price.IsNegative() {
		r.summary.Invalid++
		r.summary.Issues = append(r.summary.Issues,
			fmt.Sprintf("row %d: price %q is not a non-negative number", line, priceRaw))
		return
	}

	if _, dup := r.seen[sku]; dup {
		r.summary.Duplicates++
		r.summary.Issues = append(r.summary.Issues,
			fmt.Sprintf("row %d: duplicate sku %q, first occurrence kept", line, sku))
		return
	}
	r.seen[sku] = struct{}{}

	row := models.ProductRow{SKU: sku, Name: name, Price: price, Line: line}
	if cols.image >= 0 && cols.image < len(record) {
		row.ImageName = strings.TrimSpace(record[cols.image])
	}
	r.batch = append(r.batch, row)
}

// flush classifies the batch as new vs existing, resolves image links, and
// applies everything in one transaction via the store.
func (im *Importer) flush(ctx context.Context, r *run) error {
	if len(r.batch) == 0 {
		return nil
	}
	rows := r.batch
	r.batch = nil

	skus := make([]string, len(rows))
	for i, row := range rows {
		skus[i] = row.SKU
	}
	existing, err := im.store.ExistingSKUs(ctx, skus)
	if err != nil {
		return err
	}

	var links []models.ImageLink
	if r.imageCol >= 0 {
		uploads, err := im.store.CompletedUploads(ctx)
		if err != nil {
			return err
		}
		links = resolveLinks(r, rows, uploads)
	}

	linked, err := im.store.ApplyBatch(ctx, rows, links)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if _, ok := existing[row.SKU]; ok {
			r.summary.Updated++
		} else {
			r.summary.Imported++
		}
	}
	r.summary.ImagesLinked += len(linked)
	return nil
}

// resolveLinks runs the filename matcher tiers for every row carrying a hint
// and records misses as issues.
func resolveLinks(r *run, rows []models.ProductRow, uploads []models.CompletedUpload) []models.ImageLink {
	var links []models.ImageLink
	for _, row := range rows {
		if row.ImageName == "" {
			continue
		}
		variant, ok := ResolveImage(row.ImageName, uploads)
		if !ok {
			r.summary.ImagesNotFound++
			r.summary.Issues = append(r.summary.Issues,
				fmt.Sprintf("row %d: no completed upload matches image %q for sku %q", row.Line, row.ImageName, row.SKU))
			continue
		}
		links = append(links, models.ImageLink{SKU: row.SKU, VariantID: variant.ID})
	}
	return links
}
