package importer

import (
	"path/filepath"
	"strings"

	"catalog-ingest/internal/models"
)

// matcher reports whether a filename hint resolves to an upload's original
// name. Matchers are tried strictly in order, first hit wins, so the loosest
// rule only ever runs when the stricter ones missed.
type matcher func(hint, original string) bool

var matchers = []matcher{
	matchExact,
	matchFold,
	matchFoldStripExt,
}

func matchExact(hint, original string) bool {
	return hint == original
}

func matchFold(hint, original string) bool {
	return strings.EqualFold(hint, original)
}

// matchFoldStripExt compares with extensions removed, case-insensitively.
// This handles CSV rows that omit the extension, at the cost of conflating
// files that differ only by extension.
func matchFoldStripExt(hint, original string) bool {
	return strings.EqualFold(stripExt(hint), stripExt(original))
}

func stripExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// ResolveImage resolves a filename hint against completed uploads and returns
// the best (largest-width) variant of the first upload that matches.
func ResolveImage(hint string, uploads []models.CompletedUpload) (*models.ImageVariant, bool) {
	for _, match := range matchers {
		for _, upload := range uploads {
			if !match(hint, upload.OriginalName) {
				continue
			}
			if v := upload.LargestVariant(); v != nil {
				return v, true
			}
		}
	}
	return nil, false
}
