package importer_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-ingest/internal/importer"
	"catalog-ingest/internal/models"
)

func upload(name string, widths ...int) models.CompletedUpload {
	u := models.CompletedUpload{UploadID: uuid.New(), OriginalName: name}
	for _, w := range widths {
		u.Variants = append(u.Variants, models.ImageVariant{ID: uuid.New(), Width: w})
	}
	return u
}

func TestResolveImage_ExactMatch(t *testing.T) {
	uploads := []models.CompletedUpload{
		upload("photo.png", 256, 512, 1024),
		upload("other.jpg", 256),
	}

	v, ok := importer.ResolveImage("photo.png", uploads)
	require.True(t, ok)
	assert.Equal(t, 1024, v.Width)
}

func TestResolveImage_CaseInsensitiveFallback(t *testing.T) {
	uploads := []models.CompletedUpload{upload("Photo.PNG", 256, 512)}

	v, ok := importer.ResolveImage("photo.png", uploads)
	require.True(t, ok)
	assert.Equal(t, 512, v.Width)
}

func TestResolveImage_ExtensionStrippedFallback(t *testing.T) {
	uploads := []models.CompletedUpload{upload("widget.jpeg", 256, 1024)}

	v, ok := importer.ResolveImage("widget", uploads)
	require.True(t, ok)
	assert.Equal(t, 1024, v.Width)

	v, ok = importer.ResolveImage("WIDGET.png", uploads)
	require.True(t, ok)
	assert.Equal(t, 1024, v.Width)
}

func TestResolveImage_ExactBeatsLooserTiers(t *testing.T) {
	exact := upload("photo.png", 256)
	folded := upload("Photo.png", 1024)
	uploads := []models.CompletedUpload{folded, exact}

	// The case-folded candidate comes first and has the bigger variant, but
	// the exact tier runs to completion before folding is ever tried.
	v, ok := importer.ResolveImage("photo.png", uploads)
	require.True(t, ok)
	assert.Equal(t, exact.Variants[0].ID, v.ID)
}

func TestResolveImage_NoMatch(t *testing.T) {
	uploads := []models.CompletedUpload{upload("photo.png", 256)}

	_, ok := importer.ResolveImage("missing.png", uploads)
	assert.False(t, ok)

	_, ok = importer.ResolveImage("missing", nil)
	assert.False(t, ok)
}

func TestLargestVariant_FirstWinsTies(t *testing.T) {
	u := models.CompletedUpload{
		OriginalName: "tie.png",
		Variants: []models.ImageVariant{
			{ID: uuid.New(), Width: 512},
			{ID: uuid.New(), Width: 512},
			{ID: uuid.New(), Width: 256},
		},
	}
	v := u.LargestVariant()
	require.NotNil(t, v)
	assert.Equal(t, u.Variants[0].ID, v.ID)

	assert.Nil(t, models.CompletedUpload{}.LargestVariant())
}
