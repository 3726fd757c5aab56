package uploader_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-ingest/internal/chunkstore"
	"catalog-ingest/internal/models"
	"catalog-ingest/internal/uploader"
)

// fakeStore is an in-memory uploader.Store.
type fakeStore struct {
	mu         sync.Mutex
	uploads    map[string]*models.Upload // by checksum
	received   map[uuid.UUID]map[int]struct{}
	processing map[uuid.UUID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		uploads:    make(map[string]*models.Upload),
		received:   make(map[uuid.UUID]map[int]struct{}),
		processing: make(map[uuid.UUID]bool),
	}
}

func (f *fakeStore) GetOrCreateUpload(_ context.Context, checksum, originalName string, totalChunks int) (*models.Upload, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.uploads[checksum]; ok {
		cp := *u
		cp.ReceivedChunks = f.receivedSorted(u.ID)
		return &cp, false, nil
	}
	u := &models.Upload{
		ID:           uuid.New(),
		Checksum:     checksum,
		OriginalName: originalName,
		TotalChunks:  totalChunks,
		Status:       models.UploadStatusUploading,
	}
	f.uploads[checksum] = u
	f.received[u.ID] = make(map[int]struct{})
	cp := *u
	return &cp, true, nil
}

func (f *fakeStore) AddReceivedChunk(_ context.Context, uploadID uuid.UUID, index int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received[uploadID][index] = struct{}{}
	return f.receivedSorted(uploadID), nil
}

func (f *fakeStore) MarkProcessing(_ context.Context, uploadID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processing[uploadID] {
		return false, nil
	}
	f.processing[uploadID] = true
	for _, u := range f.uploads {
		if u.ID == uploadID {
			u.Status = models.UploadStatusProcessing
		}
	}
	return true, nil
}

func (f *fakeStore) SetUploadStatus(_ context.Context, uploadID uuid.UUID, status models.UploadStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.uploads {
		if u.ID == uploadID {
			u.Status = status
		}
	}
	return nil
}

func (f *fakeStore) statusOf(t *testing.T, checksum string) models.UploadStatus {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[checksum]
	require.True(t, ok)
	return u.Status
}

func (f *fakeStore) receivedSorted(uploadID uuid.UUID) []int {
	var out []int
	for idx := range f.received[uploadID] {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

type countingDispatcher struct {
	mu    sync.Mutex
	count int
	ids   []uuid.UUID
}

func (d *countingDispatcher) Dispatch(_ context.Context, uploadID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	d.ids = append(d.ids, uploadID)
	return nil
}

func newLedger(t *testing.T) (*uploader.Ledger, *fakeStore, *countingDispatcher, *chunkstore.Store) {
	t.Helper()
	store := newFakeStore()
	chunks := chunkstore.New(t.TempDir())
	dispatch := &countingDispatcher{}
	return uploader.NewLedger(store, chunks, dispatch), store, dispatch, chunks
}

func TestSubmitChunk_Progress(t *testing.T) {
	ledger, _, dispatch, _ := newLedger(t)
	ctx := context.Background()

	receipt, err := ledger.SubmitChunk(ctx, uploader.SubmitChunkRequest{
		Checksum: "abc", Index: 0, TotalChunks: 3, OriginalName: "photo.png", Data: []byte("a"),
	})
	require.NoError(t, err)
	assert.Equal(t, "uploading", receipt.Status)
	assert.Equal(t, 1, receipt.ReceivedChunks)
	assert.Equal(t, 33, receipt.Progress)
	assert.Equal(t, 0, dispatch.count)

	receipt, err = ledger.SubmitChunk(ctx, uploader.SubmitChunkRequest{
		Checksum: "abc", Index: 2, TotalChunks: 3, Data: []byte("c"),
	})
	require.NoError(t, err)
	assert.Equal(t, "uploading", receipt.Status)
	assert.Equal(t, 66, receipt.Progress)

	receipt, err = ledger.SubmitChunk(ctx, uploader.SubmitChunkRequest{
		Checksum: "abc", Index: 1, TotalChunks: 3, Data: []byte("b"),
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", receipt.Status)
	assert.Equal(t, 100, receipt.Progress)
	assert.Equal(t, 1, dispatch.count)
}

func TestSubmitChunk_ResubmissionIsNoOp(t *testing.T) {
	ledger, _, dispatch, chunks := newLedger(t)
	ctx := context.Background()

	first, err := ledger.SubmitChunk(ctx, uploader.SubmitChunkRequest{
		Checksum: "abc", Index: 0, TotalChunks: 2, Data: []byte("original"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, first.ReceivedChunks)

	// Same index again, different bytes: count unchanged, stored chunk intact.
	again, err := ledger.SubmitChunk(ctx, uploader.SubmitChunkRequest{
		Checksum: "abc", Index: 0, TotalChunks: 2, Data: []byte("different"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, again.ReceivedChunks)
	assert.Equal(t, "uploading", again.Status)
	assert.Equal(t, 0, dispatch.count)

	data, err := chunks.ReadChunk(first.UploadID, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data)
}

func TestSubmitChunk_DispatchHappensOnce(t *testing.T) {
	ledger, _, dispatch, _ := newLedger(t)
	ctx := context.Background()

	_, err := ledger.SubmitChunk(ctx, uploader.SubmitChunkRequest{
		Checksum: "abc", Index: 0, TotalChunks: 1, Data: []byte("whole file"),
	})
	require.NoError(t, err)

	// Resubmitting the final chunk must not dispatch again.
	_, err = ledger.SubmitChunk(ctx, uploader.SubmitChunkRequest{
		Checksum: "abc", Index: 0, TotalChunks: 1, Data: []byte("whole file"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dispatch.count)
}

func TestSubmitChunk_TotalChunksMismatchRejected(t *testing.T) {
	ledger, _, _, _ := newLedger(t)
	ctx := context.Background()

	_, err := ledger.SubmitChunk(ctx, uploader.SubmitChunkRequest{
		Checksum: "abc", Index: 0, TotalChunks: 3, Data: []byte("a"),
	})
	require.NoError(t, err)

	_, err = ledger.SubmitChunk(ctx, uploader.SubmitChunkRequest{
		Checksum: "abc", Index: 1, TotalChunks: 5, Data: []byte("b"),
	})
	assert.ErrorIs(t, err, uploader.ErrChunkCountMismatch)
}

func TestSubmitChunk_Validation(t *testing.T) {
	ledger, _, _, _ := newLedger(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  uploader.SubmitChunkRequest
	}{
		{"empty checksum", uploader.SubmitChunkRequest{Index: 0, TotalChunks: 1, Data: []byte("x")}},
		{"checksum too long", uploader.SubmitChunkRequest{Checksum: string(make([]byte, 65)), Index: 0, TotalChunks: 1, Data: []byte("x")}},
		{"negative index", uploader.SubmitChunkRequest{Checksum: "abc", Index: -1, TotalChunks: 1, Data: []byte("x")}},
		{"index beyond total", uploader.SubmitChunkRequest{Checksum: "abc", Index: 2, TotalChunks: 2, Data: []byte("x")}},
		{"zero total", uploader.SubmitChunkRequest{Checksum: "abc", Index: 0, TotalChunks: 0, Data: []byte("x")}},
		{"empty data", uploader.SubmitChunkRequest{Checksum: "abc", Index: 0, TotalChunks: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ledger.SubmitChunk(ctx, tc.req)
			assert.ErrorIs(t, err, uploader.ErrInvalidSubmission)
		})
	}
}

func TestSubmitChunk_DispatchFailureMarksUploadFailed(t *testing.T) {
	store := newFakeStore()
	chunks := chunkstore.New(t.TempDir())
	boom := errors.New("broker unreachable")
	ledger := uploader.NewLedger(store, chunks, uploader.DispatcherFunc(
		func(context.Context, uuid.UUID) error { return boom }))

	_, err := ledger.SubmitChunk(context.Background(), uploader.SubmitChunkRequest{
		Checksum: "abc", Index: 0, TotalChunks: 1, Data: []byte("whole file"),
	})
	require.ErrorIs(t, err, boom)

	// Failed, not stuck in processing: the reprocess path can pick it up.
	assert.Equal(t, models.UploadStatusFailed, store.statusOf(t, "abc"))
}

func TestSubmitChunk_ConcurrentSubmissionsDispatchOnce(t *testing.T) {
	ledger, _, dispatch, _ := newLedger(t)
	ctx := context.Background()

	const total = 8
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, err := ledger.SubmitChunk(ctx, uploader.SubmitChunkRequest{
				Checksum: "abc", Index: index, TotalChunks: total, Data: []byte{byte(index)},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, dispatch.count)
}
