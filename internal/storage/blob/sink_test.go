package blob

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
	"github.com/JakeFAU/deepcrawl/internal/storage/memory"
)

func TestSinkStoresRecordJSON(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	sink, err := NewSink(store, "archive")
	require.NoError(t, err)

	rec := crawler.Record{
		ID:        "rec-1",
		URL:       "https://example.com/",
		Title:     "Home",
		FetchedAt: time.Date(2025, 11, 3, 15, 4, 5, 0, time.UTC),
	}
	require.NoError(t, sink.Store(context.Background(), rec))

	data, ok := store.Get("archive/2025/11/03/rec-1.json")
	require.True(t, ok, "expected object at date-partitioned path")

	var got crawler.Record
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, rec.URL, got.URL)
	require.Equal(t, rec.Title, got.Title)
}

func TestSinkDefaultsPrefix(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	sink, err := NewSink(store, "")
	require.NoError(t, err)

	rec := crawler.Record{ID: "rec-2", FetchedAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, sink.Store(context.Background(), rec))

	_, ok := store.Get("records/2025/01/02/rec-2.json")
	require.True(t, ok)
}

func TestSinkValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSink(nil, "x")
	require.Error(t, err)

	sink, err := NewSink(memory.NewBlobStore(), "x")
	require.NoError(t, err)
	require.Error(t, sink.Store(context.Background(), crawler.Record{}))
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("upload failed")
}

func TestSinkWrapsStoreErrors(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(failingStore{}, "")
	require.NoError(t, err)

	err = sink.Store(context.Background(), crawler.Record{ID: "rec-3"})
	require.ErrorContains(t, err, "put record object")
}
