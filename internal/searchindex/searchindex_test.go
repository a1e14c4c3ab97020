package searchindex

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/shelfstatus/internal/cachestore"
	"github.com/hitoshi/shelfstatus/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestSolrClient_GetBib(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/solr/biblio/select", r.URL.Path)
		switch r.URL.Query().Get("q") {
		case `id:".b1000001"`:
			w.Write([]byte(`{"response":{"numFound":1,"docs":[{"id":".b1000001","title_display":"Serial","is_serial":true,"title_holds_allowed":false}]}}`))
		case `overdrive_id:"abc-123"`:
			w.Write([]byte(`{"response":{"numFound":1,"docs":[{"id":".b2000002","overdrive_id":"ABC-123"}]}}`))
		default:
			w.Write([]byte(`{"response":{"numFound":0,"docs":[]}}`))
		}
	}))
	defer srv.Close()

	c := NewSolrClient(srv.URL+"/solr/biblio/", srv.Client(), nil, discardLogger())
	ctx := context.Background()

	rec, err := c.GetBib(ctx, ".b1000001")
	require.NoError(t, err)
	assert.True(t, rec.IsSerial)
	assert.False(t, rec.TitleHoldsAllowed)
	assert.Equal(t, "", rec.ExternalID)

	rec, err = c.GetBibByExternalID(ctx, "ABC-123")
	require.NoError(t, err)
	assert.Equal(t, ".b2000002", rec.ID)
	assert.Equal(t, "abc-123", rec.ExternalID)
	assert.True(t, rec.TitleHoldsAllowed)

	_, err = c.GetBib(ctx, "nope")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestSolrClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewSolrClient(srv.URL, srv.Client(), nil, discardLogger())
	_, err := c.GetBib(context.Background(), "x")
	assert.True(t, errors.Is(err, model.ErrBackendUnavailable))
}

type stubLookup struct {
	calls   int32
	records map[string]model.BibRecord
}

func (s *stubLookup) GetBib(_ context.Context, bibID string) (model.BibRecord, error) {
	atomic.AddInt32(&s.calls, 1)
	rec, ok := s.records[bibID]
	if !ok {
		return model.BibRecord{}, model.NewNotFoundError("bib", bibID)
	}
	return rec, nil
}

func (s *stubLookup) GetBibExternalID(ctx context.Context, bibID string) (string, error) {
	rec, err := s.GetBib(ctx, bibID)
	return rec.ExternalID, err
}

func (s *stubLookup) GetBibByExternalID(_ context.Context, externalID string) (model.BibRecord, error) {
	atomic.AddInt32(&s.calls, 1)
	for _, rec := range s.records {
		if rec.ExternalID == externalID {
			return rec, nil
		}
	}
	return model.BibRecord{}, model.NewNotFoundError("bib", externalID)
}

func TestCached_WritesBothDirections(t *testing.T) {
	stub := &stubLookup{records: map[string]model.BibRecord{
		"b1": {ID: "b1", ExternalID: "ext-1"},
		"b2": {ID: "b2"},
	}}
	store := cachestore.NewMemoryStore(cachestore.DefaultMemoryConfig())
	c := NewCached(stub, store, 10, nil, discardLogger())
	c.SetClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local) })
	ctx := context.Background()

	ext, err := c.GetBibExternalID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "ext-1", ext)

	// 逆引きは共有キャッシュから返る
	rec, err := c.GetBibByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "b1", rec.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.calls))

	// 電子資料でない書誌も否定結果がキャッシュされる
	ext, err = c.GetBibExternalID(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, "", ext)
	c.bibs.Purge()
	ext, err = c.GetBibExternalID(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, "", ext)
	assert.Equal(t, int32(2), atomic.LoadInt32(&stub.calls))

	raw, ok, err := store.Get(ctx, cachestore.LendingIDKey("b2"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"-"`, string(raw))
}

func TestCached_PropagatesErrors(t *testing.T) {
	stub := &stubLookup{records: map[string]model.BibRecord{}}
	c := NewCached(stub, cachestore.NewMemoryStore(cachestore.DefaultMemoryConfig()), 10, nil, discardLogger())
	_, err := c.GetBibExternalID(context.Background(), "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestUnindexed(t *testing.T) {
	var lookup BibLookup = Unindexed{}
	ctx := context.Background()

	_, err := lookup.GetBib(ctx, "b1")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	ext, err := lookup.GetBibExternalID(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, ext)

	_, err = lookup.GetBibByExternalID(ctx, "od-1")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
