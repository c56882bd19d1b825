package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/synckit/pkg/api"
)

// mockExperimentStorage is an in-memory implementation of ExperimentStorage
type mockExperimentStorage struct {
	documents map[string][]byte
}

func newMockExperimentStorage() *mockExperimentStorage {
	return &mockExperimentStorage{documents: make(map[string][]byte)}
}

func (m *mockExperimentStorage) PutExperiment(ctx context.Context, slug string, document []byte) error {
	m.documents[slug] = document
	return nil
}

func (m *mockExperimentStorage) ListExperiments(ctx context.Context) ([][]byte, error) {
	slugs := make([]string, 0, len(m.documents))
	for slug := range m.documents {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	documents := make([][]byte, 0, len(slugs))
	for _, slug := range slugs {
		documents = append(documents, m.documents[slug])
	}
	return documents, nil
}

func (m *mockExperimentStorage) DeleteExperiment(ctx context.Context, slug string) error {
	delete(m.documents, slug)
	return nil
}

func TestExperimentsHandler_List(t *testing.T) {
	store := newMockExperimentStorage()
	h := NewExperimentsHandler(testLogger(), store)

	require.NoError(t, store.PutExperiment(context.Background(), "exp-a", []byte(`{"slug":"exp-a"}`)))
	require.NoError(t, store.PutExperiment(context.Background(), "exp-b", []byte(`{"slug":"exp-b"}`)))

	req := httptest.NewRequest(http.MethodGet, "/experiments", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	var resp api.ExperimentsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Data, 2)
	assert.JSONEq(t, `{"slug":"exp-a"}`, string(resp.Data[0]))
}

func TestExperimentsHandler_List_NotModified(t *testing.T) {
	store := newMockExperimentStorage()
	h := NewExperimentsHandler(testLogger(), store)

	require.NoError(t, store.PutExperiment(context.Background(), "exp-a", []byte(`{"slug":"exp-a"}`)))

	first := httptest.NewRecorder()
	h.List(first, httptest.NewRequest(http.MethodGet, "/experiments", nil))
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	// Совпадающий If-None-Match дает 304 без тела
	req := httptest.NewRequest(http.MethodGet, "/experiments", nil)
	req.Header.Set("If-None-Match", etag)
	second := httptest.NewRecorder()
	h.List(second, req)

	assert.Equal(t, http.StatusNotModified, second.Code)
	assert.Zero(t, second.Body.Len())

	// Изменение набора документов инвалидирует ETag
	require.NoError(t, store.PutExperiment(context.Background(), "exp-b", []byte(`{"slug":"exp-b"}`)))

	third := httptest.NewRecorder()
	h.List(third, req)
	assert.Equal(t, http.StatusOK, third.Code)
	assert.NotEqual(t, etag, third.Header().Get("ETag"))
}

func TestExperimentsHandler_Put(t *testing.T) {
	store := newMockExperimentStorage()
	h := NewExperimentsHandler(testLogger(), store)

	req := httptest.NewRequest(http.MethodPut, "/experiments/exp-a", bytes.NewReader([]byte(`{"slug":"exp-a"}`)))
	req.SetPathValue("slug", "exp-a")
	rec := httptest.NewRecorder()
	h.Put(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.JSONEq(t, `{"slug":"exp-a"}`, string(store.documents["exp-a"]))
}

func TestExperimentsHandler_Put_RejectsInvalidJSON(t *testing.T) {
	store := newMockExperimentStorage()
	h := NewExperimentsHandler(testLogger(), store)

	req := httptest.NewRequest(http.MethodPut, "/experiments/exp-a", bytes.NewReader([]byte(`{broken`)))
	req.SetPathValue("slug", "exp-a")
	rec := httptest.NewRecorder()
	h.Put(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, store.documents)
}

func TestExperimentsHandler_Delete(t *testing.T) {
	store := newMockExperimentStorage()
	h := NewExperimentsHandler(testLogger(), store)

	require.NoError(t, store.PutExperiment(context.Background(), "exp-a", []byte(`{"slug":"exp-a"}`)))

	req := httptest.NewRequest(http.MethodDelete, "/experiments/exp-a", nil)
	req.SetPathValue("slug", "exp-a")
	rec := httptest.NewRecorder()
	h.Delete(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, store.documents)
}
