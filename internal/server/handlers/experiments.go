package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/iudanet/synckit/internal/server/storage"
	"github.com/iudanet/synckit/pkg/api"
)

// ExperimentsHandler раздает документы экспериментов клиентам
// и принимает их от оператора
type ExperimentsHandler struct {
	logger  *slog.Logger
	storage storage.ExperimentStorage
}

// NewExperimentsHandler создает новый handler экспериментов
func NewExperimentsHandler(logger *slog.Logger, expStorage storage.ExperimentStorage) *ExperimentsHandler {
	return &ExperimentsHandler{
		logger:  logger,
		storage: expStorage,
	}
}

// List обрабатывает GET /experiments.
// Поддерживает условные запросы: ETag считается по содержимому,
// совпадение If-None-Match дает 304 без тела.
func (h *ExperimentsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	documents, err := h.storage.ListExperiments(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list experiments", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	etag := experimentsETag(documents)
	w.Header().Set("ETag", etag)

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	resp := api.ExperimentsResponse{Data: make([]json.RawMessage, 0, len(documents))}
	for _, doc := range documents {
		resp.Data = append(resp.Data, json.RawMessage(doc))
	}

	sendJSON(h.logger, w, resp, http.StatusOK)
}

// Put обрабатывает PUT /experiments/{slug}.
// Тело запроса - сырой JSON документа эксперимента.
func (h *ExperimentsHandler) Put(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	slug := r.PathValue("slug")
	if slug == "" {
		sendError(h.logger, w, "slug is required", http.StatusBadRequest)
		return
	}

	document, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to read experiment body", slog.Any("error", err))
		sendError(h.logger, w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if !json.Valid(document) {
		sendError(h.logger, w, "experiment document must be valid JSON", http.StatusBadRequest)
		return
	}

	if err := h.storage.PutExperiment(ctx, slug, document); err != nil {
		h.logger.ErrorContext(ctx, "failed to store experiment",
			slog.String("slug", slug), slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.InfoContext(ctx, "experiment stored", slog.String("slug", slug))
	w.WriteHeader(http.StatusNoContent)
}

// Delete обрабатывает DELETE /experiments/{slug}
func (h *ExperimentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	slug := r.PathValue("slug")
	if slug == "" {
		sendError(h.logger, w, "slug is required", http.StatusBadRequest)
		return
	}

	if err := h.storage.DeleteExperiment(ctx, slug); err != nil {
		h.logger.ErrorContext(ctx, "failed to delete experiment",
			slog.String("slug", slug), slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.InfoContext(ctx, "experiment deleted", slog.String("slug", slug))
	w.WriteHeader(http.StatusNoContent)
}

// experimentsETag считает ETag набора документов
func experimentsETag(documents [][]byte) string {
	hash := sha256.New()
	for _, doc := range documents {
		hash.Write(doc)
		hash.Write([]byte{'\n'})
	}
	return `"` + hex.EncodeToString(hash.Sum(nil)) + `"`
}
