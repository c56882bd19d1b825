package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/iudanet/synckit/internal/server/storage"
	"github.com/iudanet/synckit/internal/validation"
	"github.com/iudanet/synckit/pkg/api"
)

const (
	// metaCollection служебная коллекция метадокумента
	metaCollection = "meta"
	// cryptoCollection служебная коллекция ключей
	cryptoCollection = "crypto"
	// metaGlobalGuid фиксированный guid метадокумента
	metaGlobalGuid = "global"
	// cryptoKeysGuid фиксированный guid конверта ключей
	cryptoKeysGuid = "keys"
)

// StorageHandler обрабатывает протокол хранения: info-эндпоинты,
// служебные документы meta/global и crypto/keys и коллекции записей
type StorageHandler struct {
	logger    *slog.Logger
	envelopes storage.EnvelopeStorage
	config    api.InfoConfiguration

	// mu сериализует выдачу серверных timestamp,
	// чтобы modified рос строго монотонно
	mu sync.Mutex
}

// NewStorageHandler создает новый handler протокола хранения
func NewStorageHandler(logger *slog.Logger, envelopes storage.EnvelopeStorage, config api.InfoConfiguration) *StorageHandler {
	return &StorageHandler{
		logger:    logger,
		envelopes: envelopes,
		config:    config,
	}
}

// InfoConfiguration обрабатывает GET /info/configuration
func (h *StorageHandler) InfoConfiguration(w http.ResponseWriter, r *http.Request) {
	sendJSON(h.logger, w, h.config, http.StatusOK)
}

// InfoCollections обрабатывает GET /info/collections
func (h *StorageHandler) InfoCollections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserID(ctx)
	if !ok {
		sendError(h.logger, w, "unauthorized", http.StatusUnauthorized)
		return
	}

	timestamps, err := h.envelopes.CollectionTimestamps(ctx, userID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to get collection timestamps", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	sendJSON(h.logger, w, timestamps, http.StatusOK)
}

// GetMetaGlobal обрабатывает GET /storage/meta/global
func (h *StorageHandler) GetMetaGlobal(w http.ResponseWriter, r *http.Request) {
	h.getFixedDocument(w, r, metaCollection, metaGlobalGuid)
}

// PutMetaGlobal обрабатывает PUT /storage/meta/global
func (h *StorageHandler) PutMetaGlobal(w http.ResponseWriter, r *http.Request) {
	h.putFixedDocument(w, r, metaCollection, metaGlobalGuid)
}

// GetCryptoKeys обрабатывает GET /storage/crypto/keys
func (h *StorageHandler) GetCryptoKeys(w http.ResponseWriter, r *http.Request) {
	h.getFixedDocument(w, r, cryptoCollection, cryptoKeysGuid)
}

// PutCryptoKeys обрабатывает PUT /storage/crypto/keys
func (h *StorageHandler) PutCryptoKeys(w http.ResponseWriter, r *http.Request) {
	h.putFixedDocument(w, r, cryptoCollection, cryptoKeysGuid)
}

// getFixedDocument возвращает служебный документ с фиксированным guid
func (h *StorageHandler) getFixedDocument(w http.ResponseWriter, r *http.Request, collection, guid string) {
	ctx := r.Context()

	userID, ok := GetUserID(ctx)
	if !ok {
		sendError(h.logger, w, "unauthorized", http.StatusUnauthorized)
		return
	}

	envelope, err := h.envelopes.GetEnvelope(ctx, userID, collection, guid)
	if err != nil {
		if errors.Is(err, storage.ErrEnvelopeNotFound) {
			sendError(h.logger, w, fmt.Sprintf("%s/%s not found", collection, guid), http.StatusNotFound)
			return
		}
		h.logger.ErrorContext(ctx, "failed to get document",
			slog.String("collection", collection), slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-Last-Modified", strconv.FormatInt(envelope.Modified, 10))
	sendJSON(h.logger, w, envelope, http.StatusOK)
}

// putFixedDocument сохраняет служебный документ с фиксированным guid
func (h *StorageHandler) putFixedDocument(w http.ResponseWriter, r *http.Request, collection, guid string) {
	ctx := r.Context()

	userID, ok := GetUserID(ctx)
	if !ok {
		sendError(h.logger, w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var envelope api.Envelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		h.logger.ErrorContext(ctx, "failed to decode envelope", slog.Any("error", err))
		sendError(h.logger, w, "invalid request body", http.StatusBadRequest)
		return
	}

	// guid служебного документа задаётся путём, не телом
	envelope.ID = guid

	modified, err := h.stampAndUpsert(r, userID, collection, []api.Envelope{envelope})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to store document",
			slog.String("collection", collection), slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-Last-Modified", strconv.FormatInt(modified, 10))
	sendJSON(h.logger, w, modified, http.StatusOK)
}

// GetCollection обрабатывает GET /storage/{collection}?full=1&newer=N
func (h *StorageHandler) GetCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserID(ctx)
	if !ok {
		sendError(h.logger, w, "unauthorized", http.StatusUnauthorized)
		return
	}

	collection := r.PathValue("collection")
	if collection == "" {
		sendError(h.logger, w, "collection is required", http.StatusBadRequest)
		return
	}

	var newer int64
	if newerStr := r.URL.Query().Get("newer"); newerStr != "" {
		parsed, err := strconv.ParseInt(newerStr, 10, 64)
		if err != nil {
			sendError(h.logger, w, "invalid newer parameter", http.StatusBadRequest)
			return
		}
		newer = parsed
	}

	records, lastModified, err := h.envelopes.GetEnvelopes(ctx, userID, collection, newer)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to get collection",
			slog.String("collection", collection), slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	if records == nil {
		records = []api.Envelope{}
	}

	w.Header().Set("X-Last-Modified", strconv.FormatInt(lastModified, 10))
	sendJSON(h.logger, w, records, http.StatusOK)
}

// PostCollection обрабатывает POST /storage/{collection}.
// Батч получает единое серверное время модификации; записи,
// не прошедшие валидацию, попадают в failed, остальные принимаются.
func (h *StorageHandler) PostCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserID(ctx)
	if !ok {
		sendError(h.logger, w, "unauthorized", http.StatusUnauthorized)
		return
	}

	collection := r.PathValue("collection")
	if collection == "" {
		sendError(h.logger, w, "collection is required", http.StatusBadRequest)
		return
	}

	// Оптимистическая блокировка: клиент передает время последней
	// известной ему модификации коллекции
	if ifUnmodified := r.Header.Get("X-If-Unmodified-Since"); ifUnmodified != "" {
		since, err := strconv.ParseInt(ifUnmodified, 10, 64)
		if err != nil {
			sendError(h.logger, w, "invalid X-If-Unmodified-Since", http.StatusBadRequest)
			return
		}
		lastModified, err := h.collectionLastModified(ctx, userID, collection)
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to get collection timestamp", slog.Any("error", err))
			sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
			return
		}
		if lastModified > since {
			h.logger.WarnContext(ctx, "concurrent modification detected",
				slog.String("collection", collection),
				slog.Int64("since", since),
				slog.Int64("last_modified", lastModified))
			sendError(h.logger, w, "collection modified since last sync", http.StatusPreconditionFailed)
			return
		}
	}

	body := http.MaxBytesReader(w, r.Body, h.config.MaxRequestBytes)

	var records []api.Envelope
	if err := json.NewDecoder(body).Decode(&records); err != nil {
		h.logger.ErrorContext(ctx, "failed to decode records", slog.Any("error", err))
		sendError(h.logger, w, "invalid request body", http.StatusBadRequest)
		return
	}

	if int64(len(records)) > h.config.MaxPostRecords {
		sendError(h.logger, w, "too many records in batch", http.StatusBadRequest)
		return
	}

	accepted := make([]api.Envelope, 0, len(records))
	result := api.UploadResult{Success: []string{}}

	for _, record := range records {
		if err := validation.ValidateGuid(record.ID); err != nil {
			if result.Failed == nil {
				result.Failed = make(map[string]string)
			}
			result.Failed[record.ID] = err.Error()
			continue
		}
		if int64(len(record.Payload)) > h.config.MaxRecordBytes {
			if result.Failed == nil {
				result.Failed = make(map[string]string)
			}
			result.Failed[record.ID] = "payload too large"
			continue
		}
		accepted = append(accepted, record)
		result.Success = append(result.Success, record.ID)
	}

	modified, err := h.stampAndUpsert(r, userID, collection, accepted)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to store records",
			slog.String("collection", collection), slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}
	result.Modified = modified

	h.logger.InfoContext(ctx, "records uploaded",
		slog.String("collection", collection),
		slog.Int("accepted", len(accepted)),
		slog.Int("failed", len(result.Failed)))

	w.Header().Set("X-Last-Modified", strconv.FormatInt(modified, 10))
	sendJSON(h.logger, w, result, http.StatusOK)
}

// DeleteCollection обрабатывает DELETE /storage/{collection}
func (h *StorageHandler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserID(ctx)
	if !ok {
		sendError(h.logger, w, "unauthorized", http.StatusUnauthorized)
		return
	}

	collection := r.PathValue("collection")
	if collection == "" {
		sendError(h.logger, w, "collection is required", http.StatusBadRequest)
		return
	}

	if err := h.envelopes.DeleteCollection(ctx, userID, collection); err != nil {
		h.logger.ErrorContext(ctx, "failed to delete collection",
			slog.String("collection", collection), slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.InfoContext(ctx, "collection deleted", slog.String("collection", collection))
	w.WriteHeader(http.StatusNoContent)
}

// WipeStorage обрабатывает DELETE /storage.
// Удаляет все данные пользователя (fresh start)
func (h *StorageHandler) WipeStorage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserID(ctx)
	if !ok {
		sendError(h.logger, w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.envelopes.WipeUser(ctx, userID); err != nil {
		h.logger.ErrorContext(ctx, "failed to wipe user storage", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.InfoContext(ctx, "user storage wiped", slog.String("user_id", userID))
	w.WriteHeader(http.StatusNoContent)
}

// collectionLastModified возвращает время последней модификации коллекции
func (h *StorageHandler) collectionLastModified(ctx context.Context, userID, collection string) (int64, error) {
	timestamps, err := h.envelopes.CollectionTimestamps(ctx, userID)
	if err != nil {
		return 0, err
	}
	return timestamps[collection], nil
}

// stampAndUpsert выдает батчу монотонный серверный timestamp и
// сохраняет записи. Пустой батч получает timestamp, но не пишется.
func (h *StorageHandler) stampAndUpsert(r *http.Request, userID, collection string, records []api.Envelope) (int64, error) {
	ctx := r.Context()

	h.mu.Lock()
	defer h.mu.Unlock()

	lastModified, err := h.collectionLastModified(ctx, userID, collection)
	if err != nil {
		return 0, err
	}

	modified := time.Now().UnixMilli()
	if modified <= lastModified {
		modified = lastModified + 1
	}

	if len(records) == 0 {
		return modified, nil
	}

	if err := h.envelopes.UpsertEnvelopes(ctx, userID, collection, records, modified); err != nil {
		return 0, err
	}
	return modified, nil
}
