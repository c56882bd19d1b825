package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iudanet/synckit/pkg/api"
)

//go:generate moq -out client_mock.go . ClientAPI

// ClientAPI определяет интерфейс удалённого клиента storage-сервера.
// Единственные транспортные глаголы, которые использует ядро.
type ClientAPI interface {
	// GetInfoConfiguration возвращает лимиты сервера
	GetInfoConfiguration(ctx context.Context) (*api.InfoConfiguration, error)

	// GetInfoCollections возвращает время последней модификации по коллекциям
	GetInfoCollections(ctx context.Context) (api.InfoCollections, error)

	// GetMetaGlobal возвращает метадокумент и его серверный timestamp.
	// ErrNotFound если meta/global на сервере нет.
	GetMetaGlobal(ctx context.Context) (*api.MetaGlobal, int64, error)

	// PutMetaGlobal загружает новый метадокумент (fresh start)
	PutMetaGlobal(ctx context.Context, mg *api.MetaGlobal) (int64, error)

	// GetCryptoKeys возвращает зашифрованный конверт crypto/keys.
	// ErrNotFound если ключей на сервере нет.
	GetCryptoKeys(ctx context.Context) (*api.Envelope, int64, error)

	// PutCryptoKeys загружает новый конверт crypto/keys (fresh start)
	PutCryptoKeys(ctx context.Context, envelope *api.Envelope) (int64, error)

	// GetCollection возвращает записи коллекции новее указанного timestamp
	GetCollection(ctx context.Context, collection string, newer int64) ([]api.Envelope, int64, error)

	// PostCollection загружает исходящие записи.
	// ErrConcurrentModification если коллекция изменилась после ifUnmodifiedSince.
	PostCollection(ctx context.Context, collection string, ifUnmodifiedSince int64, records []api.Envelope) (*api.UploadResult, error)

	// DeleteCollection удаляет коллекцию на сервере
	DeleteCollection(ctx context.Context, collection string) error

	// WipeServer удаляет все данные клиента на сервере (fresh start)
	WipeServer(ctx context.Context) error

	// FetchExperiments возвращает документы экспериментов.
	// При 304 Not Modified возвращается кэшированный ответ.
	FetchExperiments(ctx context.Context) ([]json.RawMessage, error)
}

// Client представляет HTTP клиент для взаимодействия со storage-сервером
type Client struct {
	httpClient *http.Client
	backoff    *backoffState
	token      *AccessToken
	logger     *slog.Logger
	now        func() time.Time

	// Кэш ответа экспериментов для условных запросов (ETag / 304)
	cachedExperiments []json.RawMessage
	experimentsETag   string

	baseURL string
	mu      sync.Mutex
}

// Compile-time check that Client implements ClientAPI
var _ ClientAPI = (*Client)(nil)

// Option настраивает клиента
type Option func(*Client)

// WithClock подменяет источник времени (для тестов backoff)
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
		c.backoff = newBackoffState(now)
	}
}

// WithHTTPClient подменяет http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient создает новый API клиент
func NewClient(baseURL string, token *AccessToken, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		logger:  logger,
		now:     time.Now,
		backoff: newBackoffState(time.Now),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetInfoConfiguration возвращает лимиты сервера (GET info/configuration).
// Если сервер лимиты не публикует (404), используются значения по умолчанию.
func (c *Client) GetInfoConfiguration(ctx context.Context) (*api.InfoConfiguration, error) {
	var config api.InfoConfiguration
	_, err := c.doRequest(ctx, http.MethodGet, "/info/configuration", nil, &config)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			defaults := api.DefaultInfoConfiguration()
			return &defaults, nil
		}
		return nil, fmt.Errorf("info/configuration request failed: %w", err)
	}
	return &config, nil
}

// GetInfoCollections возвращает last-modified по коллекциям (GET info/collections)
func (c *Client) GetInfoCollections(ctx context.Context) (api.InfoCollections, error) {
	var collections api.InfoCollections
	_, err := c.doRequest(ctx, http.MethodGet, "/info/collections", nil, &collections)
	if err != nil {
		return nil, fmt.Errorf("info/collections request failed: %w", err)
	}
	return collections, nil
}

// GetMetaGlobal возвращает метадокумент сервера и его timestamp
func (c *Client) GetMetaGlobal(ctx context.Context) (*api.MetaGlobal, int64, error) {
	var envelope api.Envelope
	modified, err := c.doRequest(ctx, http.MethodGet, "/storage/meta/global", nil, &envelope)
	if err != nil {
		return nil, 0, fmt.Errorf("meta/global request failed: %w", err)
	}

	// Payload конверта - JSON строка с метадокументом
	var mg api.MetaGlobal
	if err := json.Unmarshal([]byte(envelope.Payload), &mg); err != nil {
		return nil, 0, fmt.Errorf("failed to decode meta/global payload: %w", err)
	}

	if envelope.Modified > 0 {
		modified = envelope.Modified
	}
	return &mg, modified, nil
}

// PutMetaGlobal загружает новый метадокумент (используется при fresh start)
func (c *Client) PutMetaGlobal(ctx context.Context, mg *api.MetaGlobal) (int64, error) {
	payload, err := json.Marshal(mg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal meta/global: %w", err)
	}

	envelope := api.Envelope{ID: "global", Payload: string(payload)}
	modified, err := c.doRequest(ctx, http.MethodPut, "/storage/meta/global", envelope, nil)
	if err != nil {
		return 0, fmt.Errorf("meta/global upload failed: %w", err)
	}
	return modified, nil
}

// GetCryptoKeys возвращает зашифрованный конверт crypto/keys
func (c *Client) GetCryptoKeys(ctx context.Context) (*api.Envelope, int64, error) {
	var envelope api.Envelope
	modified, err := c.doRequest(ctx, http.MethodGet, "/storage/crypto/keys", nil, &envelope)
	if err != nil {
		return nil, 0, fmt.Errorf("crypto/keys request failed: %w", err)
	}
	if envelope.Modified > 0 {
		modified = envelope.Modified
	}
	return &envelope, modified, nil
}

// PutCryptoKeys загружает новый конверт crypto/keys (fresh start)
func (c *Client) PutCryptoKeys(ctx context.Context, envelope *api.Envelope) (int64, error) {
	modified, err := c.doRequest(ctx, http.MethodPut, "/storage/crypto/keys", envelope, nil)
	if err != nil {
		return 0, fmt.Errorf("crypto/keys upload failed: %w", err)
	}
	return modified, nil
}

// GetCollection возвращает записи коллекции, изменённые начиная с newer (мс)
func (c *Client) GetCollection(ctx context.Context, collection string, newer int64) ([]api.Envelope, int64, error) {
	path := fmt.Sprintf("/storage/%s?full=1", url.PathEscape(collection))
	if newer > 0 {
		path += "&newer=" + strconv.FormatInt(newer, 10)
	}

	var records []api.Envelope
	modified, err := c.doRequest(ctx, http.MethodGet, path, nil, &records)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Пустая коллекция
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("collection %s request failed: %w", collection, err)
	}
	return records, modified, nil
}

// PostCollection загружает исходящие записи одной коллекции
func (c *Client) PostCollection(ctx context.Context, collection string, ifUnmodifiedSince int64, records []api.Envelope) (*api.UploadResult, error) {
	path := "/storage/" + url.PathEscape(collection)

	var result api.UploadResult
	err := c.doRequestHeaders(ctx, http.MethodPost, path, records, &result, func(req *http.Request) {
		if ifUnmodifiedSince > 0 {
			req.Header.Set("X-If-Unmodified-Since", strconv.FormatInt(ifUnmodifiedSince, 10))
		}
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("collection %s upload failed: %w", collection, err)
	}
	return &result, nil
}

// DeleteCollection удаляет коллекцию на сервере
func (c *Client) DeleteCollection(ctx context.Context, collection string) error {
	path := "/storage/" + url.PathEscape(collection)
	if _, err := c.doRequest(ctx, http.MethodDelete, path, nil, nil); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("collection %s delete failed: %w", collection, err)
	}
	return nil
}

// WipeServer удаляет все данные клиента на сервере
func (c *Client) WipeServer(ctx context.Context) error {
	if _, err := c.doRequest(ctx, http.MethodDelete, "/storage", nil, nil); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("server wipe failed: %w", err)
	}
	return nil
}

// FetchExperiments возвращает документы экспериментов. Отправляет
// If-None-Match с последним ETag; на 304 возвращает кэшированный ответ.
func (c *Client) FetchExperiments(ctx context.Context) ([]json.RawMessage, error) {
	c.mu.Lock()
	etag := c.experimentsETag
	c.mu.Unlock()

	var response api.ExperimentsResponse
	var notModified bool
	var newETag string

	err := c.doRequestHeaders(ctx, http.MethodGet, "/experiments", nil, &response,
		func(req *http.Request) {
			if etag != "" {
				req.Header.Set("If-None-Match", etag)
			}
		},
		func(resp *http.Response) {
			newETag = resp.Header.Get("ETag")
			notModified = resp.StatusCode == http.StatusNotModified
		})
	if err != nil {
		return nil, fmt.Errorf("experiments request failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if notModified {
		c.logger.Debug("Experiments not modified, using cached response", "etag", etag)
		return c.cachedExperiments, nil
	}

	c.experimentsETag = newETag
	c.cachedExperiments = response.Data
	return response.Data, nil
}

// doRequest выполняет HTTP запрос и возвращает серверный timestamp
// из заголовка X-Last-Modified (мс), если он есть
func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) (int64, error) {
	var modified int64
	err := c.doRequestHeaders(ctx, method, path, body, result, nil, func(resp *http.Response) {
		if v := resp.Header.Get("X-Last-Modified"); v != "" {
			if ms, parseErr := strconv.ParseInt(v, 10, 64); parseErr == nil {
				modified = ms
			}
		}
	})
	return modified, err
}

// doRequestHeaders выполняет HTTP запрос с хуками для заголовков
// запроса и ответа. Перед обращением к сети проверяется таблица backoff.
func (c *Client) doRequestHeaders(ctx context.Context, method, path string, body, result any,
	beforeSend func(*http.Request), afterReceive func(*http.Response)) error {
	// Путь без query-параметров - ключ таблицы backoff
	backoffKey := path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		backoffKey = path[:i]
	}

	if err := c.backoff.check(backoffKey); err != nil {
		return err
	}

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token != nil {
		authorization, err := token.Authorization(c.now())
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", authorization)
	}

	if beforeSend != nil {
		beforeSend(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// Сервер может попросить снизить темп и на успешном ответе
	if seconds := c.backoff.noteFromResponse(backoffKey, resp); seconds > 0 {
		c.logger.Warn("Server requested backoff", "path", backoffKey, "seconds", seconds)
	}

	if afterReceive != nil {
		afterReceive(resp)
	}

	if err := c.mapStatus(resp, backoffKey, respBody); err != nil {
		return err
	}

	// 304 не несёт тела
	if resp.StatusCode == http.StatusNotModified {
		return nil
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// mapStatus переводит статус ответа в типизированную ошибку
func (c *Client) mapStatus(resp *http.Response, backoffKey string, body []byte) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotModified:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		seconds := c.backoff.noteFromResponse(backoffKey, resp)
		c.logger.Warn("Rate limited by server", "path", backoffKey, "retry_after", seconds)
		return &BackoffError{Remaining: seconds}
	case resp.StatusCode >= 500:
		return &ServerError{Status: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrAlreadyRegistered
	case resp.StatusCode == http.StatusPreconditionFailed:
		return ErrConcurrentModification
	default:
		// Разбираем JSON тело ошибки и маппим известные errno
		var errBody api.ErrorBody
		if err := json.Unmarshal(body, &errBody); err == nil && errBody.Errno != 0 {
			if errBody.Errno == api.ErrnoUAIDNotFound {
				return ErrUAIDNotRecognized
			}
			return &ClientError{
				Status:  resp.StatusCode,
				Errno:   errBody.Errno,
				Message: errBody.Message,
			}
		}
		return &ClientError{Status: resp.StatusCode, Message: string(body)}
	}
}
