// Package persist talks to the document backend over HTTP+JSON. Transport
// and decoding failures never escape to the page layer; saves collapse to a
// plain success flag with a displayable failure message.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stagecrew/tablesync/internal/engine"
	"github.com/stagecrew/tablesync/internal/tablelog"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxErrorBodyBytes     = 4096
)

var (
	errMissingBaseURL = errors.New("persist: base url is required")
	// ErrUnexpectedStatus indicates a non-2xx backend response on the read path.
	ErrUnexpectedStatus = errors.New("persist: unexpected response status")
)

// ClientConfig describes how to reach the backend.
type ClientConfig struct {
	BaseURL string
	// BearerToken is forwarded on every request. The hosting app owns
	// authentication; the client only carries the credential.
	BearerToken string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client implements the engine's Saver and Loader against the backend's
// document endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.BearerToken),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (client *Client) documentURL(identity tablelog.DocumentIdentity) string {
	return fmt.Sprintf("%s/documents/%s/%s", client.baseURL, identity.ResourceID(), identity.Section())
}

// Load fetches the current document state from the backend read path.
func (client *Client) Load(ctx context.Context, identity tablelog.DocumentIdentity) ([]tablelog.Group, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.documentURL(identity), http.NoBody)
	if err != nil {
		return nil, err
	}
	client.authorize(request)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, response.StatusCode)
	}

	var payload tablelog.DocumentPayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, err
	}
	groups := tablelog.DecodeGroups(payload)
	tablelog.SortGroups(groups)
	return groups, nil
}

// Save serializes the full document to the backend write endpoint. Rows that
// carried only a client temp id come back with their assigned server id in
// the outcome. A failed save reports ok == false and is never retried here.
func (client *Client) Save(ctx context.Context, identity tablelog.DocumentIdentity, groups []tablelog.Group) (engine.SaveOutcome, bool) {
	body, err := json.Marshal(tablelog.EncodeGroups(groups))
	if err != nil {
		client.logger.Error("save payload encoding failed", zap.Error(err), zap.String("document", identity.String()))
		return engine.SaveOutcome{FailureMessage: "could not encode document"}, false
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, client.documentURL(identity), bytes.NewReader(body))
	if err != nil {
		client.logger.Error("save request construction failed", zap.Error(err), zap.String("document", identity.String()))
		return engine.SaveOutcome{FailureMessage: "could not build save request"}, false
	}
	request.Header.Set("Content-Type", "application/json")
	client.authorize(request)

	response, err := client.httpClient.Do(request)
	if err != nil {
		client.logger.Warn("save request failed", zap.Error(err), zap.String("document", identity.String()))
		return engine.SaveOutcome{FailureMessage: "network error while saving"}, false
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		message := client.failureMessage(response)
		client.logger.Warn("save rejected by backend",
			zap.Int("status", response.StatusCode),
			zap.String("message", message),
			zap.String("document", identity.String()))
		return engine.SaveOutcome{FailureMessage: message}, false
	}

	var echoed tablelog.DocumentPayload
	if err := json.NewDecoder(response.Body).Decode(&echoed); err != nil {
		client.logger.Warn("save response decoding failed", zap.Error(err), zap.String("document", identity.String()))
		return engine.SaveOutcome{FailureMessage: "malformed save response"}, false
	}

	return engine.SaveOutcome{AssignedServerIDs: collectAssignedIDs(echoed)}, true
}

func (client *Client) authorize(request *http.Request) {
	if client.token != "" {
		request.Header.Set("Authorization", "Bearer "+client.token)
	}
}

// failureMessage surfaces the backend's error message when the body carries
// one, falling back to the HTTP status text.
func (client *Client) failureMessage(response *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	if err == nil {
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil && strings.TrimSpace(payload.Error) != "" {
			return payload.Error
		}
	}
	return fmt.Sprintf("save failed: %s", http.StatusText(response.StatusCode))
}

func collectAssignedIDs(payload tablelog.DocumentPayload) map[string]string {
	assigned := make(map[string]string)
	for _, group := range payload.Groups {
		for _, entryPayload := range group.Entries {
			entry := tablelog.DecodeEntry(entryPayload)
			if entry.ClientTempID != "" && entry.ServerID != "" {
				assigned[entry.ClientTempID] = entry.ServerID
			}
		}
	}
	return assigned
}
