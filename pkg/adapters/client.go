// Package adapters talks to the adapter registry and to individual adapter
// instances over HTTP. Adapters own their connector internals; this package
// only sees the registry listing, client labels, and raw device batches.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrAdapterOffline means the adapter instance did not answer; the fetch
	// cycle is skipped, never failed
	ErrAdapterOffline = errors.New("adapter offline")
	// ErrClientsUnavailable means the adapter answered but could not serve
	// its client list
	ErrClientsUnavailable = errors.New("adapter clients unavailable")
)

// Registry lists the configured adapter instances.
type Registry struct {
	baseURL string
	client  *http.Client
	logger  ectologger.Logger
}

// NewRegistry creates a registry client
func NewRegistry(baseURL string, timeout time.Duration, logger ectologger.Logger) *Registry {
	return &Registry{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// List returns the currently registered adapter instances.
func (r *Registry) List(ctx context.Context) ([]models.AdapterInstance, error) {
	ctx, span := tracing.StartSpan(ctx, "adapters.Registry.List")
	defer span.End()

	var resp models.RegistryResponse
	if err := getJSON(ctx, r.client, r.baseURL+"/register", &resp); err != nil {
		return nil, fmt.Errorf("failed to list adapters: %w", err)
	}
	return resp.Adapters, nil
}

// Client fetches raw device batches from one adapter instance.
type Client struct {
	sourceID string
	baseURL  string
	client   *http.Client
	logger   ectologger.Logger
}

// NewClient creates a client for one adapter instance
func NewClient(instance models.AdapterInstance, timeout time.Duration, logger ectologger.Logger) *Client {
	return &Client{
		sourceID: instance.SourceID,
		baseURL:  instance.BaseURL,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Clients returns the adapter's configured clients (credential sets).
func (c *Client) Clients(ctx context.Context) ([]models.AdapterClient, error) {
	ctx, span := tracing.StartSpan(ctx, "adapters.Client.Clients")
	defer span.End()

	var clients []models.AdapterClient
	if err := getJSON(ctx, c.client, c.baseURL+"/clients", &clients); err != nil {
		if isConnectionError(err) {
			return nil, fmt.Errorf("%w: %s: %s", ErrAdapterOffline, c.sourceID, err)
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrClientsUnavailable, c.sourceID, err)
	}
	return clients, nil
}

// FetchBatch returns the latest raw snapshot for one client.
func (c *Client) FetchBatch(ctx context.Context, clientLabel string) (*models.RawBatch, error) {
	ctx, span := tracing.StartSpan(ctx, "adapters.Client.FetchBatch")
	defer span.End()

	endpoint := fmt.Sprintf("%s/devices?client=%s", c.baseURL, url.QueryEscape(clientLabel))
	var batch models.RawBatch
	if err := getJSON(ctx, c.client, endpoint, &batch); err != nil {
		return nil, fmt.Errorf("%w: %s client %s: %s", ErrAdapterOffline, c.sourceID, clientLabel, err)
	}
	if batch.ClientLabel == "" {
		batch.ClientLabel = clientLabel
	}
	return &batch, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func isConnectionError(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
