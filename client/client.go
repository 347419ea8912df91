// Package client implements the HTTP clients of the pipeline: station →
// broker, broker → central and the confirmation callbacks back to stations.
// Every call carries the caller's deadline; transports are pooled per
// destination and never shared across destinations.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/suffragium/suffragium/api"
	"github.com/suffragium/suffragium/types"
)

const maxResponseBody = 1 << 20 // 1 MiB, API answers are small

// HTTPClient is the shared transport wrapper of all pipeline clients.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the tier listening at baseURL.
func New(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// postJSON posts a JSON body and decodes a JSON answer into out. Non-2xx
// answers are returned as errors carrying the API error message.
func (c *HTTPClient) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: data}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// APIError is a non-2xx answer from a pipeline API.
type APIError struct {
	Status int
	Body   []byte
}

func (e *APIError) Error() string {
	apiErr := struct {
		Err  string `json:"error"`
		Code int    `json:"code"`
	}{}
	if err := json.Unmarshal(e.Body, &apiErr); err == nil && apiErr.Err != "" {
		return fmt.Sprintf("http %d: %s (code %d)", e.Status, apiErr.Err, apiErr.Code)
	}
	return fmt.Sprintf("http %d", e.Status)
}

// Ping checks the liveness endpoint of the destination tier.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+api.PingEndpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping %s: http %d", c.baseURL, resp.StatusCode)
	}
	return nil
}

// BrokerClient offers ballots to a broker. Implements the station's
// outbound interface.
type BrokerClient struct {
	*HTTPClient
}

// NewBrokerClient creates a client for the broker at baseURL.
func NewBrokerClient(baseURL string) *BrokerClient {
	return &BrokerClient{New(baseURL)}
}

// TransmitBallot posts one ballot offer and returns the synchronous Ack.
func (c *BrokerClient) TransmitBallot(ctx context.Context, offer *types.Offer) (*types.Ack, error) {
	ack := new(types.Ack)
	if err := c.postJSON(ctx, c.baseURL+api.BallotsEndpoint, offer, ack); err != nil {
		return nil, err
	}
	return ack, nil
}

// CentralClient offers ballots to the central intake. Implements the
// broker's outbound interface.
type CentralClient struct {
	*HTTPClient
}

// NewCentralClient creates a client for the central tier at baseURL.
func NewCentralClient(baseURL string) *CentralClient {
	return &CentralClient{New(baseURL)}
}

// ReceiveBallot posts one ballot offer and returns the synchronous Ack.
func (c *CentralClient) ReceiveBallot(ctx context.Context, offer *types.Offer) (*types.Ack, error) {
	ack := new(types.Ack)
	if err := c.postJSON(ctx, c.baseURL+api.BallotsEndpoint, offer, ack); err != nil {
		return nil, err
	}
	return ack, nil
}

// ConfirmClient posts confirmation messages back to stations. Destinations
// vary per ballot, so the confirm URL is a call argument.
type ConfirmClient struct {
	http *http.Client
}

// NewConfirmClient creates a confirmation callback client.
func NewConfirmClient() *ConfirmClient {
	return &ConfirmClient{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// ConfirmReception posts one confirmation, keyed by ballotId, to the station
// callback address carried in the original offer.
func (c *ConfirmClient) ConfirmReception(ctx context.Context, confirmURL string, confirm *types.Confirm) error {
	payload, err := json.Marshal(confirm)
	if err != nil {
		return fmt.Errorf("encode confirmation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, confirmURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build confirmation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post confirmation: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("confirmation refused: http %d", resp.StatusCode)
	}
	return nil
}
