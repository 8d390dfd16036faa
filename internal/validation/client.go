// Package validation calls the external schema-validation service. With no
// base URL configured the client degrades to local structural checks, which
// keeps single-binary deployments working.
package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/contestlabs/indexer/internal/apperr"
)

const requestTimeout = 5 * time.Second

// Client validates payloads against registered schemas.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

type validateRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type validateResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validate checks payload against the schema registered for kind. An
// INPUT_INVALID error is permanent; anything else is a transient service
// failure the caller may retry.
func (c *Client) Validate(ctx context.Context, kind string, payload json.RawMessage) error {
	if c.baseURL == "" {
		return localValidate(payload)
	}

	body, err := json.Marshal(validateRequest{Kind: kind, Payload: payload})
	if err != nil {
		return apperr.Wrap(apperr.KindInputInvalid, err, "encode validation request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/validate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		// Fall through to decode the error detail below.
	default:
		return fmt.Errorf("validation service: unexpected status %d", resp.StatusCode)
	}

	var decoded validateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return fmt.Errorf("validation service: decode response: %w", err)
	}
	if !decoded.Valid {
		return apperr.E(apperr.KindInputInvalid, "schema validation failed: %v", decoded.Errors)
	}
	return nil
}

// localValidate only requires a well-formed JSON object. Field-level checks
// belong to the remote schema registry.
func localValidate(payload json.RawMessage) error {
	if len(payload) == 0 {
		return apperr.E(apperr.KindInputInvalid, "empty payload")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return apperr.Wrap(apperr.KindInputInvalid, err, "payload is not a JSON object")
	}
	return nil
}
