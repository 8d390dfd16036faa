package validation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contestlabs/indexer/internal/apperr"
)

func TestValidateRemoteAccepts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/validate", r.URL.Path)

		var req validateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "milestone", req.Kind)

		json.NewEncoder(w).Encode(validateResponse{Valid: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.Validate(context.Background(), "milestone", json.RawMessage(`{"winner":"0xabc"}`))
	assert.NoError(t, err)
}

func TestValidateRemoteRejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(validateResponse{Valid: false, Errors: []string{"winner: required"}})
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Validate(context.Background(), "milestone", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInputInvalid, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "winner: required")
}

func TestValidateRemoteOutageIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Validate(context.Background(), "milestone", json.RawMessage(`{}`))
	require.Error(t, err)
	// Not INPUT_INVALID: the processor must let the queue retry this one.
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestValidateLocalFallback(t *testing.T) {
	c := NewClient("")

	assert.NoError(t, c.Validate(context.Background(), "milestone", json.RawMessage(`{"a":1}`)))

	err := c.Validate(context.Background(), "milestone", json.RawMessage(`[1,2]`))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInputInvalid, apperr.KindOf(err))

	err = c.Validate(context.Background(), "milestone", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInputInvalid, apperr.KindOf(err))
}
