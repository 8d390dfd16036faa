package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contestlabs/indexer/internal/apperr"
	"github.com/contestlabs/indexer/internal/config"
	"github.com/contestlabs/indexer/internal/model"
	"github.com/contestlabs/indexer/internal/rpcpool"
)

func testStream() *model.IngestionStream {
	return &model.IngestionStream{
		ContestID:  "c-1",
		ChainID:    1,
		Addresses:  model.StreamAddresses{Registrar: "0xreg"},
		StartBlock: 100,
		State:      model.StreamLive,
	}
}

func poolFor(url string) *rpcpool.Manager {
	return rpcpool.NewManager([]config.ChainRPCConfig{{
		ChainID:   1,
		Endpoints: []config.EndpointConfig{{ID: "p1", URL: url, Priority: 0}},
	}}, 3, time.Minute)
}

func envelopeJSON(block uint64, logIndex uint32, evType string) string {
	return fmt.Sprintf(`{
		"type": %q, "chainId": 1,
		"blockNumber": "%d", "logIndex": %d,
		"txHash": "0x%s",
		"derivedAt": {"blockNumber": "%d", "blockHash": "0xbh", "timestamp": "2026-08-24T12:00:00Z"}
	}`, evType, block, logIndex, strings.Repeat("a", 62)+fmt.Sprintf("%02d", logIndex), block)
}

func resultBody(events ...string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":{
		"events":[%s],
		"latestBlock":{"blockNumber":"110","blockHash":"0xhead","timestamp":"2026-08-24T12:00:00Z"}
	}}`, strings.Join(events, ","))
}

func TestPullEventsOrderedAndFiltered(t *testing.T) {
	// Server returns events out of order and one at the input cursor; the
	// gateway must sort and drop the stale one.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "contest_pullEvents", req.Method)
		fmt.Fprint(w, resultBody(
			envelopeJSON(101, 0, "settlement"),
			envelopeJSON(100, 1, "reward"),
			envelopeJSON(100, 0, "registration"), // == cursor, must be dropped
		))
	}))
	defer srv.Close()

	g := New(poolFor(srv.URL), 200)
	cursor := model.Cursor{BlockNumber: 100, LogIndex: 0}
	res, err := g.PullEvents(context.Background(), PullRequest{Stream: testStream(), Cursor: &cursor})
	require.NoError(t, err)

	require.Len(t, res.Events, 2)
	assert.Equal(t, model.Cursor{BlockNumber: 100, LogIndex: 1}, res.Events[0].Cursor())
	assert.Equal(t, model.Cursor{BlockNumber: 101, LogIndex: 0}, res.Events[1].Cursor())
	assert.Equal(t, model.BlockNumber(110), res.LatestBlock.BlockNumber)
	assert.Equal(t, "p1", res.RPC)
	require.NotNil(t, res.NextCursor)
	assert.Equal(t, model.Cursor{BlockNumber: 101, LogIndex: 0}, *res.NextCursor)
}

func TestPullEventsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, resultBody(
			envelopeJSON(100, 0, "registration"),
			envelopeJSON(100, 1, "rebalance"),
			envelopeJSON(101, 0, "settlement"),
		))
	}))
	defer srv.Close()

	g := New(poolFor(srv.URL), 200)
	res, err := g.PullEvents(context.Background(), PullRequest{Stream: testStream(), Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.Events, 2)
}

func TestPullEventsTransportFailureRetryable(t *testing.T) {
	g := New(poolFor("http://127.0.0.1:1"), 200)
	_, err := g.PullEvents(context.Background(), PullRequest{Stream: testStream()})

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.True(t, gerr.Retryable)
	assert.False(t, gerr.Fatal)
	assert.Equal(t, "p1", gerr.Endpoint)
	assert.Equal(t, apperr.KindChainUnavailable, apperr.KindOf(err))
}

func TestPullEventsServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := New(poolFor(srv.URL), 200)
	_, err := g.PullEvents(context.Background(), PullRequest{Stream: testStream()})

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.True(t, gerr.Retryable)
}

func TestPullEventsMalformedNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer srv.Close()

	g := New(poolFor(srv.URL), 200)
	_, err := g.PullEvents(context.Background(), PullRequest{Stream: testStream()})

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.False(t, gerr.Retryable)
	assert.False(t, gerr.Fatal)
}

func TestPullEventsUnauthorizedFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32001,"message":"unauthorized"}}`)
	}))
	defer srv.Close()

	g := New(poolFor(srv.URL), 200)
	_, err := g.PullEvents(context.Background(), PullRequest{Stream: testStream()})

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.True(t, gerr.Fatal)
	assert.False(t, gerr.Retryable)
}

func TestPullEventsFailureFeedsPool(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pool := rpcpool.NewManager([]config.ChainRPCConfig{{
		ChainID: 1,
		Endpoints: []config.EndpointConfig{
			{ID: "p1", URL: srv.URL, Priority: 0},
			{ID: "p2", URL: srv.URL + "/backup", Priority: 1},
		},
	}}, 3, time.Minute)

	g := New(pool, 200)
	for i := 0; i < 3; i++ {
		_, err := g.PullEvents(context.Background(), PullRequest{Stream: testStream()})
		require.Error(t, err)
	}

	// Three failures crossed the threshold; the pool must have switched.
	sel, err := pool.SelectEndpoint(1)
	require.NoError(t, err)
	assert.Equal(t, "p2", sel.EndpointID)
	assert.Equal(t, 3, calls)
}
