// Package gateway adapts the on-chain event gateway to the ingestion loop.
// It selects an endpoint from the pool, issues the JSON-RPC pull, classifies
// failures and guarantees batch ordering before anything reaches the writer.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/contestlabs/indexer/internal/apperr"
	"github.com/contestlabs/indexer/internal/model"
	"github.com/contestlabs/indexer/internal/rpcpool"
)

const (
	pullMethod  = "contest_pullEvents"
	pullTimeout = 10 * time.Second

	// Upstream JSON-RPC error codes that are fatal for the stream.
	codeUnauthorized     = -32001
	codeContractNotFound = -32004
)

// PullRequest asks for the next batch of events on a stream. Cursor, when
// set, is exclusive: the gateway never returns an event at or below it.
type PullRequest struct {
	Stream    *model.IngestionStream
	Cursor    *model.Cursor
	FromBlock *model.BlockNumber
	ToBlock   *model.BlockNumber
	Limit     int
}

// PullResult is one ordered batch plus chain-head context.
type PullResult struct {
	Events      []model.EventEnvelope
	NextCursor  *model.Cursor
	LatestBlock model.BlockRef
	RPC         string // endpoint id the batch came from
}

// Error is a classified gateway failure carrying the active endpoint so
// callers can attribute it.
type Error struct {
	Endpoint  string
	Retryable bool
	Fatal     bool // stream should stop retrying entirely
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway (endpoint %s): %v", e.Endpoint, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Gateway wraps the pull RPC. One instance serves all chains; the pool picks
// the endpoint per call.
type Gateway struct {
	pool     *rpcpool.Manager
	client   *http.Client
	maxBatch int
	logger   *log.Logger
}

// New builds a gateway with the default HTTP client timeout.
func New(pool *rpcpool.Manager, maxBatch int) *Gateway {
	return &Gateway{
		pool:     pool,
		client:   &http.Client{Timeout: pullTimeout},
		maxBatch: maxBatch,
		logger:   log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type pullParams struct {
	ContestID string             `json:"contestId"`
	ChainID   uint64             `json:"chainId"`
	Registrar string             `json:"registrar"`
	Cursor    *model.Cursor      `json:"cursor,omitempty"`
	FromBlock *model.BlockNumber `json:"fromBlock,omitempty"`
	ToBlock   *model.BlockNumber `json:"toBlock,omitempty"`
	Limit     int                `json:"limit"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result *pullResult `json:"result"`
	Error  *rpcError   `json:"error"`
}

type pullResult struct {
	Events      []model.EventEnvelope `json:"events"`
	NextCursor  *model.Cursor         `json:"nextCursor"`
	LatestBlock model.BlockRef        `json:"latestBlock"`
}

// PullEvents fetches the next ordered batch for a stream. On success the
// endpoint's failure streak is cleared; on failure it is recorded and a
// classified *Error surfaces.
func (g *Gateway) PullEvents(ctx context.Context, req PullRequest) (*PullResult, error) {
	sel, err := g.pool.SelectEndpoint(req.Stream.ChainID)
	if err != nil {
		return nil, &Error{Retryable: true, Err: apperr.Wrap(apperr.KindChainUnavailable, err,
			"chain %d has no usable endpoint", req.Stream.ChainID)}
	}

	limit := req.Limit
	if limit <= 0 || limit > g.maxBatch {
		limit = g.maxBatch
	}

	result, gerr := g.call(ctx, sel, req, limit)
	if gerr != nil {
		g.pool.ReportFailure(req.Stream.ChainID, sel.EndpointID, failureReason(gerr))
		return nil, gerr
	}
	g.pool.ReportSuccess(req.Stream.ChainID, sel.EndpointID)

	events := normalize(result.Events, req.Cursor, limit)
	out := &PullResult{
		Events:      events,
		NextCursor:  result.NextCursor,
		LatestBlock: result.LatestBlock,
		RPC:         sel.EndpointID,
	}
	if out.NextCursor == nil && len(events) > 0 {
		c := events[len(events)-1].Cursor()
		out.NextCursor = &c
	}
	return out, nil
}

func (g *Gateway) call(ctx context.Context, sel rpcpool.Selection, req PullRequest, limit int) (*pullResult, *Error) {
	params := pullParams{
		ContestID: req.Stream.ContestID,
		ChainID:   req.Stream.ChainID,
		Registrar: req.Stream.Addresses.Registrar,
		Cursor:    req.Cursor,
		FromBlock: req.FromBlock,
		ToBlock:   req.ToBlock,
		Limit:     limit,
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: pullMethod, Params: []any{params}})
	if err != nil {
		return nil, &Error{Endpoint: sel.EndpointID, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, sel.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Endpoint: sel.EndpointID, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		// Network-level failure: retryable.
		return nil, &Error{Endpoint: sel.EndpointID, Retryable: true,
			Err: apperr.Wrap(apperr.KindChainUnavailable, err, "rpc transport failure")}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &Error{Endpoint: sel.EndpointID, Retryable: true,
			Err: apperr.E(apperr.KindChainUnavailable, "rpc returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Endpoint: sel.EndpointID,
			Err: apperr.E(apperr.KindInternal, "rpc returned HTTP %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &Error{Endpoint: sel.EndpointID, Retryable: true,
			Err: apperr.Wrap(apperr.KindChainUnavailable, err, "reading rpc response")}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		// Malformed response: not retryable, the endpoint is misbehaving.
		return nil, &Error{Endpoint: sel.EndpointID,
			Err: apperr.Wrap(apperr.KindInternal, err, "malformed rpc response")}
	}

	if rpcResp.Error != nil {
		switch rpcResp.Error.Code {
		case codeUnauthorized, codeContractNotFound:
			return nil, &Error{Endpoint: sel.EndpointID, Fatal: true,
				Err: apperr.E(apperr.KindResourceUnsupported, "rpc error %d: %s",
					rpcResp.Error.Code, rpcResp.Error.Message)}
		default:
			return nil, &Error{Endpoint: sel.EndpointID, Retryable: true,
				Err: apperr.E(apperr.KindChainUnavailable, "rpc error %d: %s",
					rpcResp.Error.Code, rpcResp.Error.Message)}
		}
	}
	if rpcResp.Result == nil {
		return nil, &Error{Endpoint: sel.EndpointID,
			Err: apperr.E(apperr.KindInternal, "rpc response missing result")}
	}
	return rpcResp.Result, nil
}

// normalize sorts the batch by (blockNumber, logIndex), drops anything at or
// below the input cursor and applies the limit. The writer depends on this
// ordering.
func normalize(events []model.EventEnvelope, after *model.Cursor, limit int) []model.EventEnvelope {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Cursor().Less(events[j].Cursor())
	})

	out := events[:0]
	for _, ev := range events {
		if after != nil && ev.Cursor().Compare(*after) <= 0 {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out
}

func failureReason(e *Error) string {
	switch {
	case e.Fatal:
		return "fatal"
	case e.Retryable:
		return "transient"
	default:
		return "malformed"
	}
}
