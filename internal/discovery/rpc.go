package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/logging"
	"pnode-monitor/internal/models"
)

const maxResponseBytes = 32 << 20

type RPCConfig struct {
	Seeds   []string
	Method  string
	Timeout time.Duration
}

// RPCSource polls every seed's JSON-RPC endpoint concurrently and merges the
// gossip views by pubkey, keeping the freshest record per node. A seed that
// fails is logged; only all seeds failing is an error.
type RPCSource struct {
	cfg    RPCConfig
	client *http.Client
	log    *slog.Logger
}

func NewRPCSource(cfg RPCConfig, log *slog.Logger) *RPCSource {
	if cfg.Method == "" {
		cfg.Method = "get-pods-with-stats"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log == nil {
		log = logging.Component("discovery")
	}
	return &RPCSource{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result *struct {
		Pods       []models.RawNode `json:"pods"`
		TotalCount int              `json:"total_count"`
	} `json:"result"`
	Error *rpcError `json:"error"`
}

func (s *RPCSource) FetchLatest(ctx context.Context) ([]models.RawNode, error) {
	if len(s.cfg.Seeds) == 0 {
		return nil, fmt.Errorf("%w: no seeds configured", apperrors.ErrUpstreamUnavailable)
	}

	var (
		mu      sync.Mutex
		views   [][]models.RawNode
		seedErr []error
		g       errgroup.Group
	)
	g.SetLimit(8)

	for _, seed := range s.cfg.Seeds {
		g.Go(func() error {
			pods, err := s.fetchSeed(ctx, seed)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Warn("seed fetch failed", "seed", seed, "error", err)
				seedErr = append(seedErr, fmt.Errorf("%s: %w", seed, err))
				return nil
			}
			views = append(views, pods)
			return nil
		})
	}
	_ = g.Wait()

	if len(views) == 0 {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrUpstreamUnavailable, errors.Join(seedErr...))
	}
	return MergeViews(views...), nil
}

func (s *RPCSource) fetchSeed(ctx context.Context, seed string) ([]models.RawNode, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: s.cfg.Method, ID: 1})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, seed, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", out.Error.Code, out.Error.Message)
	}
	if out.Result == nil {
		return nil, errors.New("rpc response has no result")
	}
	return out.Result.Pods, nil
}

// MergeViews combines several seed views. Records sharing a pubkey collapse
// to the one with the latest last-seen timestamp. Records without a pubkey
// are passed through so the normalizer can account for them.
func MergeViews(views ...[]models.RawNode) []models.RawNode {
	byKey := make(map[string]models.RawNode)
	var anonymous []models.RawNode
	for _, view := range views {
		for _, rec := range view {
			if rec.Pubkey == "" {
				anonymous = append(anonymous, rec)
				continue
			}
			if cur, ok := byKey[rec.Pubkey]; !ok || rec.LastSeenTimestamp > cur.LastSeenTimestamp {
				byKey[rec.Pubkey] = rec
			}
		}
	}

	out := make([]models.RawNode, 0, len(byKey)+len(anonymous))
	for _, rec := range byKey {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pubkey < out[j].Pubkey })
	return append(out, anonymous...)
}
