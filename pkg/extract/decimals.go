package extract

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JordyKingz/yala-svm-monitor/pkg/rpc"
	"github.com/JordyKingz/yala-svm-monitor/pkg/types"
)

// DecimalsResolver resolves a mint's decimal count. Implementations may block
// on I/O; the extractor calls it for every token fact whose decimals the
// transaction itself does not supply.
type DecimalsResolver interface {
	Resolve(ctx context.Context, mint types.Address) (uint8, error)
}

const decimalsCacheSize = 4096

// CachedResolver resolves decimals through getTokenSupply and caches results
// in an LRU keyed by mint address.
type CachedResolver struct {
	client *rpc.Client
	cache  *lru.Cache[types.Address, uint8]
}

func NewCachedResolver(client *rpc.Client) (*CachedResolver, error) {
	cache, err := lru.New[types.Address, uint8](decimalsCacheSize)
	if err != nil {
		return nil, err
	}
	return &CachedResolver{client: client, cache: cache}, nil
}

func (r *CachedResolver) Resolve(ctx context.Context, mint types.Address) (uint8, error) {
	if decimals, ok := r.cache.Get(mint); ok {
		return decimals, nil
	}
	supply, err := r.client.GetTokenSupply(ctx, rpc.CommitmentConfirmed, mint.String())
	if err != nil {
		return 0, fmt.Errorf("failed to resolve decimals for mint %s: %w", mint, err)
	}
	r.cache.Add(mint, supply.Decimals)
	return supply.Decimals, nil
}

// StaticResolver serves decimals from a fixed table. Used in replay and tests.
type StaticResolver map[types.Address]uint8

func (r StaticResolver) Resolve(_ context.Context, mint types.Address) (uint8, error) {
	decimals, ok := r[mint]
	if !ok {
		return 0, fmt.Errorf("no decimals known for mint %s", mint)
	}
	return decimals, nil
}
