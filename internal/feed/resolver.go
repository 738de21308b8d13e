package feed

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// StaticResolver serves pool metadata listed in configuration.
type StaticResolver struct {
	pools map[string]domain.PoolInfo
}

// NewStaticResolver indexes pools by normalized address.
func NewStaticResolver(pools []domain.PoolInfo) (*StaticResolver, error) {
	r := &StaticResolver{pools: make(map[string]domain.PoolInfo, len(pools))}
	for _, p := range pools {
		addr, err := domain.NormalizeAddress(p.Address)
		if err != nil {
			return nil, fmt.Errorf("feed: static pool %q: %w", p.Address, err)
		}
		p.Address = addr
		r.pools[addr] = p
	}
	return r, nil
}

// ResolvePool returns the configured metadata of address.
func (r *StaticResolver) ResolvePool(_ context.Context, address string) (domain.PoolInfo, error) {
	p, ok := r.pools[strings.ToLower(address)]
	if !ok {
		return domain.PoolInfo{}, fmt.Errorf("feed: pool %s not configured: %w", address, domain.ErrNotFound)
	}
	return p, nil
}

// Addresses lists the configured pool addresses.
func (r *StaticResolver) Addresses() []string {
	out := make([]string, 0, len(r.pools))
	for addr := range r.pools {
		out = append(out, addr)
	}
	return out
}

// ChainResolver reads token0/token1 of a pair and decimals/symbol of each
// token with eth_call. Token metadata is cached for the process lifetime.
type ChainResolver struct {
	caller ethereum.ContractCaller

	mu     sync.Mutex
	tokens map[common.Address]domain.TokenInfo
}

// NewChainResolver creates a ChainResolver.
func NewChainResolver(caller ethereum.ContractCaller) *ChainResolver {
	return &ChainResolver{caller: caller, tokens: make(map[common.Address]domain.TokenInfo)}
}

// ResolvePool implements pipeline.PoolResolver.
func (r *ChainResolver) ResolvePool(ctx context.Context, address string) (domain.PoolInfo, error) {
	if !common.IsHexAddress(address) {
		return domain.PoolInfo{}, fmt.Errorf("feed: resolve %q: %w", address, domain.ErrInvalidAddress)
	}
	pool := common.HexToAddress(address)

	t0, err := r.callAddress(ctx, pool, "token0")
	if err != nil {
		return domain.PoolInfo{}, fmt.Errorf("feed: resolve %s token0: %w", address, err)
	}
	t1, err := r.callAddress(ctx, pool, "token1")
	if err != nil {
		return domain.PoolInfo{}, fmt.Errorf("feed: resolve %s token1: %w", address, err)
	}
	info0, err := r.token(ctx, t0)
	if err != nil {
		return domain.PoolInfo{}, err
	}
	info1, err := r.token(ctx, t1)
	if err != nil {
		return domain.PoolInfo{}, err
	}
	return domain.PoolInfo{
		Address: strings.ToLower(pool.Hex()),
		Token0:  info0,
		Token1:  info1,
	}, nil
}

func (r *ChainResolver) token(ctx context.Context, addr common.Address) (domain.TokenInfo, error) {
	r.mu.Lock()
	info, ok := r.tokens[addr]
	r.mu.Unlock()
	if ok {
		return info, nil
	}

	out, err := r.call(ctx, erc20ABI, addr, "decimals")
	if err != nil {
		return domain.TokenInfo{}, fmt.Errorf("feed: token %s decimals: %w", addr.Hex(), err)
	}
	vals, err := erc20ABI.Unpack("decimals", out)
	if err != nil || len(vals) != 1 {
		return domain.TokenInfo{}, fmt.Errorf("feed: token %s decimals: malformed output", addr.Hex())
	}
	dec, ok := vals[0].(uint8)
	if !ok {
		return domain.TokenInfo{}, fmt.Errorf("feed: token %s decimals: got %T", addr.Hex(), vals[0])
	}

	info = domain.TokenInfo{
		Address:  strings.ToLower(addr.Hex()),
		Symbol:   r.symbol(ctx, addr),
		Decimals: dec,
	}
	r.mu.Lock()
	r.tokens[addr] = info
	r.mu.Unlock()
	return info, nil
}

// symbol is best effort: some tokens return bytes32 or revert.
func (r *ChainResolver) symbol(ctx context.Context, addr common.Address) string {
	out, err := r.call(ctx, erc20ABI, addr, "symbol")
	if err != nil {
		return ""
	}
	if vals, err := erc20ABI.Unpack("symbol", out); err == nil && len(vals) == 1 {
		if s, ok := vals[0].(string); ok {
			return s
		}
	}
	if len(out) == 32 {
		return string(bytes.TrimRight(out, "\x00"))
	}
	return ""
}

func (r *ChainResolver) callAddress(ctx context.Context, contract common.Address, method string) (common.Address, error) {
	out, err := r.call(ctx, pairABI, contract, method)
	if err != nil {
		return common.Address{}, err
	}
	vals, err := pairABI.Unpack(method, out)
	if err != nil {
		return common.Address{}, err
	}
	if len(vals) != 1 {
		return common.Address{}, fmt.Errorf("want 1 value, got %d", len(vals))
	}
	a, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("got %T", vals[0])
	}
	return a, nil
}

func (r *ChainResolver) call(ctx context.Context, contract abi.ABI, to common.Address, method string) ([]byte, error) {
	data, err := contract.Pack(method)
	if err != nil {
		return nil, err
	}
	return r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// PoolResolver mirrors pipeline.PoolResolver.
type PoolResolver interface {
	ResolvePool(ctx context.Context, address string) (domain.PoolInfo, error)
}

// FallbackResolver tries each resolver in order and returns the first hit.
type FallbackResolver []PoolResolver

// ResolvePool implements pipeline.PoolResolver.
func (f FallbackResolver) ResolvePool(ctx context.Context, address string) (domain.PoolInfo, error) {
	var lastErr error = domain.ErrNotFound
	for _, r := range f {
		info, err := r.ResolvePool(ctx, address)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}
	return domain.PoolInfo{}, fmt.Errorf("feed: resolve %s: %w", address, lastErr)
}
