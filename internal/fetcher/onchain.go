package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arb-scanner/internal/market"
	"arb-scanner/internal/netclient"
)

const pairABIJSON = `[
{"constant":true,"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"_reserve0","type":"uint112"},{"internalType":"uint112","name":"_reserve1","type":"uint112"},{"internalType":"uint32","name":"_blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[],"name":"token0","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

var pairABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(pairABIJSON))
	if err != nil {
		panic("failed to parse pair ABI: " + err.Error())
	}
	pairABI = parsed
}

var bps = decimal.NewFromInt(10_000)

// Pool is one constant-product pair contract quoting From against To.
type Pool struct {
	From         string `mapstructure:"from"`
	To           string `mapstructure:"to"`
	Address      string `mapstructure:"address"`
	FromToken    string `mapstructure:"from_token"`
	FromDecimals int32  `mapstructure:"from_decimals"`
	ToDecimals   int32  `mapstructure:"to_decimals"`
	FeeBps       int64  `mapstructure:"fee_bps"`
}

// OnChainOptions parameterise the on-chain pool venue.
type OnChainOptions struct {
	Name    string
	RPCURL  string
	Pools   []Pool
	Timeout time.Duration
}

// contractCaller is the slice of ethclient the venue needs.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// OnChain quotes exchange rates from constant-product pools via Ethereum RPC.
type OnChain struct {
	opts   OnChainOptions
	client *netclient.Client
	logger zerolog.Logger
	pools  map[market.PairKey][]Pool

	clientMux sync.Mutex
	caller    contractCaller
	token0    map[common.Address]common.Address
}

// NewOnChain builds the venue. The RPC connection is dialled on first use and
// every JSON-RPC request goes through client.
func NewOnChain(opts OnChainOptions, client *netclient.Client, logger zerolog.Logger) *OnChain {
	if opts.Name == "" {
		opts.Name = "onchain"
	}
	pools := make(map[market.PairKey][]Pool)
	for _, p := range opts.Pools {
		p.From, p.To = normalizeCode(p.From), normalizeCode(p.To)
		pools[market.PairKey{From: p.From, To: p.To}] = append(pools[market.PairKey{From: p.From, To: p.To}], p)
		pools[market.PairKey{From: p.To, To: p.From}] = append(pools[market.PairKey{From: p.To, To: p.From}], p)
	}
	return &OnChain{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "onchain_fetcher").Str("venue", opts.Name).Logger(),
		pools:  pools,
		token0: make(map[common.Address]common.Address),
	}
}

// Name returns the venue label.
func (o *OnChain) Name() string { return o.opts.Name }

// Rate reads the reserves of every pool trading from and to and returns the
// marginal output per unit input net of the pool fee, best first.
func (o *OnChain) Rate(ctx context.Context, from, to string) ([]market.ExchangeRate, error) {
	from, to = normalizeCode(from), normalizeCode(to)
	pools := o.pools[market.PairKey{From: from, To: to}]
	if len(pools) == 0 {
		return nil, market.ErrNoData
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := o.getCaller(ctx)
	if err != nil {
		return nil, err
	}

	var offers []market.ExchangeRate
	for _, pool := range pools {
		offer, err := o.poolRate(ctx, caller, pool, from)
		if err != nil {
			o.logger.Debug().Err(err).Str("pool", pool.Address).Msg("pool read failed")
			continue
		}
		offers = append(offers, offer)
	}
	if len(offers) == 0 {
		return nil, market.ErrNoData
	}
	market.RankRates(offers)
	return offers, nil
}

func (o *OnChain) poolRate(ctx context.Context, caller contractCaller, pool Pool, from string) (market.ExchangeRate, error) {
	addr := common.HexToAddress(pool.Address)

	first, err := o.tokenZero(ctx, caller, addr)
	if err != nil {
		return market.ExchangeRate{}, err
	}
	r0, r1, err := reserves(ctx, caller, addr)
	if err != nil {
		return market.ExchangeRate{}, err
	}

	// reserves are ordered by token0; map them onto the configured From/To
	fromRes, toRes := r0, r1
	if first != common.HexToAddress(pool.FromToken) {
		fromRes, toRes = r1, r0
	}

	inRes, outRes := fromRes, toRes
	inDec, outDec := pool.FromDecimals, pool.ToDecimals
	to := pool.To
	if from != pool.From {
		inRes, outRes = toRes, fromRes
		inDec, outDec = pool.ToDecimals, pool.FromDecimals
		to = pool.From
	}

	rate, reserve, err := marginalRate(inRes, outRes, inDec, outDec, pool.FeeBps)
	if err != nil {
		return market.ExchangeRate{}, fmt.Errorf("pool %s: %w", pool.Address, err)
	}
	return market.ExchangeRate{
		From:       from,
		To:         to,
		Rate:       rate,
		ProviderID: o.opts.Name + ":" + strings.ToLower(addr.Hex()),
		Reserve:    reserve,
	}, nil
}

// marginalRate is the output per unit input at the current reserves after the pool fee.
func marginalRate(inRes, outRes *big.Int, inDec, outDec int32, feeBps int64) (float64, float64, error) {
	if inRes == nil || outRes == nil || inRes.Sign() <= 0 || outRes.Sign() <= 0 {
		return 0, 0, errors.New("empty reserves")
	}
	in := decimal.NewFromBigInt(inRes, -inDec)
	out := decimal.NewFromBigInt(outRes, -outDec)
	keep := decimal.NewFromInt(1).Sub(decimal.NewFromInt(feeBps).Div(bps))
	rate, _ := out.Div(in).Mul(keep).Float64()
	reserve, _ := out.Float64()
	return rate, reserve, nil
}

func reserves(ctx context.Context, caller contractCaller, addr common.Address) (*big.Int, *big.Int, error) {
	outputs, err := call(ctx, caller, addr, "getReserves")
	if err != nil {
		return nil, nil, err
	}
	if len(outputs) != 3 {
		return nil, nil, errors.New("unexpected getReserves response")
	}
	r0, ok0 := outputs[0].(*big.Int)
	r1, ok1 := outputs[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, errors.New("failed to decode getReserves output")
	}
	return r0, r1, nil
}

func (o *OnChain) tokenZero(ctx context.Context, caller contractCaller, addr common.Address) (common.Address, error) {
	o.clientMux.Lock()
	cached, ok := o.token0[addr]
	o.clientMux.Unlock()
	if ok {
		return cached, nil
	}

	outputs, err := call(ctx, caller, addr, "token0")
	if err != nil {
		return common.Address{}, err
	}
	if len(outputs) != 1 {
		return common.Address{}, errors.New("unexpected token0 response")
	}
	token, ok := outputs[0].(common.Address)
	if !ok {
		return common.Address{}, errors.New("failed to decode token0 output")
	}

	o.clientMux.Lock()
	o.token0[addr] = token
	o.clientMux.Unlock()
	return token, nil
}

func call(ctx context.Context, caller contractCaller, addr common.Address, method string) ([]any, error) {
	payload, err := pairABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	return pairABI.Unpack(method, res)
}

func (o *OnChain) getCaller(ctx context.Context) (contractCaller, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.caller != nil {
		return o.caller, nil
	}
	if o.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if o.client == nil {
		return nil, errors.New("ethereum rpc client not configured")
	}

	rpcClient, err := rpc.DialOptions(ctx, o.opts.RPCURL, rpc.WithHTTPClient(&http.Client{Transport: o.client.Transport()}))
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	client := ethclient.NewClient(rpcClient)
	o.caller = client
	return client, nil
}

// Close drops the RPC connection; the next call dials again.
func (o *OnChain) Close() {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()
	if client, ok := o.caller.(*ethclient.Client); ok {
		client.Close()
	}
	o.caller = nil
}

// Universe is not offered by pools.
func (o *OnChain) Universe(ctx context.Context) (map[string]float64, error) {
	return nil, market.ErrNoData
}

// Quote is not offered by pools.
func (o *OnChain) Quote(ctx context.Context, symbol string) (market.Quote, error) {
	return market.Quote{}, market.ErrNoData
}

var _ market.Venue = (*OnChain)(nil)
