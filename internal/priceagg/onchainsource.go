package priceagg

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// latestAnswerABIJSON describes a Chainlink-style AggregatorV3Interface
// read, the common shape for an on-chain USD/BTC oracle contract.
const latestAnswerABIJSON = `[{"inputs":[],"name":"latestAnswer","outputs":[{"internalType":"int256","name":"","type":"int256"}],"stateMutability":"view","type":"function"}]`

var latestAnswerABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(latestAnswerABIJSON))
	if err != nil {
		panic("priceagg: failed to parse latestAnswer ABI: " + err.Error())
	}
	latestAnswerABI = parsed
}

// OnChainSource is a price source backed by a call to an on-chain
// aggregator contract, generalizing the teacher's ERC-4626 previewDeposit
// read into a USD/BTC quote.
type OnChainSource struct {
	name            string
	rpcURL          string
	contractAddress string
	decimals        int32
	timeout         time.Duration

	mu     sync.Mutex
	client *ethclient.Client
}

// NewOnChainSource constructs a price source that calls latestAnswer() on
// contractAddress over rpcURL, scaling the integer result down by
// decimals decimal places.
func NewOnChainSource(name, rpcURL, contractAddress string, decimals int32, timeout time.Duration) *OnChainSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OnChainSource{
		name:            name,
		rpcURL:          rpcURL,
		contractAddress: contractAddress,
		decimals:        decimals,
		timeout:         timeout,
	}
}

// Name implements Source.
func (o *OnChainSource) Name() string { return o.name }

// Fetch implements Source.
func (o *OnChainSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	if o.rpcURL == "" {
		return decimal.Decimal{}, errors.New(o.name + ": rpc url not configured")
	}
	if o.contractAddress == "" {
		return decimal.Decimal{}, errors.New(o.name + ": contract address not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	client, err := o.getClient(callCtx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	addr := common.HexToAddress(o.contractAddress)
	payload, err := latestAnswerABI.Pack("latestAnswer")
	if err != nil {
		return decimal.Decimal{}, err
	}

	res, err := client.CallContract(callCtx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: call contract: %w", o.name, err)
	}

	outputs, err := latestAnswerABI.Unpack("latestAnswer", res)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: unpack result: %w", o.name, err)
	}
	if len(outputs) != 1 {
		return decimal.Decimal{}, fmt.Errorf("%s: unexpected latestAnswer response shape", o.name)
	}

	answer, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%s: failed to decode latestAnswer output", o.name)
	}

	price := decimal.NewFromBigInt(answer, -o.decimals)
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%s: non-positive on-chain quote", o.name)
	}
	return price, nil
}

func (o *OnChainSource) getClient(ctx context.Context) (*ethclient.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.client != nil {
		return o.client, nil
	}

	client, err := ethclient.DialContext(ctx, o.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%s: dial rpc: %w", o.name, err)
	}
	o.client = client
	return client, nil
}

var _ Source = (*OnChainSource)(nil)
var _ Source = (*HTTPSource)(nil)
