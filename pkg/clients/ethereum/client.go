package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Client is the chain-access surface the engine depends on. Everything the
// pipeline reads from the chain goes through this interface so tests can
// substitute a fake.
type Client interface {
	GetLogs(ctx context.Context, address common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, error)
	GetBlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error)
	LatestBlock(ctx context.Context) (uint64, error)

	UnderlyingToken(ctx context.Context, pool common.Address) (common.Address, error)
	Treasury(ctx context.Context, pool common.Address) (common.Address, error)
	DAOSplit(ctx context.Context, pool common.Address) (*big.Int, error)
	Decimals(ctx context.Context, token common.Address) (uint8, error)
	TokenName(ctx context.Context, token common.Address) (string, error)
}

const contractReadABI = `[
	{"name":"underlyingToken","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
	{"name":"treasury","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
	{"name":"daoSplit","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
	{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]}
]`

// RPCClient implements Client over a JSON-RPC endpoint. Block timestamps are
// cached without expiry: chain history is immutable, so a cached value can
// never go stale.
type RPCClient struct {
	eth    *ethclient.Client
	abi    *abi.ABI
	logger *zap.Logger

	mu         sync.Mutex
	timestamps map[uint64]uint64
}

func NewRPCClient(ctx context.Context, rpcUrl string, logger *zap.Logger) (*RPCClient, error) {
	eth, err := ethclient.DialContext(ctx, rpcUrl)
	if err != nil {
		return nil, wrapError("dial", err)
	}

	parsed, err := abi.JSON(strings.NewReader(contractReadABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract read abi: %w", err)
	}

	return &RPCClient{
		eth:        eth,
		abi:        &parsed,
		logger:     logger,
		timestamps: make(map[uint64]uint64),
	}, nil
}

func (c *RPCClient) GetLogs(
	ctx context.Context,
	address common.Address,
	topics [][]common.Hash,
	fromBlock, toBlock uint64,
) ([]types.Log, error) {
	query := geth.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{address},
		Topics:    topics,
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, wrapError("getLogs", err)
	}
	return logs, nil
}

func (c *RPCClient) GetBlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error) {
	c.mu.Lock()
	if ts, ok := c.timestamps[blockNumber]; ok {
		c.mu.Unlock()
		return ts, nil
	}
	c.mu.Unlock()

	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return 0, wrapError("getBlockTimestamp", err)
	}

	c.mu.Lock()
	c.timestamps[blockNumber] = header.Time
	c.mu.Unlock()
	return header.Time, nil
}

func (c *RPCClient) LatestBlock(ctx context.Context) (uint64, error) {
	blockNum, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, wrapError("latestBlock", err)
	}
	return blockNum, nil
}

func (c *RPCClient) UnderlyingToken(ctx context.Context, pool common.Address) (common.Address, error) {
	var out common.Address
	if err := c.read(ctx, pool, "underlyingToken", &out); err != nil {
		return common.Address{}, err
	}
	return out, nil
}

func (c *RPCClient) Treasury(ctx context.Context, pool common.Address) (common.Address, error) {
	var out common.Address
	if err := c.read(ctx, pool, "treasury", &out); err != nil {
		return common.Address{}, err
	}
	return out, nil
}

func (c *RPCClient) DAOSplit(ctx context.Context, pool common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.read(ctx, pool, "daoSplit", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCClient) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	var out uint8
	if err := c.read(ctx, token, "decimals", &out); err != nil {
		return 0, err
	}
	return out, nil
}

// TokenName resolves a display name for a token, falling back from name() to
// symbol() to the raw address when the contract implements neither.
func (c *RPCClient) TokenName(ctx context.Context, token common.Address) (string, error) {
	var name string
	if err := c.read(ctx, token, "name", &name); err == nil && name != "" {
		return name, nil
	}
	var symbol string
	if err := c.read(ctx, token, "symbol", &symbol); err == nil && symbol != "" {
		return symbol, nil
	}
	return token.Hex(), nil
}

func (c *RPCClient) read(ctx context.Context, contract common.Address, method string, out interface{}) error {
	data, err := c.abi.Pack(method)
	if err != nil {
		return fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	raw, err := c.eth.CallContract(ctx, geth.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return wrapError(method, err)
	}
	if len(raw) == 0 {
		return &ChainError{
			Class: ClassPermanent,
			Op:    method,
			Err:   fmt.Errorf("empty response from %s", contract.Hex()),
		}
	}

	results, err := c.abi.Unpack(method, raw)
	if err != nil {
		return fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(results) == 0 {
		return fmt.Errorf("%s returned no values", method)
	}

	return assignResult(method, results[0], out)
}

func assignResult(method string, value interface{}, out interface{}) error {
	switch dst := out.(type) {
	case *common.Address:
		v, ok := value.(common.Address)
		if !ok {
			return fmt.Errorf("%s: expected address, got %T", method, value)
		}
		*dst = v
	case **big.Int:
		v, ok := value.(*big.Int)
		if !ok {
			return fmt.Errorf("%s: expected uint256, got %T", method, value)
		}
		*dst = v
	case *uint8:
		v, ok := value.(uint8)
		if !ok {
			return fmt.Errorf("%s: expected uint8, got %T", method, value)
		}
		*dst = v
	case *string:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %T", method, value)
		}
		*dst = v
	default:
		return fmt.Errorf("%s: unsupported result type %T", method, out)
	}
	return nil
}
