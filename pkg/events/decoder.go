package events

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const poolEventsABI = `[
	{"name":"Deposit","type":"event","inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"owner","type":"address","indexed":true},
		{"name":"assets","type":"uint256","indexed":false},
		{"name":"shares","type":"uint256","indexed":false}]},
	{"name":"Withdraw","type":"event","inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"receiver","type":"address","indexed":true},
		{"name":"owner","type":"address","indexed":true},
		{"name":"assets","type":"uint256","indexed":false},
		{"name":"shares","type":"uint256","indexed":false}]},
	{"name":"Transfer","type":"event","inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]}
]`

// Decoder turns raw chain logs into PoolEvents using the pool's event ABI.
type Decoder struct {
	abi    *abi.ABI
	logger *zap.Logger
}

func NewDecoder(logger *zap.Logger) (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(poolEventsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool events abi: %w", err)
	}
	return &Decoder{abi: &parsed, logger: logger}, nil
}

// Topics returns the topic filter for getLogs. Deposit and Withdraw are
// always requested; Transfer only when the caller wants the share ledger.
func (d *Decoder) Topics(includeTransfers bool) [][]common.Hash {
	sigs := []common.Hash{
		d.abi.Events["Deposit"].ID,
		d.abi.Events["Withdraw"].ID,
	}
	if includeTransfers {
		sigs = append(sigs, d.abi.Events["Transfer"].ID)
	}
	return [][]common.Hash{sigs}
}

// DecodeLog decodes a single raw log. Logs whose topic does not match one of
// the pool events are skipped with a nil result, not an error: providers may
// hand back extra logs for the same address.
func (d *Decoder) DecodeLog(lg *types.Log) (*PoolEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}

	event, err := d.abi.EventByID(lg.Topics[0])
	if err != nil {
		d.logger.Sugar().Debugw("Skipping log with unknown event topic",
			"txHash", lg.TxHash.Hex(),
			"topic", lg.Topics[0].Hex(),
		)
		return nil, nil
	}

	outputData := make(map[string]interface{})
	if len(lg.Data) > 0 {
		if err := d.abi.UnpackIntoMap(outputData, event.Name, lg.Data); err != nil {
			return nil, errors.Wrapf(err, "failed to unpack %s data in tx %s", event.Name, lg.TxHash.Hex())
		}
	}

	switch event.Name {
	case "Deposit":
		return d.decodeDeposit(lg, outputData)
	case "Withdraw":
		return d.decodeWithdraw(lg, outputData)
	case "Transfer":
		return d.decodeTransfer(lg)
	default:
		return nil, nil
	}
}

func (d *Decoder) decodeDeposit(lg *types.Log, data map[string]interface{}) (*PoolEvent, error) {
	if len(lg.Topics) < 3 {
		return nil, fmt.Errorf("deposit log in tx %s has %d topics, want 3", lg.TxHash.Hex(), len(lg.Topics))
	}
	assets, shares, err := amounts(data)
	if err != nil {
		return nil, errors.Wrapf(err, "deposit in tx %s", lg.TxHash.Hex())
	}
	return &PoolEvent{
		Kind:        KindDeposit,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		TxHash:      lg.TxHash,
		Sender:      common.BytesToAddress(lg.Topics[1].Bytes()),
		Owner:       common.BytesToAddress(lg.Topics[2].Bytes()),
		Assets:      assets,
		Shares:      shares,
	}, nil
}

func (d *Decoder) decodeWithdraw(lg *types.Log, data map[string]interface{}) (*PoolEvent, error) {
	if len(lg.Topics) < 4 {
		return nil, fmt.Errorf("withdraw log in tx %s has %d topics, want 4", lg.TxHash.Hex(), len(lg.Topics))
	}
	assets, shares, err := amounts(data)
	if err != nil {
		return nil, errors.Wrapf(err, "withdraw in tx %s", lg.TxHash.Hex())
	}
	return &PoolEvent{
		Kind:        KindWithdraw,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		TxHash:      lg.TxHash,
		Sender:      common.BytesToAddress(lg.Topics[1].Bytes()),
		Owner:       common.BytesToAddress(lg.Topics[3].Bytes()),
		Assets:      assets,
		Shares:      shares,
	}, nil
}

func (d *Decoder) decodeTransfer(lg *types.Log) (*PoolEvent, error) {
	if len(lg.Topics) < 3 {
		return nil, fmt.Errorf("transfer log in tx %s has %d topics, want 3", lg.TxHash.Hex(), len(lg.Topics))
	}
	if len(lg.Data) < 32 {
		return nil, fmt.Errorf("transfer log in tx %s has short data", lg.TxHash.Hex())
	}
	return &PoolEvent{
		Kind:        KindTransfer,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		TxHash:      lg.TxHash,
		From:        common.BytesToAddress(lg.Topics[1].Bytes()),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()),
		Value:       new(big.Int).SetBytes(lg.Data[:32]),
	}, nil
}

func amounts(data map[string]interface{}) (assets *big.Int, shares *big.Int, err error) {
	assets, ok := data["assets"].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("missing assets amount")
	}
	shares, ok = data["shares"].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("missing shares amount")
	}
	return assets, shares, nil
}
