package verify

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Z333Q/p402-router/internal/x402"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// rpcTimeout bounds each RPC call; indefinite blocking on a verifier call
// is a fault, not a valid pending state.
const rpcTimeout = 10 * time.Second

// RPCChainClient implements ChainClient over an EVM JSON-RPC endpoint,
// reading ERC-20 Transfer events of the configured asset contract.
type RPCChainClient struct {
	client *ethclient.Client
	asset  common.Address
}

// DialChain connects to the RPC endpoint and scopes transfer lookups to the
// asset contract.
func DialChain(rpcURL, assetAddress string) (*RPCChainClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	return &RPCChainClient{client: client, asset: common.HexToAddress(assetAddress)}, nil
}

// TransferByHash fetches the receipt for txHash and decodes the asset's
// Transfer event. Returns x402.ErrNotFound when the transaction is unknown,
// unmined, or moved no tokens of the asset.
func (c *RPCChainClient) TransferByHash(ctx context.Context, txHash string) (*TokenTransfer, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, x402.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, x402.ErrNotFound
	}

	for _, log := range receipt.Logs {
		if log.Address != c.asset || len(log.Topics) != 3 || log.Topics[0] != transferTopic {
			continue
		}
		return &TokenTransfer{
			TxHash:      txHash,
			From:        common.BytesToAddress(log.Topics[1].Bytes()).Hex(),
			To:          common.BytesToAddress(log.Topics[2].Bytes()).Hex(),
			Value:       new(big.Int).SetBytes(log.Data),
			BlockNumber: receipt.BlockNumber.Uint64(),
		}, nil
	}
	return nil, x402.ErrNotFound
}

// BlockNumber returns the current chain head.
func (c *RPCChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	return c.client.BlockNumber(ctx)
}

var _ ChainClient = (*RPCChainClient)(nil)
