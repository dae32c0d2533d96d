package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/signer"
)

// receiptPollInterval is how often WaitReceipt probes the node.
const receiptPollInterval = 2 * time.Second

// EthAdapter implements Adapter on go-ethereum's ethclient.
type EthAdapter struct {
	client  *ethclient.Client
	chainID *big.Int
}

// Dial connects to an EVM RPC endpoint and pins the chain id.
func Dial(ctx context.Context, rpcURL string) (*EthAdapter, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	return &EthAdapter{client: client, chainID: chainID}, nil
}

// NewEthAdapter wraps an existing client; used by tests against simulated
// backends.
func NewEthAdapter(client *ethclient.Client, chainID *big.Int) *EthAdapter {
	return &EthAdapter{client: client, chainID: chainID}
}

// Close releases the underlying RPC connection.
func (a *EthAdapter) Close() { a.client.Close() }

// Submit builds, signs, and broadcasts a dynamic-fee transaction. The nonce
// is read from the pending pool at submission time; per-signer serialization
// upstream guarantees no concurrent consumer of the same nonce stream.
func (a *EthAdapter) Submit(ctx context.Context, h *signer.Handle, call Call) (guard.TxHash, error) {
	from := common.HexToAddress(string(h.Address()))

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", NewError(ClassifyError(err), "", err)
	}

	tipCap, err := a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", NewError(ClassifyError(err), "", err)
	}
	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", NewError(ClassifyError(err), "", err)
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gasLimit := call.GasLimit
	if gasLimit == 0 {
		gasLimit, err = a.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &call.To,
			Data:  call.Data,
			Value: call.Value,
		})
		if err != nil {
			// Estimation runs the call; reverts surface here with a reason.
			kind := ClassifyError(err)
			return "", NewError(kind, RevertReason(err), err)
		}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &call.To,
		Value:     call.Value,
		Data:      call.Data,
	})

	signed, err := h.SignTx(a.chainID, tx)
	if err != nil {
		return "", NewError(ErrKindFatal, "", err)
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", NewError(ClassifyError(err), RevertReason(err), err)
	}

	return guard.NewTxHash(signed.Hash().Hex())
}

// WaitReceipt polls for the receipt until mined or the timeout elapses.
func (a *EthAdapter) WaitReceipt(ctx context.Context, txHash guard.TxHash, timeout time.Duration) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hash := common.HexToHash(string(txHash))
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return a.toReceipt(ctx, txHash, receipt)
		}
		if ClassifyError(err) != ErrKindNotFound {
			return nil, NewError(ClassifyError(err), "", err)
		}

		select {
		case <-ctx.Done():
			// The window elapsed without the chain seeing the hash. Not an
			// error: the caller decides between stall and reconcile.
			return &Receipt{TxHash: txHash, Status: StatusNotFound}, nil
		case <-ticker.C:
		}
	}
}

// TransactionStatus probes the node once.
func (a *EthAdapter) TransactionStatus(ctx context.Context, txHash guard.TxHash) (Status, error) {
	hash := common.HexToHash(string(txHash))

	receipt, err := a.client.TransactionReceipt(ctx, hash)
	if err == nil {
		if receipt.Status == types.ReceiptStatusSuccessful {
			return StatusConfirmed, nil
		}
		return StatusReverted, nil
	}
	if ClassifyError(err) != ErrKindNotFound {
		return "", NewError(ClassifyError(err), "", err)
	}

	// Receipt absent; the tx may still be in the pool.
	_, pending, err := a.client.TransactionByHash(ctx, hash)
	if err == nil && pending {
		return StatusPending, nil
	}
	return StatusNotFound, nil
}

// NonceAt returns the latest confirmed nonce.
func (a *EthAdapter) NonceAt(ctx context.Context, addr guard.SignerAddress) (uint64, error) {
	n, err := a.client.NonceAt(ctx, common.HexToAddress(string(addr)), nil)
	if err != nil {
		return 0, NewError(ClassifyError(err), "", err)
	}
	return n, nil
}

// PendingNonceAt returns the pending-pool nonce.
func (a *EthAdapter) PendingNonceAt(ctx context.Context, addr guard.SignerAddress) (uint64, error) {
	n, err := a.client.PendingNonceAt(ctx, common.HexToAddress(string(addr)))
	if err != nil {
		return 0, NewError(ClassifyError(err), "", err)
	}
	return n, nil
}

func (a *EthAdapter) toReceipt(ctx context.Context, txHash guard.TxHash, r *types.Receipt) (*Receipt, error) {
	out := &Receipt{
		TxHash:      txHash,
		BlockNumber: r.BlockNumber.Uint64(),
	}
	if r.Status == types.ReceiptStatusSuccessful {
		out.Status = StatusConfirmed
	} else {
		out.Status = StatusReverted
		out.RevertReason = a.revertReason(ctx, txHash, r)
	}
	for _, l := range r.Logs {
		out.Logs = append(out.Logs, Log{Address: l.Address, Topics: l.Topics, Data: l.Data})
	}
	return out, nil
}

// revertReason replays the failed call at its block to recover the reason
// string. Best effort; an empty reason leaves the stall/fail decision to
// the classifier.
func (a *EthAdapter) revertReason(ctx context.Context, txHash guard.TxHash, r *types.Receipt) string {
	tx, _, err := a.client.TransactionByHash(ctx, common.HexToHash(string(txHash)))
	if err != nil {
		return ""
	}
	from, err := types.Sender(types.LatestSignerForChainID(a.chainID), tx)
	if err != nil {
		return ""
	}
	_, err = a.client.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, r.BlockNumber)
	if err != nil {
		return RevertReason(err)
	}
	return ""
}
