// Package wallet implements the request-based wallet capability the swap
// workflow drives: chain selection, read-only calls, and signed transaction
// submission over JSON-RPC with an in-process signer.
package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	clierr "github.com/ggonzalez94/swapctl/internal/errors"
	"github.com/ggonzalez94/swapctl/internal/registry"
	"github.com/ggonzalez94/swapctl/internal/wallet/signer"
	"github.com/sirupsen/logrus"
)

// TxRequest is the canonical transaction-request shape every upstream build
// variant is normalized into before submission. Numeric fields are 0x-hex
// strings; empty means absent, and absent gas fields fall back to node
// estimation.
type TxRequest struct {
	From                 string `json:"from,omitempty"`
	To                   string `json:"to"`
	Data                 string `json:"data,omitempty"`
	Value                string `json:"value,omitempty"`
	Gas                  string `json:"gas,omitempty"`
	GasPrice             string `json:"gasPrice,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
}

// Wallet is the capability surface the workflow consumes. Every call may
// fail; rejections propagate as typed errors rather than crashing the flow.
type Wallet interface {
	Address() common.Address
	ChainID() int64
	EnsureChain(ctx context.Context, chainID int64) error
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
	Close()
}

type Options struct {
	// RPCURL overrides chain-registry endpoint resolution when set.
	RPCURL string
	// RPCOverrides maps chain IDs to endpoints from configuration.
	RPCOverrides map[int64]string
	// GasMultiplier pads node gas estimates; values <= 1 become 1.2.
	GasMultiplier float64
	Logger        logrus.FieldLogger
}

// RPCWallet is the local-wallet implementation: an ethclient bound to one
// chain at a time plus a signer for key material.
type RPCWallet struct {
	txSigner      signer.Signer
	client        *ethclient.Client
	chainID       *big.Int
	rpcURL        string
	rpcOverride   string
	rpcOverrides  map[int64]string
	gasMultiplier float64
	log           logrus.FieldLogger
}

func New(txSigner signer.Signer, opts Options) (*RPCWallet, error) {
	if txSigner == nil {
		return nil, clierr.New(clierr.CodeSigner, "missing signer")
	}
	mult := opts.GasMultiplier
	if mult <= 1 {
		mult = 1.2
	}
	log := opts.Logger
	if log == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		log = logger
	}
	return &RPCWallet{
		txSigner:      txSigner,
		rpcOverride:   strings.TrimSpace(opts.RPCURL),
		rpcOverrides:  opts.RPCOverrides,
		gasMultiplier: mult,
		log:           log,
	}, nil
}

func (w *RPCWallet) Address() common.Address {
	return w.txSigner.Address()
}

// ChainID returns the chain the wallet is currently bound to, or 0 before
// the first EnsureChain.
func (w *RPCWallet) ChainID() int64 {
	if w.chainID == nil {
		return 0
	}
	return w.chainID.Int64()
}

// EnsureChain binds the wallet to the requested chain: resolve an endpoint
// (flag override, configured override, then the chain registry), dial it,
// and verify the node really serves that chain ID. Failure is terminal for
// the current attempt.
func (w *RPCWallet) EnsureChain(ctx context.Context, chainID int64) error {
	if w.client != nil && w.chainID != nil && w.chainID.Int64() == chainID {
		return nil
	}

	rpcURL, err := w.resolveRPCURL(chainID)
	if err != nil {
		return err
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return clierr.Wrap(clierr.CodeChainSwitch, fmt.Sprintf("connect rpc for %s", chainDisplayName(chainID)), err)
	}
	observed, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return clierr.Wrap(clierr.CodeChainSwitch, "read chain id", err)
	}
	if observed.Int64() != chainID {
		client.Close()
		return clierr.New(clierr.CodeChainSwitch, fmt.Sprintf("rpc endpoint %s serves chain %d, expected %d (%s); switch your network or pass --rpc-url", rpcURL, observed.Int64(), chainID, chainDisplayName(chainID)))
	}

	if w.client != nil {
		w.client.Close()
	}
	w.client = client
	w.chainID = observed
	w.rpcURL = rpcURL
	w.log.WithFields(logrus.Fields{"chain_id": chainID, "rpc": rpcURL}).Debug("wallet bound to chain")
	return nil
}

func (w *RPCWallet) resolveRPCURL(chainID int64) (string, error) {
	if w.rpcOverride != "" {
		return w.rpcOverride, nil
	}
	if v, ok := w.rpcOverrides[chainID]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	url, err := registry.ResolveRPCURL("", chainID)
	if err != nil {
		// Unknown chain: nothing to register it from, so the add-chain
		// fallback cannot help either.
		if _, known := registry.ChainMetadataByID(chainID); !known {
			return "", clierr.Wrap(clierr.CodeChainSwitch, fmt.Sprintf("chain %d is not registered", chainID), err)
		}
		return "", clierr.Wrap(clierr.CodeChainSwitch, "resolve rpc url", err)
	}
	return url, nil
}

func (w *RPCWallet) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if err := w.requireClient(); err != nil {
		return nil, err
	}
	out, err := w.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeWallet, "eth_call", err)
	}
	return out, nil
}

func (w *RPCWallet) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := w.requireClient(); err != nil {
		return nil, err
	}
	balance, err := w.client.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeWallet, "eth_getBalance", err)
	}
	return balance, nil
}

// SendTransaction resolves nonce, gas, and fees for the request, signs it,
// broadcasts it, and returns the transaction hash. Explicit gasPrice selects
// a legacy transaction; otherwise an EIP-1559 transaction is built with
// suggested tip (2 gwei fallback) and feeCap 2*baseFee+tip.
func (w *RPCWallet) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	if err := w.requireClient(); err != nil {
		return common.Hash{}, err
	}
	to := strings.TrimSpace(req.To)
	if !common.IsHexAddress(to) {
		return common.Hash{}, clierr.New(clierr.CodeTxInvalid, "transaction target is not a valid address")
	}
	target := common.HexToAddress(to)
	data, err := decodeHex(req.Data)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeTxInvalid, "decode transaction data", err)
	}
	value, err := decodeQuantity(req.Value)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeTxInvalid, "decode transaction value", err)
	}

	from := w.txSigner.Address()
	msg := ethereum.CallMsg{From: from, To: &target, Value: value, Data: data}

	gasLimit, err := w.resolveGasLimit(ctx, req.Gas, msg)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := w.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeWallet, "fetch nonce", err)
	}

	var tx *types.Transaction
	if strings.TrimSpace(req.GasPrice) != "" {
		gasPrice, err := decodeQuantity(req.GasPrice)
		if err != nil {
			return common.Hash{}, clierr.Wrap(clierr.CodeTxInvalid, "decode gasPrice", err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &target,
			Value:    value,
			Data:     data,
		})
	} else {
		tipCap, feeCap, err := w.resolveFees(ctx, req.MaxPriorityFeePerGas, req.MaxFeePerGas)
		if err != nil {
			return common.Hash{}, err
		}
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   w.chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &target,
			Value:     value,
			Data:      data,
		})
	}

	signed, err := w.txSigner.SignTx(w.chainID, tx)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeWallet, "broadcast transaction", err)
	}
	w.log.WithFields(logrus.Fields{"tx": signed.Hash().Hex(), "to": target.Hex(), "nonce": nonce}).Debug("transaction broadcast")
	return signed.Hash(), nil
}

func (w *RPCWallet) Close() {
	if w.client != nil {
		w.client.Close()
		w.client = nil
	}
}

func (w *RPCWallet) requireClient() error {
	if w.client == nil {
		return clierr.New(clierr.CodeWallet, "wallet is not connected to a chain; call EnsureChain first")
	}
	return nil
}

func (w *RPCWallet) resolveGasLimit(ctx context.Context, explicit string, msg ethereum.CallMsg) (uint64, error) {
	if strings.TrimSpace(explicit) != "" {
		v, err := decodeQuantity(explicit)
		if err != nil {
			return 0, clierr.Wrap(clierr.CodeTxInvalid, "decode gas limit", err)
		}
		if !v.IsUint64() || v.Uint64() == 0 {
			return 0, clierr.New(clierr.CodeTxInvalid, "gas limit out of range")
		}
		return v.Uint64(), nil
	}
	estimate, err := w.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeWallet, "estimate gas", err)
	}
	return uint64(float64(estimate) * w.gasMultiplier), nil
}

func (w *RPCWallet) resolveFees(ctx context.Context, explicitTip, explicitFeeCap string) (*big.Int, *big.Int, error) {
	var tipCap *big.Int
	if strings.TrimSpace(explicitTip) != "" {
		v, err := decodeQuantity(explicitTip)
		if err != nil {
			return nil, nil, clierr.Wrap(clierr.CodeTxInvalid, "decode maxPriorityFeePerGas", err)
		}
		tipCap = v
	} else {
		suggested, err := w.client.SuggestGasTipCap(ctx)
		if err != nil {
			suggested = big.NewInt(2_000_000_000) // 2 gwei fallback
		}
		tipCap = suggested
	}

	if strings.TrimSpace(explicitFeeCap) != "" {
		feeCap, err := decodeQuantity(explicitFeeCap)
		if err != nil {
			return nil, nil, clierr.Wrap(clierr.CodeTxInvalid, "decode maxFeePerGas", err)
		}
		if feeCap.Cmp(tipCap) < 0 {
			tipCap = new(big.Int).Set(feeCap)
		}
		return tipCap, feeCap, nil
	}

	header, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeWallet, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return tipCap, feeCap, nil
}

func chainDisplayName(chainID int64) string {
	if meta, ok := registry.ChainMetadataByID(chainID); ok {
		return meta.Name
	}
	return fmt.Sprintf("chain %d", chainID)
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}

func decodeQuantity(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return big.NewInt(0), nil
	}
	n := new(big.Int)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		if _, ok := n.SetString(clean[2:], 16); !ok {
			return nil, fmt.Errorf("invalid hex quantity %q", v)
		}
		return n, nil
	}
	if _, ok := n.SetString(clean, 10); !ok {
		return nil, fmt.Errorf("invalid quantity %q", v)
	}
	return n, nil
}
