// Package chainstate reads token balances, allowances, and ERC-20 metadata
// through whatever wallet capability is currently connected.
package chainstate

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/swapctl/internal/errors"
	"github.com/ggonzalez94/swapctl/internal/id"
	"github.com/ggonzalez94/swapctl/internal/model"
	"github.com/ggonzalez94/swapctl/internal/registry"
)

// Caller is the read-only slice of the wallet the reader needs. The full
// wallet satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

type Reader struct {
	caller Caller
}

func NewReader(caller Caller) *Reader {
	return &Reader{caller: caller}
}

var (
	erc20ABI    = mustABI(registry.ERC20MinimalABI)
	metadataABI = mustABI(registry.ERC20MetadataABI)

	// maxUint256 is reported as the allowance for native-coin "tokens",
	// which need no approval at all.
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// Balance returns the owner's balance of the given token in base units.
// Native sentinel addresses read the account balance instead of balanceOf.
func (r *Reader) Balance(ctx context.Context, owner common.Address, token string) (*big.Int, error) {
	if registry.IsNativeToken(token) {
		return r.caller.BalanceAt(ctx, owner)
	}
	if !common.IsHexAddress(token) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid token address %q", token))
	}
	out, err := r.callUnpack(ctx, erc20ABI, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeWallet, "balanceOf returned an unexpected type")
	}
	return balance, nil
}

// BalanceDecimal formats the owner's balance as a decimal string for
// display.
func (r *Reader) BalanceDecimal(ctx context.Context, owner common.Address, token string, decimals int) (string, error) {
	balance, err := r.Balance(ctx, owner, token)
	if err != nil {
		return "", err
	}
	return id.FormatDecimalCompat(balance.String(), decimals), nil
}

// Allowance returns how much the spender may currently move on the owner's
// behalf. Native tokens need no approval, so their allowance is unbounded.
func (r *Reader) Allowance(ctx context.Context, owner common.Address, token, spender string) (*big.Int, error) {
	if registry.IsNativeToken(token) {
		return new(big.Int).Set(maxUint256), nil
	}
	if !common.IsHexAddress(token) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid token address %q", token))
	}
	if !common.IsHexAddress(spender) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid spender address %q", spender))
	}
	out, err := r.callUnpack(ctx, erc20ABI, token, "allowance", owner, common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	allowance, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeWallet, "allowance returned an unexpected type")
	}
	return allowance, nil
}

// TokenMetadata reads decimals, symbol, and name. Symbol and name tolerate
// non-standard tokens that return bytes32 instead of string; the read fails
// only when a token yields neither a usable symbol nor a usable name.
func (r *Reader) TokenMetadata(ctx context.Context, chainID int64, token string) (model.TokenMetadata, error) {
	if registry.IsNativeToken(token) {
		meta := model.TokenMetadata{
			Address:  registry.NativeTokenAddress,
			Symbol:   "ETH",
			Name:     "Native Token",
			Decimals: registry.NativeTokenDecimals,
		}
		if chainMeta, ok := registry.ChainMetadataByID(chainID); ok {
			meta.Symbol = chainMeta.NativeSymbol
			meta.Name = chainMeta.Name + " Native Token"
			meta.Decimals = chainMeta.NativeDecimals
		}
		return meta, nil
	}
	if !common.IsHexAddress(token) {
		return model.TokenMetadata{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid token address %q", token))
	}

	meta := model.TokenMetadata{Address: common.HexToAddress(token).Hex()}

	decimalsOut, err := r.callUnpack(ctx, metadataABI, token, "decimals")
	if err != nil {
		return model.TokenMetadata{}, clierr.Wrap(clierr.CodeWallet, "read token decimals", err)
	}
	switch v := decimalsOut[0].(type) {
	case uint8:
		meta.Decimals = int(v)
	case *big.Int:
		meta.Decimals = int(v.Int64())
	default:
		return model.TokenMetadata{}, clierr.New(clierr.CodeWallet, "decimals returned an unexpected type")
	}

	meta.Symbol = r.readStringGetter(ctx, token, "symbol")
	meta.Name = r.readStringGetter(ctx, token, "name")
	if meta.Symbol == "" && meta.Name == "" {
		return model.TokenMetadata{}, clierr.New(clierr.CodeWallet, fmt.Sprintf("token %s reports neither symbol nor name", meta.Address))
	}
	return meta, nil
}

func (r *Reader) callUnpack(ctx context.Context, parsed abi.ABI, token, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, fmt.Sprintf("pack %s call", method), err)
	}
	target := common.HexToAddress(token)
	raw, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data})
	if err != nil {
		return nil, err
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil || len(out) == 0 {
		return nil, clierr.Wrap(clierr.CodeWallet, fmt.Sprintf("decode %s response", method), err)
	}
	return out, nil
}

// readStringGetter calls a zero-argument string getter and decodes either a
// dynamic string or a right-padded bytes32 value. Returns "" when the call
// fails or yields nothing printable.
func (r *Reader) readStringGetter(ctx context.Context, token, method string) string {
	data, err := metadataABI.Pack(method)
	if err != nil {
		return ""
	}
	target := common.HexToAddress(token)
	raw, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data})
	if err != nil || len(raw) == 0 {
		return ""
	}
	if out, err := metadataABI.Unpack(method, raw); err == nil && len(out) > 0 {
		if s, ok := out[0].(string); ok {
			return sanitizeLabel(s)
		}
	}
	// bytes32 fallback: a single word holding a NUL-padded ASCII label.
	if len(raw) == 32 {
		return sanitizeLabel(string(raw))
	}
	return ""
}

func sanitizeLabel(v string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(v), "\x00")
	for _, r := range trimmed {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return ""
		}
	}
	return trimmed
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
