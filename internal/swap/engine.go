// Package swap orchestrates swap submission: allowance management against
// the aggregation router, the build/approve/rebuild workflow, and the
// pending-approval markers that carry state across CLI invocations.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/swapctl/internal/aggregator"
	clierr "github.com/ggonzalez94/swapctl/internal/errors"
	"github.com/ggonzalez94/swapctl/internal/model"
	"github.com/ggonzalez94/swapctl/internal/registry"
	"github.com/ggonzalez94/swapctl/internal/units"
	"github.com/ggonzalez94/swapctl/internal/wallet"
	"github.com/sirupsen/logrus"
)

// Builder is the aggregator surface the engine drives.
type Builder interface {
	BuildSwap(ctx context.Context, chainID int64, from, src, dst, amountBaseUnits string, slippageBps int) (aggregator.SwapBuild, error)
	Spender(ctx context.Context, chainID int64) (string, error)
	CachedSpender(chainID int64) (string, bool)
}

// StateReader is the chain-state surface the engine drives.
type StateReader interface {
	Allowance(ctx context.Context, owner common.Address, token, spender string) (*big.Int, error)
	TokenMetadata(ctx context.Context, chainID int64, token string) (model.TokenMetadata, error)
}

type Options struct {
	// PollInterval between allowance rechecks after an approval.
	PollInterval time.Duration
	// ApprovalTimeout bounds the polling window.
	ApprovalTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ApprovalTimeout <= 0 {
		o.ApprovalTimeout = 30 * time.Second
	}
	return o
}

type Engine struct {
	wallet  wallet.Wallet
	reader  StateReader
	builder Builder
	store   *PendingStore
	opts    Options
	log     logrus.FieldLogger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewEngine(w wallet.Wallet, reader StateReader, builder Builder, store *PendingStore, opts Options, log logrus.FieldLogger) *Engine {
	if log == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		log = logger
	}
	return &Engine{
		wallet:   w,
		reader:   reader,
		builder:  builder,
		store:    store,
		opts:     opts.withDefaults(),
		log:      log,
		inFlight: make(map[string]struct{}),
	}
}

var (
	erc20ABI = mustABI(registry.ERC20MinimalABI)

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// EnsureAllowance makes sure the spender may move at least required base
// units of token. At most one approval transaction is sent per call; after
// sending, the allowance is polled until it covers the requirement or the
// window elapses. A pending outcome is not a failure: the approval may still
// confirm after we stop watching.
func (e *Engine) EnsureAllowance(ctx context.Context, token, spender string, required *big.Int) (ApprovalOutcome, error) {
	if registry.IsNativeToken(token) {
		return ApprovalOutcome{State: ApprovalSatisfied}, nil
	}
	if !common.IsHexAddress(spender) {
		return ApprovalOutcome{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid spender address %q", spender))
	}

	owner := e.wallet.Address()
	current, err := e.reader.Allowance(ctx, owner, token, spender)
	if err != nil {
		return ApprovalOutcome{}, err
	}
	if current.Cmp(required) >= 0 {
		return ApprovalOutcome{State: ApprovalSatisfied}, nil
	}

	approveData, err := erc20ABI.Pack("approve", common.HexToAddress(spender), maxUint256)
	if err != nil {
		return ApprovalOutcome{}, clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
	}
	txHash, err := e.wallet.SendTransaction(ctx, wallet.TxRequest{
		To:   token,
		Data: "0x" + common.Bytes2Hex(approveData),
	})
	if err != nil {
		return ApprovalOutcome{}, err
	}
	e.log.WithFields(logrus.Fields{"token": token, "spender": spender, "tx": txHash.Hex()}).Info("approval submitted")

	deadline := time.NewTimer(e.opts.ApprovalTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ApprovalOutcome{State: ApprovalPending, TxHash: txHash.Hex()}, clierr.Wrap(clierr.CodeApprovalPending, "approval wait cancelled", ctx.Err())
		case <-deadline.C:
			return ApprovalOutcome{State: ApprovalPending, TxHash: txHash.Hex()}, nil
		case <-ticker.C:
			observed, err := e.reader.Allowance(ctx, owner, token, spender)
			if err != nil {
				e.log.WithError(err).Warn("allowance read failed, treated as insufficient")
				continue
			}
			if observed.Cmp(required) >= 0 {
				return ApprovalOutcome{State: ApprovalConfirmed, TxHash: txHash.Hex()}, nil
			}
		}
	}
}

// Submit runs the full swap workflow: bind the chain, convert the amount,
// build the swap, recover from allowance shortfalls with exactly one
// approval and one rebuild, then broadcast the transaction.
func (e *Engine) Submit(ctx context.Context, req Request) (Submission, error) {
	src := strings.TrimSpace(req.Src)
	dst := strings.TrimSpace(req.Dst)
	if src == "" || dst == "" {
		return Submission{}, clierr.New(clierr.CodeUsage, "both source and destination tokens are required")
	}

	if err := e.wallet.EnsureChain(ctx, req.ChainID); err != nil {
		return Submission{}, err
	}
	owner := e.wallet.Address()

	guardSpender := e.likelySpender(req.ChainID)
	release, err := e.acquire(req.ChainID, src, guardSpender)
	if err != nil {
		return Submission{}, err
	}
	defer release()

	decimals, err := e.resolveDecimals(ctx, req.ChainID, src)
	if err != nil {
		return Submission{}, err
	}
	amountBase := units.ToBaseUnits(req.AmountText, decimals)
	required, ok := new(big.Int).SetString(amountBase, 10)
	if !ok || required.Sign() <= 0 {
		return Submission{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %q converts to no base units", req.AmountText))
	}

	sub := Submission{
		ChainID:         req.ChainID,
		Src:             src,
		Dst:             dst,
		AmountBaseUnits: amountBase,
	}

	// A marker from an earlier run means an approval is already in flight:
	// recheck the allowance directly instead of burning a build that would
	// fail the same way. The lookup ignores the spender because resolution
	// can land on a different address than the run that saved the marker.
	if marker, found := e.pendingMarker(req.ChainID, owner.Hex(), src); found {
		return e.resumePending(ctx, req, sub, marker, required)
	}

	build, err := e.builder.BuildSwap(ctx, req.ChainID, owner.Hex(), src, dst, amountBase, req.SlippageBps)
	sub.BuildAttempts = 1
	if err == nil {
		sub.DstAmount = build.DstAmount
		return e.finish(ctx, sub, build, owner.Hex())
	}

	upstream, recoverable := classifyBuildFailure(err)
	if !recoverable {
		return Submission{}, err
	}

	spender, spenderErr := e.resolveSpender(ctx, req.ChainID, build.Spender, upstream)
	if spenderErr != nil {
		return Submission{}, spenderErr
	}
	sub.Spender = spender

	outcome, err := e.EnsureAllowance(ctx, src, spender, required)
	if err != nil {
		return Submission{}, err
	}
	sub.ApprovalTxHash = outcome.TxHash
	sub.Approved = outcome.State == ApprovalConfirmed

	if outcome.State == ApprovalPending {
		e.saveMarker(req.ChainID, owner.Hex(), src, spender, outcome.TxHash)
		return Submission{}, clierr.New(clierr.CodeApprovalPending, "approval submitted but not yet confirmed; retry shortly")
	}

	// Exactly one rebuild after the allowance is in place.
	rebuild, err := e.builder.BuildSwap(ctx, req.ChainID, owner.Hex(), src, dst, amountBase, req.SlippageBps)
	sub.BuildAttempts = 2
	if err != nil {
		return Submission{}, clierr.Wrap(clierr.CodeSwapBuild, "swap build failed after approval", err)
	}
	sub.DstAmount = rebuild.DstAmount
	return e.finish(ctx, sub, rebuild, owner.Hex())
}

// resumePending handles a submission whose earlier attempt left a pending
// approval marker.
func (e *Engine) resumePending(ctx context.Context, req Request, sub Submission, marker PendingApproval, required *big.Int) (Submission, error) {
	owner := e.wallet.Address()
	spender := marker.Spender
	sub.Spender = spender

	outcome, err := e.EnsureAllowance(ctx, sub.Src, spender, required)
	if err != nil {
		return Submission{}, err
	}
	sub.ApprovalTxHash = outcome.TxHash
	if sub.ApprovalTxHash == "" {
		sub.ApprovalTxHash = marker.TxHash
	}
	sub.Approved = outcome.State != ApprovalSatisfied

	if outcome.State == ApprovalPending {
		e.saveMarker(req.ChainID, owner.Hex(), sub.Src, spender, sub.ApprovalTxHash)
		return Submission{}, clierr.New(clierr.CodeApprovalPending, "approval still confirming; retry shortly")
	}

	build, err := e.builder.BuildSwap(ctx, req.ChainID, owner.Hex(), sub.Src, sub.Dst, sub.AmountBaseUnits, req.SlippageBps)
	sub.BuildAttempts = 1
	if err != nil {
		return Submission{}, clierr.Wrap(clierr.CodeSwapBuild, "swap build failed after approval", err)
	}
	sub.DstAmount = build.DstAmount
	return e.finish(ctx, sub, build, owner.Hex())
}

// finish extracts the executable transaction from the build, normalizes its
// numeric fields, broadcasts it, and clears every pending marker for the
// token so no row survives under a spender a previous run resolved
// differently.
func (e *Engine) finish(ctx context.Context, sub Submission, build aggregator.SwapBuild, owner string) (Submission, error) {
	txReq, err := extractTxRequest(build)
	if err != nil {
		return Submission{}, err
	}
	hash, err := e.wallet.SendTransaction(ctx, txReq)
	if err != nil {
		return Submission{}, err
	}
	sub.TxHash = hash.Hex()

	e.clearMarker(sub.ChainID, owner, sub.Src)
	e.log.WithFields(logrus.Fields{
		"chain_id": sub.ChainID,
		"tx":       sub.TxHash,
		"builds":   sub.BuildAttempts,
		"approved": sub.Approved,
	}).Info("swap submitted")
	return sub, nil
}

// extractTxRequest pulls the transaction out of the build response. The tx
// may sit in a nested tx object or the payload may be the tx itself; a
// result without both a target and calldata is unusable.
func extractTxRequest(build aggregator.SwapBuild) (wallet.TxRequest, error) {
	fields := build.Tx
	if len(fields) == 0 {
		fields = build.Raw
	}
	txReq := wallet.TxRequest{}
	if v, ok := fields["to"].(string); ok {
		txReq.To = v
	}
	if v, ok := fields["data"].(string); ok {
		txReq.Data = v
	}
	if v, ok := fields["from"].(string); ok {
		txReq.From = v
	}
	if txReq.To == "" || txReq.Data == "" {
		return wallet.TxRequest{}, clierr.New(clierr.CodeTxInvalid, "swap build response carries no executable transaction")
	}

	if hex, ok := units.ToHex(fields["value"]); ok {
		txReq.Value = hex
	} else {
		txReq.Value = "0x0"
	}
	if hex, ok := units.ToHex(fields["gas"]); ok {
		txReq.Gas = hex
	}
	if hex, ok := units.ToHex(fields["gasPrice"]); ok {
		txReq.GasPrice = hex
	}
	if hex, ok := units.ToHex(fields["maxFeePerGas"]); ok {
		txReq.MaxFeePerGas = hex
	}
	if hex, ok := units.ToHex(fields["maxPriorityFeePerGas"]); ok {
		txReq.MaxPriorityFeePerGas = hex
	}
	return txReq, nil
}

// classifyBuildFailure decides whether a failed build is recoverable through
// the approval path: allowance shortfalls and transport-level failures are;
// anything else fails the submission as-is.
func classifyBuildFailure(err error) (*aggregator.UpstreamError, bool) {
	var upstream *aggregator.UpstreamError
	if errors.As(err, &upstream) {
		return upstream, upstream.AllowanceShortfall
	}
	if cliErr, ok := clierr.As(err); ok && cliErr.Code == clierr.CodeUnavailable {
		return nil, true
	}
	return nil, false
}

// resolveSpender picks the allowance target, preferring the most specific
// source: explicit response field (success body or error payload), address
// found in the failure text, the cached spender for the chain, then the
// fetched or registry default.
func (e *Engine) resolveSpender(ctx context.Context, chainID int64, explicit string, upstream *aggregator.UpstreamError) (string, error) {
	if common.IsHexAddress(explicit) {
		return explicit, nil
	}
	if upstream != nil {
		if common.IsHexAddress(upstream.Spender) {
			return upstream.Spender, nil
		}
		if common.IsHexAddress(upstream.SpenderHint) {
			return upstream.SpenderHint, nil
		}
	}
	if cached, ok := e.builder.CachedSpender(chainID); ok {
		return cached, nil
	}
	if fetched, err := e.builder.Spender(ctx, chainID); err == nil {
		return fetched, nil
	}
	if fallback, ok := registry.DefaultSpender(chainID); ok {
		return fallback, nil
	}
	return "", clierr.New(clierr.CodeSwapBuild, fmt.Sprintf("no spender known for chain %d", chainID))
}

// likelySpender is the best spender guess available without a network call,
// used for the in-flight guard key before resolution runs.
func (e *Engine) likelySpender(chainID int64) string {
	if cached, ok := e.builder.CachedSpender(chainID); ok {
		return cached
	}
	if fallback, ok := registry.DefaultSpender(chainID); ok {
		return fallback
	}
	return ""
}

func (e *Engine) resolveDecimals(ctx context.Context, chainID int64, token string) (int, error) {
	if registry.IsNativeToken(token) {
		return registry.NativeTokenDecimals, nil
	}
	meta, err := e.reader.TokenMetadata(ctx, chainID, token)
	if err != nil {
		return 0, err
	}
	return meta.Decimals, nil
}

// acquire takes the in-process in-flight guard for the submission key. A
// second concurrent submission for the same key is rejected outright.
func (e *Engine) acquire(chainID int64, token, spender string) (func(), error) {
	key := fmt.Sprintf("%d|%s|%s", chainID, normalizeKey(token), normalizeKey(spender))
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.inFlight[key]; held {
		return nil, clierr.New(clierr.CodeBlocked, "a submission for this token is already in flight")
	}
	e.inFlight[key] = struct{}{}
	return func() {
		e.mu.Lock()
		delete(e.inFlight, key)
		e.mu.Unlock()
	}, nil
}

func (e *Engine) pendingMarker(chainID int64, owner, token string) (PendingApproval, bool) {
	if e.store == nil {
		return PendingApproval{}, false
	}
	marker, found, err := e.store.GetForToken(chainID, owner, token)
	if err != nil {
		e.log.WithError(err).Warn("pending marker read failed")
		return PendingApproval{}, false
	}
	return marker, found
}

func (e *Engine) saveMarker(chainID int64, owner, token, spender, txHash string) {
	if e.store == nil {
		return
	}
	err := e.store.Put(PendingApproval{
		ChainID: chainID,
		Owner:   owner,
		Token:   token,
		Spender: spender,
		TxHash:  txHash,
	})
	if err != nil {
		e.log.WithError(err).Warn("pending marker save failed")
	}
}

func (e *Engine) clearMarker(chainID int64, owner, token string) {
	if e.store == nil {
		return
	}
	if err := e.store.DeleteForToken(chainID, owner, token); err != nil {
		e.log.WithError(err).Warn("pending marker delete failed")
	}
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
