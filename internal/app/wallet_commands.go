package app

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/swapctl/internal/cache"
	clierr "github.com/ggonzalez94/swapctl/internal/errors"
	"github.com/ggonzalez94/swapctl/internal/id"
	"github.com/ggonzalez94/swapctl/internal/model"
	"github.com/ggonzalez94/swapctl/internal/registry"
	"github.com/ggonzalez94/swapctl/internal/units"
)

func (s *runtimeState) newAllowanceCommand() *cobra.Command {
	var chainArg, tokenArg, spenderArg, ownerArg string
	cmd := &cobra.Command{
		Use:   "allowance",
		Short: "Read the allowance a spender holds on a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := id.ParseChain(chainArg)
			if err != nil {
				return err
			}
			token, err := id.ParseAsset(tokenArg, chain)
			if err != nil {
				return err
			}
			w, err := s.ensureWallet()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			if err := w.EnsureChain(ctx, chain.EVMChainID); err != nil {
				return err
			}
			owner, err := resolveOwner(ownerArg, w.Address())
			if err != nil {
				return err
			}
			spender, err := s.resolveSpenderArg(ctx, spenderArg, chain.EVMChainID)
			if err != nil {
				return err
			}
			allowance, err := s.reader.Allowance(ctx, owner, token.Address, spender)
			if err != nil {
				return err
			}
			data := model.AllowanceStatus{
				ChainID:            chain.CAIP2,
				Owner:              owner.Hex(),
				Token:              token.Address,
				Spender:            spender,
				AllowanceBaseUnits: allowance.String(),
				Unlimited:          allowance.Cmp(maxUint256) == 0,
				FetchedAt:          s.runner.now().UTC().Format(time.RFC3339),
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass())
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain identifier (slug, chain ID, or CAIP-2)")
	cmd.Flags().StringVar(&tokenArg, "token", "", "Token (symbol/address/CAIP-19)")
	cmd.Flags().StringVar(&spenderArg, "spender", "", "Spender address (default: aggregator router for the chain)")
	cmd.Flags().StringVar(&ownerArg, "owner", "", "Owner address (default: local wallet address)")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func (s *runtimeState) newApproveCommand() *cobra.Command {
	var chainArg, tokenArg, spenderArg, amountArg string
	var wait bool
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Grant the swap router an allowance on a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := id.ParseChain(chainArg)
			if err != nil {
				return err
			}
			token, err := id.ParseAsset(tokenArg, chain)
			if err != nil {
				return err
			}
			w, err := s.ensureWallet()
			if err != nil {
				return err
			}
			ctx := context.Background()
			chainCtx, cancelChain := context.WithTimeout(ctx, s.settings.Timeout)
			err = w.EnsureChain(chainCtx, chain.EVMChainID)
			cancelChain()
			if err != nil {
				return err
			}
			spender, err := s.resolveSpenderArg(ctx, spenderArg, chain.EVMChainID)
			if err != nil {
				return err
			}

			required := new(big.Int).Set(maxUint256)
			if strings.TrimSpace(amountArg) != "" {
				decimals, err := s.tokenDecimals(ctx, chain.EVMChainID, token)
				if err != nil {
					return err
				}
				required, _ = new(big.Int).SetString(units.ToBaseUnits(amountArg, decimals), 10)
			}

			opts := s.approvalOptions()
			if !wait {
				// Collapse the polling window so the command returns right
				// after broadcast instead of waiting for confirmation.
				opts.ApprovalTimeout = time.Millisecond
			}
			engine, err := s.newEngine(opts)
			if err != nil {
				return err
			}
			outcome, err := engine.EnsureAllowance(ctx, token.Address, spender, required)
			if err != nil {
				return err
			}
			data := model.ApprovalReceipt{
				ChainID:     chain.CAIP2,
				Token:       token.Address,
				Spender:     spender,
				State:       string(outcome.State),
				TxHash:      outcome.TxHash,
				SubmittedAt: s.runner.now().UTC().Format(time.RFC3339),
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass())
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain identifier (slug, chain ID, or CAIP-2)")
	cmd.Flags().StringVar(&tokenArg, "token", "", "Token (symbol/address/CAIP-19)")
	cmd.Flags().StringVar(&spenderArg, "spender", "", "Spender address (default: aggregator router for the chain)")
	cmd.Flags().StringVar(&amountArg, "amount", "", "Required amount in decimal units (default: unlimited)")
	cmd.Flags().BoolVar(&wait, "wait", true, "Poll until the allowance reflects the approval")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func (s *runtimeState) newBalanceCommand() *cobra.Command {
	var chainArg, assetArg, ownerArg string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Read a native or token balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := id.ParseChain(chainArg)
			if err != nil {
				return err
			}
			asset, err := id.ParseAsset(assetArg, chain)
			if err != nil {
				return err
			}
			w, err := s.ensureWallet()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			if err := w.EnsureChain(ctx, chain.EVMChainID); err != nil {
				return err
			}
			owner, err := resolveOwner(ownerArg, w.Address())
			if err != nil {
				return err
			}
			balance, err := s.reader.Balance(ctx, owner, asset.Address)
			if err != nil {
				return err
			}
			decimals, err := s.tokenDecimals(ctx, chain.EVMChainID, asset)
			if err != nil {
				return err
			}
			data := model.BalanceInfo{
				ChainID: chain.CAIP2,
				Owner:   owner.Hex(),
				AssetID: asset.AssetID,
				Symbol:  asset.Symbol,
				Balance: model.AmountInfo{
					AmountBaseUnits: balance.String(),
					AmountDecimal:   id.FormatDecimalCompat(balance.String(), decimals),
					Decimals:        decimals,
				},
				FetchedAt: s.runner.now().UTC().Format(time.RFC3339),
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass())
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain identifier (slug, chain ID, or CAIP-2)")
	cmd.Flags().StringVar(&assetArg, "asset", "", "Asset (symbol/address/CAIP-19)")
	cmd.Flags().StringVar(&ownerArg, "owner", "", "Owner address (default: local wallet address)")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("asset")
	return cmd
}

func (s *runtimeState) newTokenCommand() *cobra.Command {
	root := &cobra.Command{Use: "token", Short: "Token metadata commands"}

	var chainArg, tokenArg string
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Read on-chain token metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := id.ParseChain(chainArg)
			if err != nil {
				return err
			}
			token, err := id.ParseAsset(tokenArg, chain)
			if err != nil {
				return err
			}
			key := cacheKey(trimRootPath(cmd.CommandPath()), map[string]any{
				"chain": chain.CAIP2,
				"token": strings.ToLower(token.Address),
			})
			return s.runCachedCommand(trimRootPath(cmd.CommandPath()), key, cache.TokenTTL, func(ctx context.Context) (any, []string, error) {
				w, err := s.ensureWallet()
				if err != nil {
					return nil, nil, err
				}
				if err := w.EnsureChain(ctx, chain.EVMChainID); err != nil {
					return nil, nil, err
				}
				meta, err := s.reader.TokenMetadata(ctx, chain.EVMChainID, token.Address)
				if err != nil {
					return nil, nil, err
				}
				return meta, nil, nil
			})
		},
	}
	infoCmd.Flags().StringVar(&chainArg, "chain", "", "Chain identifier (slug, chain ID, or CAIP-2)")
	infoCmd.Flags().StringVar(&tokenArg, "token", "", "Token (symbol/address/CAIP-19)")
	_ = infoCmd.MarkFlagRequired("chain")
	_ = infoCmd.MarkFlagRequired("token")

	var listChainArg string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tokens the aggregator supports on a chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := id.ParseChain(listChainArg)
			if err != nil {
				return err
			}
			key := cacheKey(trimRootPath(cmd.CommandPath()), map[string]any{
				"chain": chain.CAIP2,
			})
			return s.runCachedCommand(trimRootPath(cmd.CommandPath()), key, cache.TokenTTL, func(ctx context.Context) (any, []string, error) {
				tokens, err := s.aggregator.Tokens(ctx, chain.EVMChainID)
				if err != nil {
					return nil, nil, mapUpstreamError(err)
				}
				return tokens, nil, nil
			})
		},
	}
	listCmd.Flags().StringVar(&listChainArg, "chain", "", "Chain identifier (slug, chain ID, or CAIP-2)")
	_ = listCmd.MarkFlagRequired("chain")

	root.AddCommand(infoCmd)
	root.AddCommand(listCmd)
	return root
}

func (s *runtimeState) newPendingCommand() *cobra.Command {
	root := &cobra.Command{Use: "pending", Short: "Pending-approval marker commands"}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted pending-approval markers",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.ensurePendingStore()
			if err != nil {
				return err
			}
			markers, err := store.List(limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list pending approvals", err)
			}
			infos := make([]model.PendingApprovalInfo, 0, len(markers))
			for _, marker := range markers {
				infos = append(infos, model.PendingApprovalInfo{
					ChainID:   marker.ChainID,
					Owner:     marker.Owner,
					Token:     marker.Token,
					Spender:   marker.Spender,
					TxHash:    marker.TxHash,
					CreatedAt: marker.CreatedAt,
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), infos, nil, cacheMetaBypass())
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum markers to return")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all pending-approval markers",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.ensurePendingStore()
			if err != nil {
				return err
			}
			cleared, err := store.Clear()
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "clear pending approvals", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{"cleared": cleared}, nil, cacheMetaBypass())
		},
	}

	root.AddCommand(listCmd)
	root.AddCommand(clearCmd)
	return root
}

// resolveSpenderArg picks the spender for read and approve commands:
// explicit flag, then the chain registry default, then the aggregator's
// spender endpoint.
func (s *runtimeState) resolveSpenderArg(ctx context.Context, explicit string, chainID int64) (string, error) {
	explicit = strings.TrimSpace(explicit)
	if explicit != "" {
		if !common.IsHexAddress(explicit) {
			return "", clierr.New(clierr.CodeUsage, "--spender is not a valid address")
		}
		return explicit, nil
	}
	if spender, ok := registry.DefaultSpender(chainID); ok {
		return spender, nil
	}
	spenderCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()
	spender, err := s.aggregator.Spender(spenderCtx, chainID)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "resolve spender for chain", err)
	}
	return spender, nil
}

func resolveOwner(explicit string, fallback common.Address) (common.Address, error) {
	explicit = strings.TrimSpace(explicit)
	if explicit == "" {
		return fallback, nil
	}
	if !common.IsHexAddress(explicit) {
		return common.Address{}, clierr.New(clierr.CodeUsage, "--owner is not a valid address")
	}
	return common.HexToAddress(explicit), nil
}

func (s *runtimeState) tokenDecimals(ctx context.Context, chainID int64, asset id.Asset) (int, error) {
	if asset.IsNative() {
		return registry.NativeTokenDecimals, nil
	}
	if asset.Decimals > 0 {
		return asset.Decimals, nil
	}
	meta, err := s.reader.TokenMetadata(ctx, chainID, asset.Address)
	if err != nil {
		return 0, err
	}
	return meta.Decimals, nil
}
