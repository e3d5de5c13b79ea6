package app

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/swapctl/internal/aggregator"
	"github.com/ggonzalez94/swapctl/internal/cache"
	clierr "github.com/ggonzalez94/swapctl/internal/errors"
	"github.com/ggonzalez94/swapctl/internal/id"
	"github.com/ggonzalez94/swapctl/internal/model"
)

func (s *runtimeState) newQuoteCommand() *cobra.Command {
	var chainArg, fromAssetArg, toAssetArg string
	var amountBase, amountDecimal string
	var slippageBps int
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Get a swap quote without submitting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := id.ParseChain(chainArg)
			if err != nil {
				return err
			}
			fromAsset, err := id.ParseAsset(fromAssetArg, chain)
			if err != nil {
				return err
			}
			toAsset, err := id.ParseAsset(toAssetArg, chain)
			if err != nil {
				return err
			}
			decimals := fromAsset.Decimals
			if decimals <= 0 {
				decimals = 18
			}
			base, decimal, err := id.NormalizeAmount(amountBase, amountDecimal, decimals)
			if err != nil {
				return err
			}
			slippage := slippageBps
			if slippage < 0 {
				slippage = s.settings.DefaultSlippageBps
			}

			key := cacheKey(trimRootPath(cmd.CommandPath()), map[string]any{
				"chain":  chain.CAIP2,
				"from":   fromAsset.AssetID,
				"to":     toAsset.AssetID,
				"amount": base,
			})
			return s.runCachedCommand(trimRootPath(cmd.CommandPath()), key, cache.QuoteTTL, func(ctx context.Context) (any, []string, error) {
				quote, err := s.aggregator.GetQuote(ctx, chain.EVMChainID, fromAsset.Address, toAsset.Address, base)
				if err != nil {
					return nil, nil, mapUpstreamError(err)
				}
				dstDecimals := toAsset.Decimals
				if dstDecimals <= 0 {
					dstDecimals = 18
				}
				data := model.SwapQuote{
					ChainID:     chain.CAIP2,
					FromAssetID: fromAsset.AssetID,
					ToAssetID:   toAsset.AssetID,
					InputAmount: model.AmountInfo{
						AmountBaseUnits: base,
						AmountDecimal:   decimal,
						Decimals:        decimals,
					},
					EstimatedOut: model.AmountInfo{
						AmountBaseUnits: quote.DstAmount,
						AmountDecimal:   id.FormatDecimalCompat(quote.DstAmount, dstDecimals),
						Decimals:        dstDecimals,
					},
					SlippageBps: slippage,
					FetchedAt:   s.runner.now().UTC().Format(time.RFC3339),
				}
				return data, nil, nil
			})
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain identifier (slug, chain ID, or CAIP-2)")
	cmd.Flags().StringVar(&fromAssetArg, "from-asset", "", "Input asset (symbol/address/CAIP-19)")
	cmd.Flags().StringVar(&toAssetArg, "to-asset", "", "Output asset (symbol/address/CAIP-19)")
	cmd.Flags().StringVar(&amountBase, "amount", "", "Amount in base units")
	cmd.Flags().StringVar(&amountDecimal, "amount-decimal", "", "Amount in decimal units")
	cmd.Flags().IntVar(&slippageBps, "slippage-bps", -1, "Slippage tolerance in basis points (default from config)")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("from-asset")
	_ = cmd.MarkFlagRequired("to-asset")
	return cmd
}

// mapUpstreamError converts an aggregator rejection into a typed CLI error
// so exit codes and stale-fallback policy see a stable classification.
func mapUpstreamError(err error) error {
	var upstream *aggregator.UpstreamError
	if !errors.As(err, &upstream) {
		return err
	}
	switch {
	case upstream.Status == 401 || upstream.Status == 403:
		return clierr.Wrap(clierr.CodeAuth, "aggregator authentication failed", upstream)
	case upstream.Status == 429:
		return clierr.Wrap(clierr.CodeRateLimited, "aggregator rate limit exceeded", upstream)
	case upstream.Status >= 500:
		return clierr.Wrap(clierr.CodeUnavailable, "aggregator unavailable", upstream)
	case upstream.Status >= 400:
		return clierr.Wrap(clierr.CodeUsage, "aggregator rejected request", upstream)
	default:
		return clierr.Wrap(clierr.CodeUnavailable, "unexpected aggregator response", upstream)
	}
}
