package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/swapctl/internal/errors"
	"github.com/ggonzalez94/swapctl/internal/id"
	"github.com/ggonzalez94/swapctl/internal/model"
	"github.com/ggonzalez94/swapctl/internal/registry"
	"github.com/ggonzalez94/swapctl/internal/swap"
)

func (s *runtimeState) newSwapCommand() *cobra.Command {
	root := &cobra.Command{Use: "swap", Short: "Swap submission commands"}

	var chainArg, fromAssetArg, toAssetArg, amountArg string
	var slippageBps int
	var yes bool
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Build, approve if needed, and submit a swap transaction",
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
			if strings.TrimSpace(amountArg) == "" {
				return clierr.New(clierr.CodeUsage, "--amount is required")
			}
			slippage := slippageBps
			if slippage < 0 {
				slippage = s.settings.DefaultSlippageBps
			}

			engine, err := s.newEngine(s.approvalOptions())
			if err != nil {
				return err
			}

			interactive := s.settings.OutputMode == "plain" && !s.settings.ResultsOnly
			warnings := []string{}

			// Best-effort estimate for display and for the final record.
			// A failed quote never blocks the submission itself.
			var estimate *model.AmountInfo
			displayDecimals := fromAsset.Decimals
			if displayDecimals <= 0 {
				displayDecimals = 18
			}
			quoteCtx, cancelQuote := context.WithTimeout(context.Background(), s.settings.Timeout)
			base, decimal, amountErr := id.NormalizeAmount("", amountArg, displayDecimals)
			if amountErr == nil {
				if quote, quoteErr := s.aggregator.GetQuote(quoteCtx, chain.EVMChainID, fromAsset.Address, toAsset.Address, base); quoteErr == nil {
					dstDecimals := toAsset.Decimals
					if dstDecimals <= 0 {
						dstDecimals = 18
					}
					estimate = &model.AmountInfo{
						AmountBaseUnits: quote.DstAmount,
						AmountDecimal:   id.FormatDecimalCompat(quote.DstAmount, dstDecimals),
						Decimals:        dstDecimals,
					}
				} else {
					warnings = append(warnings, fmt.Sprintf("quote unavailable before submission: %v", quoteErr))
				}
			}
			cancelQuote()
			if amountErr != nil {
				return amountErr
			}

			if interactive {
				s.displaySwapPlan(chain, fromAsset, toAsset, decimal, slippage, estimate)
				if !yes && !confirmSubmission() {
					fmt.Fprintln(s.runner.stdout, "Swap cancelled.")
					return nil
				}
			}

			var spin *spinner.Spinner
			if interactive {
				spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(s.runner.stderr))
				spin.Suffix = " Submitting swap..."
				spin.Start()
			}
			sub, err := engine.Submit(context.Background(), swap.Request{
				ChainID:     chain.EVMChainID,
				Src:         fromAsset.Address,
				Dst:         toAsset.Address,
				AmountText:  amountArg,
				SlippageBps: slippage,
			})
			if spin != nil {
				spin.Stop()
			}
			if err != nil {
				return err
			}

			record := model.SwapSubmission{
				ChainID:     chain.CAIP2,
				FromAssetID: fromAsset.AssetID,
				ToAssetID:   toAsset.AssetID,
				InputAmount: model.AmountInfo{
					AmountBaseUnits: sub.AmountBaseUnits,
					AmountDecimal:   decimal,
					Decimals:        displayDecimals,
				},
				EstimatedOut:   estimate,
				TxHash:         sub.TxHash,
				Spender:        sub.Spender,
				Approved:       sub.Approved,
				ApprovalTxHash: sub.ApprovalTxHash,
				BuildAttempts:  sub.BuildAttempts,
				ExplorerURL:    explorerTxURL(chain.EVMChainID, sub.TxHash),
				SubmittedAt:    s.runner.now().UTC().Format(time.RFC3339),
			}

			if interactive {
				s.displaySubmissionResult(record)
				return nil
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), record, warnings, cacheMetaBypass())
		},
	}
	submitCmd.Flags().StringVar(&chainArg, "chain", "", "Chain identifier (slug, chain ID, or CAIP-2)")
	submitCmd.Flags().StringVar(&fromAssetArg, "from-asset", "", "Input asset (symbol/address/CAIP-19)")
	submitCmd.Flags().StringVar(&toAssetArg, "to-asset", "", "Output asset (symbol/address/CAIP-19)")
	submitCmd.Flags().StringVar(&amountArg, "amount", "", "Amount to sell, in decimal units")
	submitCmd.Flags().IntVar(&slippageBps, "slippage-bps", -1, "Slippage tolerance in basis points (default from config)")
	submitCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	_ = submitCmd.MarkFlagRequired("chain")
	_ = submitCmd.MarkFlagRequired("from-asset")
	_ = submitCmd.MarkFlagRequired("to-asset")
	_ = submitCmd.MarkFlagRequired("amount")

	root.AddCommand(submitCmd)
	return root
}

func (s *runtimeState) displaySwapPlan(chain id.Chain, from, to id.Asset, amountDecimal string, slippageBps int, estimate *model.AmountInfo) {
	w := s.runner.stdout
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Chain:     %s\n", chain.Name)
	fmt.Fprintf(w, "  Sell:      %s %s\n", amountDecimal, color.YellowString(assetLabel(from)))
	if estimate != nil {
		fmt.Fprintf(w, "  Receive:   ~%s %s\n", estimate.AmountDecimal, color.YellowString(assetLabel(to)))
	} else {
		fmt.Fprintf(w, "  Receive:   %s (no estimate)\n", color.YellowString(assetLabel(to)))
	}
	fmt.Fprintf(w, "  Slippage:  %.2f%%\n", float64(slippageBps)/100)
}

func (s *runtimeState) displaySubmissionResult(record model.SwapSubmission) {
	w := s.runner.stdout
	fmt.Fprintln(w)
	fmt.Fprintln(w, color.GreenString("Swap submitted."))
	fmt.Fprintf(w, "  Tx Hash:   %s\n", color.CyanString(record.TxHash))
	if record.Approved {
		fmt.Fprintf(w, "  Approval:  %s\n", color.CyanString(record.ApprovalTxHash))
	}
	if record.ExplorerURL != "" {
		fmt.Fprintf(w, "  Explorer:  %s\n", record.ExplorerURL)
	}
}

func confirmSubmission() bool {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("\nProceed with swap? (y/N): ")
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func assetLabel(asset id.Asset) string {
	if asset.Symbol != "" {
		return asset.Symbol
	}
	return asset.Address
}

func explorerTxURL(chainID int64, txHash string) string {
	meta, ok := registry.ChainMetadataByID(chainID)
	if !ok || meta.ExplorerURL == "" || txHash == "" {
		return ""
	}
	return strings.TrimRight(meta.ExplorerURL, "/") + "/tx/" + txHash
}
