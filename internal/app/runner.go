package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/swapctl/internal/aggregator"
	"github.com/ggonzalez94/swapctl/internal/cache"
	"github.com/ggonzalez94/swapctl/internal/chainstate"
	"github.com/ggonzalez94/swapctl/internal/config"
	clierr "github.com/ggonzalez94/swapctl/internal/errors"
	"github.com/ggonzalez94/swapctl/internal/httpx"
	"github.com/ggonzalez94/swapctl/internal/model"
	"github.com/ggonzalez94/swapctl/internal/out"
	"github.com/ggonzalez94/swapctl/internal/policy"
	"github.com/ggonzalez94/swapctl/internal/registry"
	"github.com/ggonzalez94/swapctl/internal/schema"
	"github.com/ggonzalez94/swapctl/internal/swap"
	"github.com/ggonzalez94/swapctl/internal/version"
	"github.com/ggonzalez94/swapctl/internal/wallet"
	"github.com/ggonzalez94/swapctl/internal/wallet/signer"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner       *Runner
	flags        config.GlobalFlags
	settings     config.Settings
	cache        *cache.Store
	root         *cobra.Command
	lastCommand  string
	lastWarnings []string

	log        *logrus.Logger
	http       *httpx.Client
	aggregator *aggregator.Client
	wallet     wallet.Wallet
	reader     *chainstate.Reader
	pending    *swap.PendingStore
}

// maxUint256 is the unlimited-approval value and the unlimited-allowance
// marker in read output.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	state.closeResources()
	if err == nil {
		return 0
	}

	state.renderError("", err, state.lastWarnings)
	return clierr.ExitCode(err)
}

func (s *runtimeState) closeResources() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.pending != nil {
		_ = s.pending.Close()
	}
	if s.wallet != nil {
		s.wallet.Close()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Approval-aware token swap CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			if s.log == nil {
				logger := logrus.New()
				logger.SetOutput(s.runner.stderr)
				logger.SetLevel(logrus.WarnLevel)
				if settings.Verbose {
					logger.SetLevel(logrus.DebugLevel)
				}
				s.log = logger
			}
			if s.aggregator == nil {
				s.http = httpx.New(settings.Timeout, settings.Retries)
				s.aggregator = aggregator.New(s.http, aggregator.Config{
					BaseURL:      settings.AggregatorBaseURL,
					APIKey:       settings.AggregatorAPIKey,
					FeeRecipient: settings.FeeRecipient,
					FeeBps:       settings.FeeBps,
				}, s.log)
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath, settings.MaxStale)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Upstream request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per upstream request")
	cmd.PersistentFlags().StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	cmd.PersistentFlags().StringVar(&s.flags.RPCURL, "rpc-url", "", "JSON-RPC endpoint override for the selected chain")
	cmd.PersistentFlags().BoolVar(&s.flags.Verbose, "verbose", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newChainsCommand())
	cmd.AddCommand(s.newQuoteCommand())
	cmd.AddCommand(s.newSwapCommand())
	cmd.AddCommand(s.newAllowanceCommand())
	cmd.AddCommand(s.newApproveCommand())
	cmd.AddCommand(s.newBalanceCommand())
	cmd.AddCommand(s.newTokenCommand())
	cmd.AddCommand(s.newPendingCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = strings.Join(args, " ")
			}
			data, err := schema.Build(s.root, path)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass())
		},
	}
	return cmd
}

func (s *runtimeState) newChainsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chains",
		Short: "List supported chains and their swap parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := registry.ChainIDs()
			infos := make([]model.ChainInfo, 0, len(ids))
			for _, chainID := range ids {
				meta, _ := registry.ChainMetadataByID(chainID)
				spender, _ := registry.DefaultSpender(chainID)
				rpcURL, _ := registry.DefaultRPCURL(chainID)
				infos = append(infos, model.ChainInfo{
					ChainID:        chainID,
					CAIP2:          fmt.Sprintf("eip155:%d", chainID),
					Name:           meta.Name,
					NativeSymbol:   meta.NativeSymbol,
					NativeDecimals: meta.NativeDecimals,
					ExplorerURL:    meta.ExplorerURL,
					DefaultSpender: spender,
					RPCURL:         rpcURL,
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), infos, nil, cacheMetaBypass())
		},
	}
	return cmd
}

// ensureWallet lazily constructs the RPC wallet. Key material is required
// even for reads so commands default the owner to the local account.
func (s *runtimeState) ensureWallet() (wallet.Wallet, error) {
	if s.wallet != nil {
		return s.wallet, nil
	}
	keySigner, err := signer.NewLocalSignerFromInputs(s.settings.KeySource, "")
	if err != nil {
		return nil, err
	}
	w, err := wallet.New(keySigner, wallet.Options{
		RPCURL:       s.settings.RPCURL,
		RPCOverrides: s.settings.RPCOverrides,
		Logger:       s.log,
	})
	if err != nil {
		return nil, err
	}
	s.wallet = w
	s.reader = chainstate.NewReader(w)
	return s.wallet, nil
}

func (s *runtimeState) ensureReader() (*chainstate.Reader, error) {
	if _, err := s.ensureWallet(); err != nil {
		return nil, err
	}
	return s.reader, nil
}

func (s *runtimeState) ensurePendingStore() (*swap.PendingStore, error) {
	if s.pending != nil {
		return s.pending, nil
	}
	store, err := swap.OpenPendingStore(s.settings.PendingStorePath, s.settings.PendingLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open pending-approval store", err)
	}
	s.pending = store
	return s.pending, nil
}

// newEngine builds a submission engine on the shared wallet and aggregator
// client. Callers pass their own approval options so approve --wait=false
// can shrink the polling window.
func (s *runtimeState) newEngine(opts swap.Options) (*swap.Engine, error) {
	w, err := s.ensureWallet()
	if err != nil {
		return nil, err
	}
	store, err := s.ensurePendingStore()
	if err != nil {
		return nil, err
	}
	return swap.NewEngine(w, s.reader, s.aggregator, store, opts, s.log), nil
}

func (s *runtimeState) approvalOptions() swap.Options {
	return swap.Options{
		PollInterval:    s.settings.ApprovalPollInterval,
		ApprovalTimeout: s.settings.ApprovalTimeout,
	}
}

type fetchFn func(ctx context.Context) (data any, warnings []string, err error)

func (s *runtimeState) runCachedCommand(commandPath, key string, ttl time.Duration, fetch fetchFn) error {
	s.resetCommandDiagnostics()
	cacheStatus := cacheMetaMiss()
	warnings := []string{}
	var staleData any
	staleAvailable := false
	staleObservedAge := time.Duration(0)
	staleObservedAt := time.Time{}
	staleCacheStatus := cacheMetaMiss()

	if s.settings.CacheEnabled && s.cache != nil {
		cached, err := s.cache.Get(key, s.settings.MaxStale)
		if err == nil && cached.Hit {
			entryStatus := model.CacheStatus{Status: "hit", AgeMS: cached.Age.Milliseconds(), Stale: cached.Stale}
			if !cached.Stale {
				var data any
				if err := json.Unmarshal(cached.Value, &data); err == nil {
					s.captureCommandDiagnostics(warnings)
					return s.emitSuccess(commandPath, data, warnings, entryStatus)
				}
			} else {
				var data any
				if err := json.Unmarshal(cached.Value, &data); err == nil {
					staleData = data
					staleAvailable = true
					staleObservedAge = cached.Age
					staleObservedAt = time.Now()
					staleCacheStatus = entryStatus
				}
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	data, fetchWarnings, err := fetch(ctx)
	warnings = append(warnings, fetchWarnings...)
	s.captureCommandDiagnostics(warnings)
	if err != nil {
		if staleAvailable {
			if !staleFallbackAllowed(err) {
				return err
			}
			currentStaleAge := staleObservedAge
			if !staleObservedAt.IsZero() {
				currentStaleAge += time.Since(staleObservedAt)
			}
			staleCacheStatus.AgeMS = currentStaleAge.Milliseconds()
			if staleExceedsBudget(currentStaleAge, ttl, s.settings.MaxStale) {
				return clierr.Wrap(clierr.CodeStale, "fresh fetch failed and cached data exceeded stale budget", err)
			}
			warnings = append(warnings, "fetch failed; serving stale data within max-stale budget")
			s.captureCommandDiagnostics(warnings)
			return s.emitSuccess(commandPath, staleData, warnings, staleCacheStatus)
		}
		return err
	}

	if s.settings.CacheEnabled && s.cache != nil {
		if payload, err := json.Marshal(data); err == nil {
			_ = s.cache.Set(key, payload, ttl)
			cacheStatus = model.CacheStatus{Status: "write", AgeMS: 0, Stale: false}
		}
	}

	s.captureCommandDiagnostics(warnings)
	return s.emitSuccess(commandPath, data, warnings, cacheStatus)
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Cache:     cacheStatus,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		typ = errorType(cErr.Code)
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Cache:     cacheMetaBypass(),
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func errorType(code clierr.Code) string {
	switch code {
	case clierr.CodeUsage:
		return "usage_error"
	case clierr.CodeAuth:
		return "auth_error"
	case clierr.CodeRateLimited:
		return "rate_limited"
	case clierr.CodeUnavailable:
		return "upstream_unavailable"
	case clierr.CodeUnsupported:
		return "unsupported"
	case clierr.CodeStale:
		return "stale_data"
	case clierr.CodeBlocked:
		return "command_blocked"
	case clierr.CodeSigner:
		return "signer_error"
	case clierr.CodeWallet:
		return "wallet_error"
	case clierr.CodeChainSwitch:
		return "chain_switch_error"
	case clierr.CodeSwapBuild:
		return "swap_build_error"
	case clierr.CodeApprovalPending:
		return "approval_pending"
	case clierr.CodeTxInvalid:
		return "tx_invalid"
	default:
		return "internal_error"
	}
}

func cacheKey(commandPath string, req any) string {
	buf, _ := json.Marshal(req)
	sum := sha256.Sum256(append([]byte(commandPath+"|"), buf...))
	return hex.EncodeToString(sum[:])
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass", AgeMS: 0, Stale: false}
}

func cacheMetaMiss() model.CacheStatus {
	return model.CacheStatus{Status: "miss", AgeMS: 0, Stale: false}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func staleExceedsBudget(age, ttl, maxStale time.Duration) bool {
	if age <= ttl {
		return false
	}
	if maxStale < 0 {
		return false
	}
	return age > ttl+maxStale
}

func staleFallbackAllowed(err error) bool {
	cErr, ok := clierr.As(err)
	if !ok {
		return false
	}
	return cErr.Code == clierr.CodeUnavailable || cErr.Code == clierr.CodeRateLimited
}

// shouldOpenCache gates the sqlite cache to commands that read upstream or
// chain state; metadata commands never touch it.
func shouldOpenCache(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "", "version", "schema", "chains", "pending", "pending list", "pending clear":
		return false
	default:
		return true
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
		return
	}
	s.lastWarnings = append([]string(nil), warnings...)
}
