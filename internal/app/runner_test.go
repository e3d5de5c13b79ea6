package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	clierr "github.com/ggonzalez94/swapctl/internal/errors"
)

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("swapctl swap submit"); got != "swap submit" {
		t.Fatalf("unexpected trim result: %s", got)
	}
}

func TestErrorTypeMapping(t *testing.T) {
	cases := map[clierr.Code]string{
		clierr.CodeUsage:           "usage_error",
		clierr.CodeAuth:            "auth_error",
		clierr.CodeRateLimited:     "rate_limited",
		clierr.CodeUnavailable:     "upstream_unavailable",
		clierr.CodeBlocked:         "command_blocked",
		clierr.CodeSigner:          "signer_error",
		clierr.CodeWallet:          "wallet_error",
		clierr.CodeChainSwitch:     "chain_switch_error",
		clierr.CodeSwapBuild:       "swap_build_error",
		clierr.CodeApprovalPending: "approval_pending",
		clierr.CodeTxInvalid:       "tx_invalid",
		clierr.CodeInternal:        "internal_error",
	}
	for code, want := range cases {
		if got := errorType(code); got != want {
			t.Fatalf("errorType(%d) = %s, want %s", int(code), got, want)
		}
	}
}

func isolateConfig(t *testing.T) {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	t.Setenv("XDG_CACHE_HOME", tmp)
	t.Setenv("HOME", tmp)
}

func TestRunnerChainsList(t *testing.T) {
	isolateConfig(t)
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"chains", "--results-only"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var chains []map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &chains); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout.String())
	}
	if len(chains) == 0 {
		t.Fatal("expected chains output, got empty")
	}
	var mainnet map[string]any
	for _, entry := range chains {
		if entry["chain_id"] == float64(1) {
			mainnet = entry
		}
	}
	if mainnet == nil {
		t.Fatalf("expected chain 1 in output, got %v", chains)
	}
	if mainnet["name"] != "Ethereum Mainnet" || mainnet["native_symbol"] != "ETH" {
		t.Fatalf("unexpected mainnet metadata: %v", mainnet)
	}
	if spender, _ := mainnet["default_spender"].(string); !strings.HasPrefix(spender, "0x") {
		t.Fatalf("expected default spender address, got %v", mainnet["default_spender"])
	}
}

func TestRunnerErrorEnvelopeIgnoresResultsOnly(t *testing.T) {
	isolateConfig(t)
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"chains", "--enable-commands", "quote", "--results-only"})
	if code != int(clierr.CodeBlocked) {
		t.Fatalf("expected exit %d, got %d stderr=%s", int(clierr.CodeBlocked), code, stderr.String())
	}
	var env map[string]any
	if err := json.Unmarshal(stderr.Bytes(), &env); err != nil {
		t.Fatalf("failed to parse error envelope: %v output=%s", err, stderr.String())
	}
	if env["success"] != false {
		t.Fatalf("expected success=false, got %v", env["success"])
	}
	errBody, _ := env["error"].(map[string]any)
	if errBody == nil || errBody["type"] != "command_blocked" {
		t.Fatalf("expected command_blocked error type, got %v", env["error"])
	}
}

func TestRunnerUnknownCommandIsUsageError(t *testing.T) {
	isolateConfig(t)
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"definitely-not-a-command"})
	if code != int(clierr.CodeUsage) {
		t.Fatalf("expected usage exit code, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerQuoteCachesSecondCall(t *testing.T) {
	isolateConfig(t)
	upstreamHits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits++
		if !strings.HasSuffix(r.URL.Path, "/1/quote") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("src"); !strings.EqualFold(got, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48") {
			t.Errorf("unexpected src param: %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"dstAmount":"2000000000000000000"}`))
	}))
	defer server.Close()
	t.Setenv("SWAPCTL_AGGREGATOR_URL", server.URL)

	args := []string{
		"quote",
		"--chain", "ethereum",
		"--from-asset", "USDC",
		"--to-asset", "WETH",
		"--amount-decimal", "2000",
		"--results-only",
	}

	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	if code := r.Run(args); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var quote map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &quote); err != nil {
		t.Fatalf("failed to parse quote output: %v output=%s", err, stdout.String())
	}
	estimated, _ := quote["estimated_out"].(map[string]any)
	if estimated == nil || estimated["amount_base_units"] != "2000000000000000000" {
		t.Fatalf("unexpected estimated_out: %v", quote["estimated_out"])
	}
	if estimated["amount_decimal"] != "2" {
		t.Fatalf("expected decimal estimate 2, got %v", estimated["amount_decimal"])
	}
	input, _ := quote["input_amount"].(map[string]any)
	if input == nil || input["amount_base_units"] != "2000000000" {
		t.Fatalf("unexpected input_amount: %v", quote["input_amount"])
	}

	var stdout2, stderr2 bytes.Buffer
	r2 := NewRunnerWithWriters(&stdout2, &stderr2)
	if code := r2.Run(args); code != 0 {
		t.Fatalf("expected cached exit 0, got %d stderr=%s", code, stderr2.String())
	}
	if upstreamHits != 1 {
		t.Fatalf("expected cache to absorb the second call, upstream hits=%d", upstreamHits)
	}
}

func TestRunnerQuoteUpstreamFailureMapsExitCode(t *testing.T) {
	isolateConfig(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"description":"insufficient liquidity"}`))
	}))
	defer server.Close()
	t.Setenv("SWAPCTL_AGGREGATOR_URL", server.URL)

	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{
		"quote",
		"--chain", "ethereum",
		"--from-asset", "USDC",
		"--to-asset", "WETH",
		"--amount-decimal", "5",
		"--no-cache",
	})
	if code != int(clierr.CodeUsage) {
		t.Fatalf("expected usage exit for aggregator 400, got %d stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "insufficient liquidity") {
		t.Fatalf("expected upstream description in error output, got %s", stderr.String())
	}
}

func TestRunnerPendingListEmpty(t *testing.T) {
	isolateConfig(t)
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"pending", "list", "--results-only"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "[]" {
		t.Fatalf("expected empty marker list, got %q", got)
	}
}

func TestRunnerVersion(t *testing.T) {
	isolateConfig(t)
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	if code := r.Run([]string{"version"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) == "" {
		t.Fatal("expected version output")
	}
}
