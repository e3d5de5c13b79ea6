package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggonzalez94/swapctl/internal/httpx"
)

func newTestClient(t *testing.T, handler http.Handler, cfg Config) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cfg.BaseURL = server.URL
	return New(httpx.New(5*time.Second, 0), cfg, nil), server
}

func TestGetQuote(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/1/quote" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("amount"); got != "1000000" {
			t.Fatalf("unexpected amount: %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"dstAmount":"2500000000000000000"}`))
	}), Config{})

	quote, err := client.GetQuote(context.Background(), 1, "0xsrc", "0xdst", "1000000")
	if err != nil {
		t.Fatalf("GetQuote failed: %v", err)
	}
	if quote.DstAmount != "2500000000000000000" {
		t.Fatalf("unexpected dst amount: %s", quote.DstAmount)
	}
}

func TestBuildSwapSendsWorkflowParams(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("slippage"); got != "0.5" {
			t.Fatalf("expected slippage 0.5, got %s", got)
		}
		if got := q.Get("disableEstimate"); got != "true" {
			t.Fatalf("expected disableEstimate=true, got %s", got)
		}
		if got := q.Get("allowPartialFill"); got != "false" {
			t.Fatalf("expected allowPartialFill=false, got %s", got)
		}
		if got := q.Get("from"); got != "0x00000000000000000000000000000000000000aa" {
			t.Fatalf("unexpected from: %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"dstAmount": "42",
			"tx": map[string]any{
				"to":    "0x00000000000000000000000000000000000000bb",
				"data":  "0xdeadbeef",
				"value": "0",
				"gas":   float64(210000),
			},
		})
	}), Config{})

	build, err := client.BuildSwap(context.Background(), 1, "0x00000000000000000000000000000000000000aa", "0xsrc", "0xdst", "1000000", 50)
	if err != nil {
		t.Fatalf("BuildSwap failed: %v", err)
	}
	if build.DstAmount != "42" {
		t.Fatalf("unexpected dst amount: %s", build.DstAmount)
	}
	if build.Tx["to"] != "0x00000000000000000000000000000000000000bb" {
		t.Fatalf("unexpected tx target: %v", build.Tx["to"])
	}
}

func TestBuildSwapAuthorizationHeader(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("expected bearer auth, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"dstAmount":"1","tx":{}}`))
	}), Config{APIKey: "test-key"})

	if _, err := client.BuildSwap(context.Background(), 1, "0xaa", "0xsrc", "0xdst", "1", 50); err != nil {
		t.Fatalf("BuildSwap failed: %v", err)
	}
}

func TestFeeParamsCapped(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("referrer"); got != "0x00000000000000000000000000000000000000fe" {
			t.Fatalf("unexpected referrer: %s", got)
		}
		if got := q.Get("fee"); got != "3" {
			t.Fatalf("expected fee capped at 3, got %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"dstAmount":"1"}`))
	}), Config{FeeRecipient: "0x00000000000000000000000000000000000000fe", FeeBps: 500})

	if _, err := client.GetQuote(context.Background(), 1, "0xsrc", "0xdst", "1"); err != nil {
		t.Fatalf("GetQuote failed: %v", err)
	}
}

func TestClassifyAllowanceShortfall(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Bad Request","description":"Not Enough Allowance. Approve 0x111111125421cA6dc452d289314280a0F8842A65 first"}`))
	}), Config{})

	_, err := client.BuildSwap(context.Background(), 1, "0xaa", "0xsrc", "0xdst", "1", 50)
	if err == nil {
		t.Fatal("expected upstream error")
	}
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %T", err)
	}
	if !upstream.AllowanceShortfall {
		t.Fatal("expected allowance shortfall classification")
	}
	if upstream.SpenderHint != "0x111111125421cA6dc452d289314280a0F8842A65" {
		t.Fatalf("unexpected spender hint: %s", upstream.SpenderHint)
	}
}

func TestClassifyExplicitSpenderField(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Not enough allowance","spender":"0x00000000000000000000000000000000000000e1"}`))
	}), Config{})

	_, err := client.BuildSwap(context.Background(), 1, "0xaa", "0xsrc", "0xdst", "1", 50)
	if err == nil {
		t.Fatal("expected upstream error")
	}
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %T", err)
	}
	if !upstream.AllowanceShortfall {
		t.Fatal("expected allowance shortfall classification")
	}
	if upstream.Spender != "0x00000000000000000000000000000000000000e1" {
		t.Fatalf("explicit spender field lost: %q", upstream.Spender)
	}
	if upstream.SpenderHint != "" {
		t.Fatalf("no address in the failure text, got hint %q", upstream.SpenderHint)
	}
}

func TestClassifyNestedSpenderField(t *testing.T) {
	out := classifyFailure(http.StatusBadRequest, []byte(`{"error":{"message":"Not enough allowance","allowanceTarget":"0x00000000000000000000000000000000000000e2"}}`))
	if out.Spender != "0x00000000000000000000000000000000000000e2" {
		t.Fatalf("nested allowance target lost: %q", out.Spender)
	}
	if !out.AllowanceShortfall {
		t.Fatal("expected allowance shortfall classification")
	}
}

func TestClassifyNestedDescription(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"data":{"description":"insufficient liquidity"}}`))
	}), Config{})

	_, err := client.GetQuote(context.Background(), 1, "0xsrc", "0xdst", "1")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Description != "insufficient liquidity" {
		t.Fatalf("unexpected description: %q", upstream.Description)
	}
	if upstream.AllowanceShortfall {
		t.Fatal("liquidity failure misclassified as shortfall")
	}
}

func TestClassifyNonJSONBody(t *testing.T) {
	long := strings.Repeat("upstream exploded ", 30)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(long))
	}), Config{})

	_, err := client.GetQuote(context.Background(), 1, "0xsrc", "0xdst", "1")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Status != http.StatusBadGateway {
		t.Fatalf("unexpected status: %d", upstream.Status)
	}
	if len(upstream.Raw) != 200 {
		t.Fatalf("expected raw excerpt truncated to 200 bytes, got %d", len(upstream.Raw))
	}
}

func TestSpenderCachedPerChain(t *testing.T) {
	var hits int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"address":"0x111111125421cA6dc452d289314280a0F8842A65"}`))
	}), Config{})

	for i := 0; i < 3; i++ {
		spender, err := client.Spender(context.Background(), 1)
		if err != nil {
			t.Fatalf("Spender failed: %v", err)
		}
		if spender != "0x111111125421cA6dc452d289314280a0F8842A65" {
			t.Fatalf("unexpected spender: %s", spender)
		}
	}
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Fatalf("expected one upstream fetch, got %d", got)
	}

	if _, ok := client.CachedSpender(1); !ok {
		t.Fatal("expected cached spender for chain 1")
	}
	if _, ok := client.CachedSpender(137); ok {
		t.Fatal("did not expect cached spender for chain 137")
	}
}

func TestTokens(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/8453/tokens" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tokens":{"0x00000000000000000000000000000000000000bb":{"symbol":"USDC","name":"USD Coin","decimals":6}}}`))
	}), Config{})

	tokens, err := client.Tokens(context.Background(), 8453)
	if err != nil {
		t.Fatalf("Tokens failed: %v", err)
	}
	if len(tokens) != 1 {
		t.Fatalf("expected one token, got %d", len(tokens))
	}
	if tokens[0].Symbol != "USDC" || tokens[0].Address != "0x00000000000000000000000000000000000000bb" {
		t.Fatalf("unexpected token: %+v", tokens[0])
	}
}
