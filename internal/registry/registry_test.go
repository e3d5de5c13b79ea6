package registry

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func TestIsNativeToken(t *testing.T) {
	if !IsNativeToken(NativeTokenAddress) {
		t.Fatal("expected native sentinel to be native")
	}
	if !IsNativeToken("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE") {
		t.Fatal("expected mixed-case native sentinel to be native")
	}
	if !IsNativeToken(ZeroAddress) {
		t.Fatal("expected zero address to be native")
	}
	if !IsNativeToken("") {
		t.Fatal("expected empty address to be native")
	}
	if IsNativeToken("0xdAC17F958D2ee523a2206206994597C13D831ec7") {
		t.Fatal("did not expect a token contract to be native")
	}
}

func TestDefaultSpender(t *testing.T) {
	cases := []int64{1, 56, 137, 8453, 42161}
	for _, chainID := range cases {
		spender, ok := DefaultSpender(chainID)
		if !ok || spender == "" {
			t.Fatalf("expected default spender for chain %d", chainID)
		}
	}
	if _, ok := DefaultSpender(999999); ok {
		t.Fatal("did not expect default spender for unsupported chain")
	}
}

func TestChainMetadataByID(t *testing.T) {
	meta, ok := ChainMetadataByID(56)
	if !ok {
		t.Fatal("expected bsc chain metadata")
	}
	if meta.Name == "" || meta.NativeSymbol != "BNB" || meta.NativeDecimals != 18 || meta.ExplorerURL == "" {
		t.Fatalf("unexpected bsc metadata: %+v", meta)
	}
	if _, ok := ChainMetadataByID(999999); ok {
		t.Fatal("did not expect metadata for unsupported chain")
	}
}

func TestABIConstantsParse(t *testing.T) {
	abis := []string{
		ERC20MinimalABI,
		ERC20MetadataABI,
	}
	for _, raw := range abis {
		if _, err := abi.JSON(strings.NewReader(raw)); err != nil {
			t.Fatalf("failed to parse abi json: %v", err)
		}
	}
}

func TestDefaultRPCURL(t *testing.T) {
	if rpc, ok := DefaultRPCURL(1); !ok || rpc == "" {
		t.Fatalf("expected ethereum rpc default, got ok=%v rpc=%q", ok, rpc)
	}
	if rpc, ok := DefaultRPCURL(56); !ok || rpc == "" {
		t.Fatalf("expected bsc rpc default, got ok=%v rpc=%q", ok, rpc)
	}
	if _, ok := DefaultRPCURL(999999); ok {
		t.Fatal("did not expect rpc default for unsupported chain")
	}
}

func TestRPCDefaultsCoverEveryRegisteredChain(t *testing.T) {
	for _, chainID := range ChainIDs() {
		if _, ok := DefaultRPCURL(chainID); !ok {
			t.Errorf("chain %d has metadata but no rpc default", chainID)
		}
	}
	for chainID := range defaultRPCByChainID {
		if _, ok := ChainMetadataByID(chainID); !ok {
			t.Errorf("chain %d has an rpc default but no metadata", chainID)
		}
	}
}

func TestResolveRPCURL(t *testing.T) {
	override, err := ResolveRPCURL(" https://rpc.example.test ", 1)
	if err != nil {
		t.Fatalf("resolve with override: %v", err)
	}
	if override != "https://rpc.example.test" {
		t.Fatalf("unexpected override value: %q", override)
	}

	defaultRPC, err := ResolveRPCURL("", 1)
	if err != nil {
		t.Fatalf("resolve with default: %v", err)
	}
	if defaultRPC == "" {
		t.Fatal("expected non-empty default rpc")
	}

	if _, err := ResolveRPCURL("", 999999); err == nil {
		t.Fatal("expected missing chain default rpc error")
	}
}

func TestIsAllowedAggregatorURL(t *testing.T) {
	if !IsAllowedAggregatorURL("") {
		t.Fatal("expected empty override to be allowed")
	}
	if !IsAllowedAggregatorURL(AggregatorBaseURL) {
		t.Fatal("expected the default aggregator url to be allowed")
	}
	if !IsAllowedAggregatorURL("https://swap-proxy.internal.example") {
		t.Fatal("expected https override to be allowed")
	}
	if !IsAllowedAggregatorURL("http://127.0.0.1:8080/swap") {
		t.Fatal("expected loopback http override to be allowed")
	}
	if !IsAllowedAggregatorURL("http://localhost:3000/api") {
		t.Fatal("expected localhost override to be allowed")
	}
	if IsAllowedAggregatorURL("http://swap-proxy.example") {
		t.Fatal("did not expect plain http on a public host to be allowed")
	}
	if IsAllowedAggregatorURL("not-a-url") {
		t.Fatal("did not expect malformed override to be allowed")
	}
}
