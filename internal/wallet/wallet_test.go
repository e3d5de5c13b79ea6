package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/ggonzalez94/swapctl/internal/errors"
	"github.com/ggonzalez94/swapctl/internal/wallet/signer"
)

const testPrivateKeyHex = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

type walletRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type walletRPCServer struct {
	*httptest.Server

	mu       sync.Mutex
	chainID  string
	rawTxs   []string
	tipError bool
}

func newWalletRPCServer(t *testing.T, chainID string) *walletRPCServer {
	t.Helper()
	srv := &walletRPCServer{chainID: chainID}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req walletRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		srv.mu.Lock()
		defer srv.mu.Unlock()
		switch req.Method {
		case "eth_chainId":
			writeWalletRPCResult(t, w, req.ID, srv.chainID)
		case "eth_getTransactionCount":
			writeWalletRPCResult(t, w, req.ID, "0x7")
		case "eth_estimateGas":
			writeWalletRPCResult(t, w, req.ID, "0x5208")
		case "eth_maxPriorityFeePerGas":
			if srv.tipError {
				writeWalletRPCError(w, req.ID, -32601, "method not found")
				return
			}
			writeWalletRPCResult(t, w, req.ID, "0x3b9aca00")
		case "eth_getBlockByNumber":
			writeWalletRPCResult(t, w, req.ID, fakeHeaderJSON("0x3b9aca00"))
		case "eth_getBalance":
			writeWalletRPCResult(t, w, req.ID, "0xde0b6b3a7640000")
		case "eth_call":
			writeWalletRPCResult(t, w, req.ID, "0x0000000000000000000000000000000000000000000000000000000000000012")
		case "eth_sendRawTransaction":
			var raw string
			if len(req.Params) > 0 {
				_ = json.Unmarshal(req.Params[0], &raw)
			}
			srv.rawTxs = append(srv.rawTxs, raw)
			writeWalletRPCResult(t, w, req.ID, "0x"+strings.Repeat("ab", 32))
		default:
			writeWalletRPCError(w, req.ID, -32601, fmt.Sprintf("method not supported in test: %s", req.Method))
		}
	}))
	return srv
}

func (s *walletRPCServer) sentTransactions() []*types.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Transaction
	for _, raw := range s.rawTxs {
		buf, err := decodeHex(raw)
		if err != nil {
			continue
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(buf); err != nil {
			continue
		}
		out = append(out, tx)
	}
	return out
}

func newTestWallet(t *testing.T, rpcURL string) *RPCWallet {
	t.Helper()
	t.Setenv(signer.EnvPrivateKey, testPrivateKeyHex)
	txSigner, err := signer.NewLocalSignerFromEnv(signer.KeySourceEnv)
	if err != nil {
		t.Fatalf("build signer: %v", err)
	}
	w, err := New(txSigner, Options{RPCURL: rpcURL})
	if err != nil {
		t.Fatalf("build wallet: %v", err)
	}
	return w
}

func TestEnsureChainVerifiesChainID(t *testing.T) {
	rpc := newWalletRPCServer(t, "0x1")
	defer rpc.Close()

	w := newTestWallet(t, rpc.URL)
	defer w.Close()

	if err := w.EnsureChain(context.Background(), 1); err != nil {
		t.Fatalf("EnsureChain failed: %v", err)
	}
	if got := w.ChainID(); got != 1 {
		t.Fatalf("expected chain id 1, got %d", got)
	}
	// Rebinding to the same chain is a no-op.
	if err := w.EnsureChain(context.Background(), 1); err != nil {
		t.Fatalf("EnsureChain repeat failed: %v", err)
	}
}

func TestEnsureChainRejectsMismatchedEndpoint(t *testing.T) {
	rpc := newWalletRPCServer(t, "0x89")
	defer rpc.Close()

	w := newTestWallet(t, rpc.URL)
	defer w.Close()

	err := w.EnsureChain(context.Background(), 1)
	if err == nil {
		t.Fatal("expected chain mismatch error")
	}
	cliError, ok := clierr.As(err)
	if !ok || cliError.Code != clierr.CodeChainSwitch {
		t.Fatalf("expected chain_switch error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Ethereum Mainnet") {
		t.Fatalf("expected chain name in error, got %v", err)
	}
}

func TestSendTransactionBuildsDynamicFeeTx(t *testing.T) {
	rpc := newWalletRPCServer(t, "0x1")
	defer rpc.Close()

	w := newTestWallet(t, rpc.URL)
	defer w.Close()
	if err := w.EnsureChain(context.Background(), 1); err != nil {
		t.Fatalf("EnsureChain failed: %v", err)
	}

	hash, err := w.SendTransaction(context.Background(), TxRequest{
		To:    "0x00000000000000000000000000000000000000bb",
		Data:  "0x",
		Value: "0xde0b6b3a7640000",
	})
	if err != nil {
		t.Fatalf("SendTransaction failed: %v", err)
	}
	if hash == (common.Hash{}) {
		t.Fatal("expected non-zero transaction hash")
	}

	sent := rpc.sentTransactions()
	if len(sent) != 1 {
		t.Fatalf("expected one broadcast transaction, got %d", len(sent))
	}
	tx := sent[0]
	if tx.Type() != types.DynamicFeeTxType {
		t.Fatalf("expected dynamic-fee tx, got type %d", tx.Type())
	}
	if tx.Nonce() != 7 {
		t.Fatalf("expected nonce 7, got %d", tx.Nonce())
	}
	// Estimate 21000 padded by the default 1.2 multiplier.
	if tx.Gas() != 25200 {
		t.Fatalf("expected gas limit 25200, got %d", tx.Gas())
	}
	if tx.GasTipCap().Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("expected suggested tip 1 gwei, got %s", tx.GasTipCap())
	}
	// feeCap = 2*baseFee + tip = 2 gwei + 1 gwei.
	if tx.GasFeeCap().Cmp(big.NewInt(3_000_000_000)) != 0 {
		t.Fatalf("expected fee cap 3 gwei, got %s", tx.GasFeeCap())
	}
	oneEther, _ := new(big.Int).SetString("1000000000000000000", 10)
	if tx.Value().Cmp(oneEther) != 0 {
		t.Fatalf("expected value 1 ether, got %s", tx.Value())
	}
}

func TestSendTransactionHonorsExplicitGasPrice(t *testing.T) {
	rpc := newWalletRPCServer(t, "0x1")
	defer rpc.Close()

	w := newTestWallet(t, rpc.URL)
	defer w.Close()
	if err := w.EnsureChain(context.Background(), 1); err != nil {
		t.Fatalf("EnsureChain failed: %v", err)
	}

	if _, err := w.SendTransaction(context.Background(), TxRequest{
		To:       "0x00000000000000000000000000000000000000bb",
		Gas:      "0x186a0",
		GasPrice: "0x77359400",
	}); err != nil {
		t.Fatalf("SendTransaction failed: %v", err)
	}

	sent := rpc.sentTransactions()
	if len(sent) != 1 {
		t.Fatalf("expected one broadcast transaction, got %d", len(sent))
	}
	tx := sent[0]
	if tx.Type() != types.LegacyTxType {
		t.Fatalf("expected legacy tx for explicit gasPrice, got type %d", tx.Type())
	}
	if tx.Gas() != 100000 {
		t.Fatalf("expected explicit gas 100000, got %d", tx.Gas())
	}
	if tx.GasPrice().Cmp(big.NewInt(2_000_000_000)) != 0 {
		t.Fatalf("expected gas price 2 gwei, got %s", tx.GasPrice())
	}
}

func TestSendTransactionTipFallback(t *testing.T) {
	rpc := newWalletRPCServer(t, "0x1")
	rpc.tipError = true
	defer rpc.Close()

	w := newTestWallet(t, rpc.URL)
	defer w.Close()
	if err := w.EnsureChain(context.Background(), 1); err != nil {
		t.Fatalf("EnsureChain failed: %v", err)
	}

	if _, err := w.SendTransaction(context.Background(), TxRequest{
		To:   "0x00000000000000000000000000000000000000bb",
		Data: "0x",
	}); err != nil {
		t.Fatalf("SendTransaction failed: %v", err)
	}

	sent := rpc.sentTransactions()
	if len(sent) != 1 {
		t.Fatalf("expected one broadcast transaction, got %d", len(sent))
	}
	if got := sent[0].GasTipCap(); got.Cmp(big.NewInt(2_000_000_000)) != 0 {
		t.Fatalf("expected 2 gwei fallback tip, got %s", got)
	}
}

func TestSendTransactionRejectsInvalidTarget(t *testing.T) {
	rpc := newWalletRPCServer(t, "0x1")
	defer rpc.Close()

	w := newTestWallet(t, rpc.URL)
	defer w.Close()
	if err := w.EnsureChain(context.Background(), 1); err != nil {
		t.Fatalf("EnsureChain failed: %v", err)
	}

	_, err := w.SendTransaction(context.Background(), TxRequest{To: "not-an-address"})
	if err == nil {
		t.Fatal("expected invalid target error")
	}
	cliError, ok := clierr.As(err)
	if !ok || cliError.Code != clierr.CodeTxInvalid {
		t.Fatalf("expected tx_invalid error, got %v", err)
	}
}

func TestBalanceAt(t *testing.T) {
	rpc := newWalletRPCServer(t, "0x1")
	defer rpc.Close()

	w := newTestWallet(t, rpc.URL)
	defer w.Close()
	if err := w.EnsureChain(context.Background(), 1); err != nil {
		t.Fatalf("EnsureChain failed: %v", err)
	}

	balance, err := w.BalanceAt(context.Background(), w.Address())
	if err != nil {
		t.Fatalf("BalanceAt failed: %v", err)
	}
	oneEther, _ := new(big.Int).SetString("1000000000000000000", 10)
	if balance.Cmp(oneEther) != 0 {
		t.Fatalf("expected 1 ether, got %s", balance)
	}
}

func TestDecodeQuantity(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "0", true},
		{"0x0", "0", true},
		{"0xde0b6b3a7640000", "1000000000000000000", true},
		{"1000000000000000000", "1000000000000000000", true},
		{"0xzz", "", false},
		{"abc", "", false},
	}
	for _, tc := range cases {
		got, err := decodeQuantity(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("decodeQuantity(%q) error = %v, wanted ok=%v", tc.in, err, tc.ok)
		}
		if err == nil && got.String() != tc.want {
			t.Fatalf("decodeQuantity(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func writeWalletRPCResult(t *testing.T, w http.ResponseWriter, id json.RawMessage, result any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      decodeWalletRPCID(id),
		"result":  result,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatalf("encode rpc result: %v", err)
	}
}

func writeWalletRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      decodeWalletRPCID(id),
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func decodeWalletRPCID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return 1
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return 1
	}
	return out
}

// fakeHeaderJSON produces a header complete enough for ethclient to decode.
func fakeHeaderJSON(baseFee string) map[string]any {
	zeroHash := "0x" + strings.Repeat("00", 32)
	return map[string]any{
		"parentHash":       zeroHash,
		"sha3Uncles":       "0x1dcc4de8dec75d7aab85b567b6ccd41ad312451b948a7413f0a142fd40d49347",
		"miner":            "0x0000000000000000000000000000000000000000",
		"stateRoot":        zeroHash,
		"transactionsRoot": zeroHash,
		"receiptsRoot":     zeroHash,
		"logsBloom":        "0x" + strings.Repeat("00", 256),
		"difficulty":       "0x0",
		"number":           "0x1",
		"gasLimit":         "0x1c9c380",
		"gasUsed":          "0x0",
		"timestamp":        "0x0",
		"extraData":        "0x",
		"mixHash":          zeroHash,
		"nonce":            "0x0000000000000000",
		"baseFeePerGas":    baseFee,
		"hash":             zeroHash,
	}
}
