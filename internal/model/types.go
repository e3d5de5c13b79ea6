package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string      `json:"request_id"`
	Timestamp time.Time   `json:"timestamp"`
	Command   string      `json:"command"`
	Cache     CacheStatus `json:"cache"`
	Partial   bool        `json:"partial"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

type AmountInfo struct {
	AmountBaseUnits string `json:"amount_base_units"`
	AmountDecimal   string `json:"amount_decimal"`
	Decimals        int    `json:"decimals"`
}

type AssetResolution struct {
	Input       string `json:"input"`
	ChainID     string `json:"chain_id"`
	Symbol      string `json:"symbol"`
	AssetID     string `json:"asset_id"`
	Address     string `json:"address"`
	Decimals    int    `json:"decimals"`
	ResolvedBy  string `json:"resolved_by"`
	Unambiguous bool   `json:"unambiguous"`
}

// TokenMetadata is the on-chain identity of an ERC-20 token (or the chain's
// native coin under its sentinel address).
type TokenMetadata struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
}

type SwapQuote struct {
	ChainID      string     `json:"chain_id"`
	FromAssetID  string     `json:"from_asset_id"`
	ToAssetID    string     `json:"to_asset_id"`
	InputAmount  AmountInfo `json:"input_amount"`
	EstimatedOut AmountInfo `json:"estimated_out"`
	SlippageBps  int        `json:"slippage_bps"`
	FetchedAt    string     `json:"fetched_at"`
}

// SwapSubmission is the terminal record of a swap submit run.
type SwapSubmission struct {
	ChainID        string      `json:"chain_id"`
	FromAssetID    string      `json:"from_asset_id"`
	ToAssetID      string      `json:"to_asset_id"`
	InputAmount    AmountInfo  `json:"input_amount"`
	EstimatedOut   *AmountInfo `json:"estimated_out,omitempty"`
	TxHash         string      `json:"tx_hash"`
	Spender        string      `json:"spender,omitempty"`
	Approved       bool        `json:"approved"`
	ApprovalTxHash string      `json:"approval_tx_hash,omitempty"`
	BuildAttempts  int         `json:"build_attempts"`
	ExplorerURL    string      `json:"explorer_url,omitempty"`
	SubmittedAt    string      `json:"submitted_at"`
}

// AllowanceStatus reports what a spender may currently move.
type AllowanceStatus struct {
	ChainID            string `json:"chain_id"`
	Owner              string `json:"owner"`
	Token              string `json:"token"`
	Spender            string `json:"spender"`
	AllowanceBaseUnits string `json:"allowance_base_units"`
	Unlimited          bool   `json:"unlimited"`
	FetchedAt          string `json:"fetched_at"`
}

// ApprovalReceipt is the result of an explicit approve run.
type ApprovalReceipt struct {
	ChainID     string `json:"chain_id"`
	Token       string `json:"token"`
	Spender     string `json:"spender"`
	State       string `json:"state"`
	TxHash      string `json:"tx_hash,omitempty"`
	SubmittedAt string `json:"submitted_at"`
}

type BalanceInfo struct {
	ChainID   string     `json:"chain_id"`
	Owner     string     `json:"owner"`
	AssetID   string     `json:"asset_id"`
	Symbol    string     `json:"symbol,omitempty"`
	Balance   AmountInfo `json:"balance"`
	FetchedAt string     `json:"fetched_at"`
}

type ChainInfo struct {
	ChainID        int64  `json:"chain_id"`
	CAIP2          string `json:"caip2"`
	Name           string `json:"name"`
	NativeSymbol   string `json:"native_symbol"`
	NativeDecimals int    `json:"native_decimals"`
	ExplorerURL    string `json:"explorer_url,omitempty"`
	DefaultSpender string `json:"default_spender,omitempty"`
	RPCURL         string `json:"rpc_url,omitempty"`
}

// PendingApprovalInfo is the CLI view of one pending-approval marker.
type PendingApprovalInfo struct {
	ChainID   int64  `json:"chain_id"`
	Owner     string `json:"owner"`
	Token     string `json:"token"`
	Spender   string `json:"spender"`
	TxHash    string `json:"tx_hash,omitempty"`
	CreatedAt string `json:"created_at"`
}
