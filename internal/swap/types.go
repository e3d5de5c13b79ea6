package swap

// Request describes one swap submission: sell AmountText of Src for Dst on
// ChainID, tolerating SlippageBps of price movement.
type Request struct {
	ChainID     int64
	Src         string
	Dst         string
	AmountText  string
	SlippageBps int
}

// ApprovalState describes how EnsureAllowance left the allowance.
type ApprovalState string

const (
	// ApprovalSatisfied means the existing allowance already covered the
	// requirement; no transaction was sent.
	ApprovalSatisfied ApprovalState = "satisfied"
	// ApprovalConfirmed means an approval was sent and observed sufficient
	// within the polling window.
	ApprovalConfirmed ApprovalState = "confirmed"
	// ApprovalPending means an approval was sent but the window elapsed
	// before the allowance reflected it. It may still confirm later.
	ApprovalPending ApprovalState = "pending"
)

// ApprovalOutcome reports the state and, when a transaction was sent, its
// hash.
type ApprovalOutcome struct {
	State  ApprovalState `json:"state"`
	TxHash string        `json:"tx_hash,omitempty"`
}

// Submission is the result of a completed Submit call.
type Submission struct {
	TxHash          string `json:"tx_hash"`
	ChainID         int64  `json:"chain_id"`
	Src             string `json:"src"`
	Dst             string `json:"dst"`
	AmountBaseUnits string `json:"amount_base_units"`
	DstAmount       string `json:"dst_amount,omitempty"`
	Spender         string `json:"spender,omitempty"`
	Approved        bool   `json:"approved"`
	ApprovalTxHash  string `json:"approval_tx_hash,omitempty"`
	BuildAttempts   int    `json:"build_attempts"`
}
