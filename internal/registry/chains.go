package registry

import (
	"sort"
	"strings"
)

// Sentinel addresses used by aggregator-style APIs to represent a chain's
// native coin inside an ERC-20-shaped token field.
const (
	NativeTokenAddress = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	ZeroAddress        = "0x0000000000000000000000000000000000000000"

	NativeTokenDecimals = 18
)

func IsNativeToken(address string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(address))
	return trimmed == "" || trimmed == ZeroAddress || trimmed == NativeTokenAddress
}

// Canonical aggregation router (the allowance target for swaps) by chain ID.
// Used as the last resort when spender resolution finds nothing better.
var defaultSpenderByChainID = map[int64]string{
	1:      "0x111111125421cA6dc452d289314280a0F8842A65",
	10:     "0x111111125421cA6dc452d289314280a0F8842A65",
	56:     "0x111111125421cA6dc452d289314280a0F8842A65",
	100:    "0x111111125421cA6dc452d289314280a0F8842A65",
	137:    "0x111111125421cA6dc452d289314280a0F8842A65",
	324:    "0x6fd4383cB451173D5f9304F041C7BCBf27d561fF",
	8453:   "0x111111125421cA6dc452d289314280a0F8842A65",
	42161:  "0x111111125421cA6dc452d289314280a0F8842A65",
	43114:  "0x111111125421cA6dc452d289314280a0F8842A65",
	59144:  "0x111111125421cA6dc452d289314280a0F8842A65",
	534352: "0x111111125421cA6dc452d289314280a0F8842A65",
}

func DefaultSpender(chainID int64) (string, bool) {
	value, ok := defaultSpenderByChainID[chainID]
	return value, ok
}

// ChainMetadata carries the parameters a wallet needs to register a chain it
// does not know yet: display name, native currency, and a block explorer.
type ChainMetadata struct {
	Name           string
	NativeSymbol   string
	NativeDecimals int
	ExplorerURL    string
}

var chainMetadataByID = map[int64]ChainMetadata{
	1:      {Name: "Ethereum Mainnet", NativeSymbol: "ETH", NativeDecimals: 18, ExplorerURL: "https://etherscan.io"},
	10:     {Name: "OP Mainnet", NativeSymbol: "ETH", NativeDecimals: 18, ExplorerURL: "https://optimistic.etherscan.io"},
	56:     {Name: "BNB Smart Chain", NativeSymbol: "BNB", NativeDecimals: 18, ExplorerURL: "https://bscscan.com"},
	100:    {Name: "Gnosis", NativeSymbol: "XDAI", NativeDecimals: 18, ExplorerURL: "https://gnosisscan.io"},
	137:    {Name: "Polygon", NativeSymbol: "POL", NativeDecimals: 18, ExplorerURL: "https://polygonscan.com"},
	324:    {Name: "zkSync Era", NativeSymbol: "ETH", NativeDecimals: 18, ExplorerURL: "https://era.zksync.network"},
	8453:   {Name: "Base", NativeSymbol: "ETH", NativeDecimals: 18, ExplorerURL: "https://basescan.org"},
	42161:  {Name: "Arbitrum One", NativeSymbol: "ETH", NativeDecimals: 18, ExplorerURL: "https://arbiscan.io"},
	43114:  {Name: "Avalanche C-Chain", NativeSymbol: "AVAX", NativeDecimals: 18, ExplorerURL: "https://snowtrace.io"},
	59144:  {Name: "Linea", NativeSymbol: "ETH", NativeDecimals: 18, ExplorerURL: "https://lineascan.build"},
	534352: {Name: "Scroll", NativeSymbol: "ETH", NativeDecimals: 18, ExplorerURL: "https://scrollscan.com"},
}

// ChainIDs lists every chain the registry knows, ascending.
func ChainIDs() []int64 {
	ids := make([]int64, 0, len(chainMetadataByID))
	for chainID := range chainMetadataByID {
		ids = append(ids, chainID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func ChainMetadataByID(chainID int64) (ChainMetadata, bool) {
	value, ok := chainMetadataByID[chainID]
	return value, ok
}
