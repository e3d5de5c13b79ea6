// Package policy enforces the --enable-commands allowlist. An empty list
// allows everything; otherwise a command runs only when the allowlist names
// it or one of its ancestors, so "swap" covers "swap submit" and "pending"
// covers both list and clear.
package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/swapctl/internal/errors"
)

func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	path := strings.Fields(strings.ToLower(strings.TrimSpace(commandPath)))
	for _, allowed := range allowlist {
		if covers(strings.Fields(strings.ToLower(strings.TrimSpace(allowed))), path) {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// covers reports whether the allowed tokens name the command or an ancestor
// of it. Matching is per token, so "swap" does not cover "swaps".
func covers(allowed, path []string) bool {
	if len(allowed) == 0 || len(allowed) > len(path) {
		return false
	}
	for i, token := range allowed {
		if path[i] != token {
			return false
		}
	}
	return true
}
