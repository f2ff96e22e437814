// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go - cold-path diagnostics for the AD engine
//
// Purpose:
//   - Reports rejected tapes, cache failures and worker faults to stderr.
//   - Used only outside evaluation: compile, cache load/save, dispatcher setup.
//
// Notes:
//   - Avoids fmt.Sprintf; messages are built by plain concatenation.
//
// ⚠️ Never invoke from replay or merge loops.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import "github.com/stanle/madopt/utils"

// DropError logs prefix and err on one line. A nil err logs the prefix alone.
//
//go:nosplit
//go:inline
//go:registerparams
func DropError(prefix string, err error) {
	if err != nil {
		utils.PrintWarning(prefix + ": " + err.Error() + "\n")
		return
	}
	utils.PrintWarning(prefix + "\n")
}

// DropMessage logs a prefixed diagnostic line.
//
//go:nosplit
//go:inline
//go:registerparams
func DropMessage(prefix, message string) {
	utils.PrintWarning(prefix + ": " + message + "\n")
}

// DropCount logs a prefixed counter, e.g. "pool: grew by 128".
//
//go:nosplit
//go:inline
//go:registerparams
func DropCount(prefix, label string, n int) {
	utils.PrintWarning(prefix + ": " + label + " " + utils.Itoa(n) + "\n")
}
