package objectdb

import "go.uber.org/zap"

// logger is the package-level structured logger. It defaults to a no-op
// logger so the library is silent unless a caller opts in, matching the
// teacher's own near-silence (a single log.Printf on a range-scan error).
var logger = zap.NewNop()

// SetLogger installs l as the package-level logger used for watchdog
// timeouts, commit conflicts, combined-commit failures and upgrade steps.
// Passing nil restores the no-op logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		logger = zap.NewNop()
		return
	}
	logger = l
}
