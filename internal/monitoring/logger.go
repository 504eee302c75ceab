// Package monitoring holds the process-wide diagnostic logger used by every
// component of the trip ledger service.
package monitoring

import "log"

// Logf writes a diagnostic line. It defaults to log.Printf; callers prefix
// messages with their component name ("Ledger: ...", "Detector: ..."). Tests
// replace or mute it through SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger swaps the destination for diagnostic output. A nil f mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
