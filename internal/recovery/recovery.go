// Package recovery keeps a panicking callback from taking down the event loop.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it together with the stack.
// It must be deferred directly by the function that may panic:
//
//	func dispatch() {
//	    defer recovery.RecoverWithLog(logger, "udpif.receive")
//	    cb()
//	}
func RecoverWithLog(logger *slog.Logger, site string) {
	if r := recover(); r != nil {
		logPanic(logger, site, r)
	}
}

// RecoverWithCallback is RecoverWithLog that also hands the recovered value
// to callback, e.g. to count the failure.
func RecoverWithCallback(logger *slog.Logger, site string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, site, r)
		if callback != nil {
			callback(r)
		}
	}
}

func logPanic(logger *slog.Logger, site string, r any) {
	logger.Error("panic recovered",
		"site", site,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
