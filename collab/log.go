package collab

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `collab` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - reconnects and the terminal give up
//     - peer teardown after an error
//     - rejected (malformed) operations
// Error:
//     unrecoverable crash details
// V(1):
//     key lifecycle events with ids that can be used to filter
//     - connect, join, peer phase changes, history trims
// V(2):
//     per message trace - send, receive, transform rewrites, duplicates

// a log function tagged with a component name, e.g. "[relay]" or "[peer]"
type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("[%s]%s", tag, m)
	}
}
