// Package testutil provides small helpers for asynchronous assertions in
// tests: polling loops for conditions that become true shortly after an
// action, without fixed sleeps.
package testutil

import (
	"time"
)

type testFn func() (bool, error)
type errorFn func(error)

// WaitForResult polls test every 10ms until it succeeds, giving up after
// ten seconds and reporting the last error through error.
func WaitForResult(test testFn, error errorFn) {
	retries := 1000

	for retries > 0 {
		time.Sleep(10 * time.Millisecond)
		retries--

		success, err := test()
		if success {
			return
		}

		if retries == 0 {
			error(err)
		}
	}
}
