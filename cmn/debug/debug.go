// Package debug provides assertions that panic unconditionally - the
// "invariant violation aborts the process" leg of the error model
// callers translate into a halted volume at the nearest recover boundary.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package debug

import "fmt"

// Assert panics if cond is false. Call sites that guard a programming
// invariant (cork deque non-empty, corks.front() != corks.back()) use
// this or Assertf; the caller is expected to translate the
// panic into a halted-volume state at the nearest recover boundary.
func Assert(cond bool) {
	if !cond {
		panic("assertion failed")
	}
}

func Assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

// AssertNoErr is shorthand for the common case of asserting an internal
// call that "cannot fail" actually didn't.
func AssertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}

// AssertFunc defers cond evaluation to a closure, useful when the check
// itself takes a lock or otherwise has a side effect that should only run
// in debug builds.
func AssertFunc(cond func() bool) {
	if !cond() {
		panic("assertion failed")
	}
}
