// Package tassert provides common asserts for tests across the metadata
// engine, adapted from the reference stack's devtools/tutils/tassert.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package tassert

import (
	"fmt"
	"runtime/debug"
	"sync"
	"testing"
)

var (
	fatalities = make(map[string]struct{})
	mu         sync.Mutex
)

func CheckFatal(tb testing.TB, err error) {
	if err == nil {
		return
	}
	mu.Lock()
	if _, ok := fatalities[tb.Name()]; ok {
		mu.Unlock()
		fmt.Printf("--- %s: duplicate CheckFatal\n", tb.Name())
		return
	}
	fatalities[tb.Name()] = struct{}{}
	mu.Unlock()
	debug.PrintStack()
	tb.Fatal(err.Error())
}

func CheckError(tb testing.TB, err error) {
	if err != nil {
		debug.PrintStack()
		tb.Error(err.Error())
	}
}

func Fatalf(tb testing.TB, cond bool, msg string, args ...interface{}) {
	if !cond {
		debug.PrintStack()
		tb.Fatalf(msg, args...)
	}
}

func Errorf(tb testing.TB, cond bool, msg string, args ...interface{}) {
	if !cond {
		debug.PrintStack()
		tb.Errorf(msg, args...)
	}
}
