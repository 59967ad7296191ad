// Package debug provides debug utilities
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"os"
)

var on bool

func init() { on = os.Getenv("MESHRANK_DEBUG") != "" }

func ON() bool { return on }

func Assert(cond bool, a ...any) {
	if on && !cond {
		panic("assertion failed: " + fmt.Sprint(a...))
	}
}

func Assertf(cond bool, format string, a ...any) {
	if on && !cond {
		panic("assertion failed: " + fmt.Sprintf(format, a...))
	}
}

func AssertNoErr(err error) {
	if on && err != nil {
		panic(err)
	}
}
