//go:build gcdebug

package gcerrors

import "fmt"

func check(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("gc assertion failed: "+format, args...))
	}
}
