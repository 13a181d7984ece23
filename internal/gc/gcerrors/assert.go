package gcerrors

// Check panics with a formatted message when cond is false and the binary
// was built with the gcdebug tag; it is a no-op in release builds. Use it
// for the invariants documented in spec.md sections 3 and 4 — programming
// errors, not recoverable conditions.
func Check(cond bool, format string, args ...interface{}) {
	check(cond, format, args...)
}
