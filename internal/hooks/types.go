// Package hooks implements the before/after tool-call lifecycle rules
// described in the design: DependsOn and SkipDuplicate guards run before
// a tool executes and can reject the call outright; after-tool hooks
// inject steering text on success.
package hooks

// RedactionMarker prefixes a tool-result's content once it has been
// redacted from the conversation, making it ineligible to satisfy a
// SkipDuplicate guard's freshness check.
const RedactionMarker = "[result masked"

// BeforeResult is the outcome of running before-tool hooks for one
// invocation.
type BeforeResult struct {
	Rejected bool
	Reason string
}

// AfterResult carries the steering text produced by after-tool hooks,
// already newline-joined step 6.
type AfterResult struct {
	Steering string
}
