package interp

import "go.starlark.net/syntax"

// ResultVar is the global that generated code assigns to hand a value back to the host.
const ResultVar = "_result"

// FileOptions returns the Starlark dialect accepted for generated code.
// The rule engine parses with the same options so that validation and
// execution never disagree about what is valid source.
func FileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}
