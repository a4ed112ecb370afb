package marklar

import "fmt"

// ----------------------------------------------------------------------------
// Error kinds

// This section declares one exported error type per failure kind the compiler can
// report. Each wraps enough context for a useful diagnostic without carrying source
// positions (the grammar doesn't track them, a known limitation).

// ParseError signals that the grammar failed to match the input; no partial AST exists.
type ParseError struct{ Reason string }

func (e *ParseError) Error() string { return fmt.Sprintf("parse error: %s", e.Reason) }

// UnresolvedSymbolError signals an identifier that is neither a scope binding, a digit
// string that fits in 32 bits, nor a quoted string literal.
type UnresolvedSymbolError struct{ Name string }

func (e *UnresolvedSymbolError) Error() string {
	return fmt.Sprintf("unresolved symbol: '%s'", e.Name)
}

// DuplicateDefinitionError signals a name already bound in the current scope.
type DuplicateDefinitionError struct{ Name string }

func (e *DuplicateDefinitionError) Error() string {
	return fmt.Sprintf("duplicate definition: '%s'", e.Name)
}

// UnknownTypeError signals a type name that is neither an integer primitive nor a
// registered UserType.
type UnknownTypeError struct{ TypeName string }

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown type: '%s'", e.TypeName)
}

// ArityMismatchError signals a call whose argument count doesn't match the callee.
type ArityMismatchError struct {
	Callee   string
	Expected int
	Got      int
}

func (e *ArityMismatchError) Error() string {
	return fmt.Sprintf("call to '%s' expected %d argument(s), got %d", e.Callee, e.Expected, e.Got)
}

// UnknownCalleeError signals a call to a name with no matching function declaration.
type UnknownCalleeError struct{ Callee string }

func (e *UnknownCalleeError) Error() string {
	return fmt.Sprintf("unknown callee: '%s'", e.Callee)
}

// UnsupportedOperatorError is assertion-grade: a correct parser never produces it.
type UnsupportedOperatorError struct{ Op string }

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("unsupported operator: '%s'", e.Op)
}

// VerifierFailureError wraps the diagnostic text the IR verifier produced.
type VerifierFailureError struct {
	Function string
	Message  string
}

func (e *VerifierFailureError) Error() string {
	return fmt.Sprintf("module verification failed for '%s': %s", e.Function, e.Message)
}

// ToolchainFailureError wraps the failed external command's name and exit status.
type ToolchainFailureError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ToolchainFailureError) Error() string {
	return fmt.Sprintf("toolchain command '%s' failed (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
}
