package pipeline

import "fmt"

// CompileError is returned when cargo fails to produce the release binary
type CompileError struct {
	Err error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("build failed: %v", e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// LintError carries clippy's failure as-is
type LintError struct {
	Err error
}

func (e *LintError) Error() string {
	return fmt.Sprintf("lint failed: %v", e.Err)
}

func (e *LintError) Unwrap() error {
	return e.Err
}

// TestError carries the test runner's failure as-is
type TestError struct {
	Err error
}

func (e *TestError) Error() string {
	return fmt.Sprintf("tests failed: %v", e.Err)
}

func (e *TestError) Unwrap() error {
	return e.Err
}

var (
	_ error = (*CompileError)(nil)
	_ error = (*LintError)(nil)
	_ error = (*TestError)(nil)
)
