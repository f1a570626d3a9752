package media

import "fmt"

// UnsupportedFormatError is returned when ffmpeg cannot decode the input.
type UnsupportedFormatError struct {
	Input  string
	Detail string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported input format: %s: %s", e.Input, e.Detail)
}

// ToolError is returned when an external tool invocation exits abnormally.
type ToolError struct {
	Tool   string
	Err    error
	Output string // trailing tool output, for diagnostics
}

func (e *ToolError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s: %v: %s", e.Tool, e.Err, e.Output)
	}
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }
