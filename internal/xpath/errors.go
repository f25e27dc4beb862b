package xpath

import (
	"errors"
	"fmt"
)

var (
	// ErrSyntax reports a malformed expression
	ErrSyntax = errors.New("xpath syntax error")
	// ErrUnsupportedAxis is returned by navigators for axes their tree
	// cannot provide
	ErrUnsupportedAxis = errors.New("xpath axis not supported")
	// ErrUnknownFunction reports a call to a function missing from the table
	ErrUnknownFunction = errors.New("unknown xpath function")
	// ErrUnknownVariable reports an unbound variable reference
	ErrUnknownVariable = errors.New("unknown xpath variable")
	// ErrUnknownPrefix reports a namespace prefix that does not resolve
	ErrUnknownPrefix = errors.New("unknown namespace prefix")
	// ErrType reports an operand of the wrong type, such as a path step
	// applied to a number
	ErrType = errors.New("xpath type error")
	// ErrArgument reports a bad function argument count or value
	ErrArgument = errors.New("invalid xpath function argument")
)

// SyntaxError locates a syntax error in the source expression
type SyntaxError struct {
	Expr   string
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%v at offset %d in %q: %s", ErrSyntax, e.Offset, e.Expr, e.Msg)
}

// Unwrap lets errors.Is match ErrSyntax
func (e *SyntaxError) Unwrap() error {
	return ErrSyntax
}

func argErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrArgument}, args...)...)
}
