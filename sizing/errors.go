package sizing

import "errors"

// Sentinel errors for size computation.
var (
	ErrDivisionByZero = errors.New("sizing: division by zero")
	ErrDomain         = errors.New("sizing: math domain error")
	ErrInvalidTable   = errors.New("sizing: invalid family table")
)
