package node

import "errors"

var (
	// ErrUnknownNode is returned for an unregistered node type or version.
	ErrUnknownNode = errors.New("node: unknown node")

	// ErrInvalidInput is wrapped by every input validation failure.
	ErrInvalidInput = errors.New("node: invalid input")

	// ErrUnknownModel is returned when a model key cannot be resolved.
	ErrUnknownModel = errors.New("node: unknown model")

	// ErrDuplicateNode is returned when a type/version pair is registered twice.
	ErrDuplicateNode = errors.New("node: already registered")
)
