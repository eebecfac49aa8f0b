package types

import "errors"

// Error kinds. Wrap them with fmt.Errorf("...: %w", Err...) and match with
// errors.Is.
var (
	// ErrConfiguration marks invalid component settings. Raised at construction.
	ErrConfiguration = errors.New("configuration error")
	// ErrInput marks an unsupported call shape. Only the offending call fails.
	ErrInput = errors.New("input error")
	// ErrExternalService marks an embedding or storage backend failure.
	ErrExternalService = errors.New("external service error")
)
