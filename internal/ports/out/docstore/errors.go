package docstore

import "errors"

var (
	// ErrUnsupportedFormat indicates the file extension is not in the configured whitelist.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrTooLarge indicates the document exceeds the configured maximum size.
	ErrTooLarge = errors.New("document too large")

	// ErrEmpty indicates an upload without content.
	ErrEmpty = errors.New("empty document")

	// ErrNotFound indicates the reference does not resolve to a stored document.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidReference indicates a reference outside the store's namespace.
	ErrInvalidReference = errors.New("invalid document reference")
)
