package domain

import "fmt"

// DocumentSide names one of the two faces of an identity document.
type DocumentSide string

const (
	DocumentSideFront DocumentSide = "front"
	DocumentSideBack  DocumentSide = "back"
)

func (s DocumentSide) Valid() bool {
	return s == DocumentSideFront || s == DocumentSideBack
}

func ParseDocumentSide(s string) (DocumentSide, error) {
	side := DocumentSide(s)
	if !side.Valid() {
		return "", fmt.Errorf("unknown document side %q", s)
	}
	return side, nil
}

// Upload is an identity-document image as received from the caller.
type Upload struct {
	// Filename is the caller's original file name; only its extension is used.
	Filename string
	Data     []byte
}
