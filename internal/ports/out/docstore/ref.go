package docstore

import (
	"path"
	"strings"

	"github.com/chess-club/federation-api/internal/domain"
)

// Ref builds the published reference of a document: "<memberId>/<side>.<ext>".
func Ref(id domain.MemberID, side domain.DocumentSide, ext string) string {
	return path.Join(string(id), CanonicalName(side, ext))
}

// ParseRef splits a published reference into its member id and file name.
// Anything that is not a canonical document name is ErrInvalidReference.
func ParseRef(ref string) (domain.MemberID, string, error) {
	if ref == "" || strings.Contains(ref, `\`) || path.IsAbs(ref) {
		return "", "", ErrInvalidReference
	}
	parts := strings.Split(path.Clean(ref), "/")
	if len(parts) != 2 {
		return "", "", ErrInvalidReference
	}
	id := domain.MemberID(parts[0])
	if err := domain.ValidateMemberID(id); err != nil {
		return "", "", ErrInvalidReference
	}
	side, ext, ok := strings.Cut(parts[1], ".")
	if !ok || ext == "" || !domain.DocumentSide(side).Valid() {
		return "", "", ErrInvalidReference
	}
	return id, parts[1], nil
}
