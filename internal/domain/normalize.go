package domain

import "strings"

// NormalizeEmail trims surrounding whitespace and lowercases the address.
// Directory lookups are case-insensitive.
func NormalizeEmail(e Email) Email {
	return Email(strings.ToLower(strings.TrimSpace(string(e))))
}
