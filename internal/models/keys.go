// Provides composite keys for junction tables.

package models

import (
	"fmt"
	"strings"
)

// KeyDelimiter joins the two ids of a junction row key.
const KeyDelimiter = "::"

// CompositeKey returns the row key of a junction row.
func CompositeKey(parentID, childID string) string {
	return parentID + KeyDelimiter + childID
}

// SplitKey is the inverse of CompositeKey.
func SplitKey(key string) (parentID, childID string, ok bool) {
	return strings.Cut(key, KeyDelimiter)
}

// ValidateKeyParts rejects ids that would make a composite key ambiguous.
func ValidateKeyParts(table TableName, ids ...string) error {
	for _, id := range ids {
		if strings.Contains(id, KeyDelimiter) {
			return Validation(table, fmt.Sprintf("id %q contains the key delimiter %q", id, KeyDelimiter))
		}
	}
	return nil
}

// RowsEqual reports whether two rows hold the same values.
func RowsEqual(a, b Row) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}
