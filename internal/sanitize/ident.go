package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateIdentifier checks that name is already a safe identifier. Names
// coming from introspection or user input that will be spliced into SQL are
// validated before use.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier is required")
	}
	if len(name) > 128 {
		return fmt.Errorf("identifier must be at most 128 characters")
	}
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("identifier %q must match [a-zA-Z_][a-zA-Z0-9_]*", name)
	}
	return nil
}

// QuoteLiteral wraps a string value in single quotes, doubling embedded quotes.
func QuoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
