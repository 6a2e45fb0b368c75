package validation

import "regexp"

// Operation id rules:
// - Lowercase only.
// - Start and end with [a-z0-9].
// - Middle chars may include [a-z0-9:_.-].
// - Length 1..64.
// - Excludes semicolon and whitespace explicitly.
//
// Examples valid: delete_api_key, apikey.delete, account:close, a
// Examples invalid: ;hack, BAD, bad space, :leader, trailer:, "", 65+ chars.
var operationIDRe = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9:_\.-]{0,62}[a-z0-9])?$`)

// ValidOperationID returns true if the provided operation id matches the allowed pattern.
func ValidOperationID(id string) bool {
	return operationIDRe.MatchString(id)
}
