package tokens

import (
	"crypto/sha256"
	"encoding/base64"
)

// SHA256Base64URL devuelve sha256(input) en base64url sin padding
// (para usar como key de cache o índice en DB).
func SHA256Base64URL(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
