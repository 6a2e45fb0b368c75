package recovery

import (
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/argon2"
)

// Parámetros Argon2id para recovery codes. Más livianos que los de password
// hashing: el canje es infrecuente y ya viene rate-limited aguas arriba.
const (
	argonTime    = 2
	argonMemory  = 19 * 1024 // KiB
	argonThreads = 1
	argonKeyLen  = 32
)

// HashCode deriva el digest one-way de un código normalizado.
//
// El salt es determinístico por usuario (derivado del user_id): permite que
// (user_id, code_hash) siga siendo una key de lookup O(1), y a la vez un dump
// de la tabla no puede atacarse con una rainbow table compartida entre
// usuarios.
func HashCode(userID, normalizedCode string) string {
	salt := sha256.Sum256([]byte("tierguard/recovery:" + userID))
	dk := argon2.IDKey([]byte(normalizedCode), salt[:16], argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.RawURLEncoding.EncodeToString(dk)
}
