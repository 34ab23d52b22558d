package kernel

import (
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"strings"
)

func Sha512(data string) string {
	return fmt.Sprintf("%032x", sha512.Sum512([]byte(data)))
}

// MatchesHash reports whether the SHA-512 of data is one of hashes.
func MatchesHash(data string, hashes []string) bool {
	sum := []byte(Sha512(data))
	for _, h := range hashes {
		if subtle.ConstantTimeCompare(sum, []byte(strings.ToLower(h))) == 1 {
			return true
		}
	}
	return false
}
