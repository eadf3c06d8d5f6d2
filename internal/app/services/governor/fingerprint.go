package governor

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// fingerprint addresses one cacheable request. The same caller, normalized
// input, and prompt variant always hash to the same key; distinct callers
// never share entries. Hashing the prompt variant in means editing a prompt
// template rolls the cache automatically.
func fingerprint(callerID, input, variant string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(callerID))
	h.Write([]byte{0})
	h.Write([]byte(normalize(input)))
	h.Write([]byte{0})
	h.Write([]byte(normalize(variant)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalize collapses the differences that must not fragment the cache:
// leading/trailing whitespace and letter case.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
