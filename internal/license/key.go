package license

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"hostelpro/internal/machineid"
)

const (
	keyGroups    = 4
	keyGroupSize = 4 // random bytes per group, 8 hex digits
	saltSize     = 16
)

var keyPattern = regexp.MustCompile(`^[A-Z0-9]+(-[0-9A-F]{8}){4}$`)

// GenerateKey returns a fresh license key such as HOSTELPRO-1A2B3C4D-...
func GenerateKey(prefix string) (string, error) {
	parts := make([]string, 0, keyGroups+1)
	parts = append(parts, prefix)

	buf := make([]byte, keyGroupSize)
	for i := 0; i < keyGroups; i++ {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate license key: %w", err)
		}
		parts = append(parts, strings.ToUpper(hex.EncodeToString(buf)))
	}
	return strings.Join(parts, "-"), nil
}

// ValidKeyFormat reports whether key has the PREFIX-XXXXXXXX-XXXXXXXX-XXXXXXXX-XXXXXXXX shape
func ValidKeyFormat(key string) bool {
	return keyPattern.MatchString(key)
}

// NormalizeKey trims and uppercases user input
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// MaskKey hides all but the prefix and the last group for logging
func MaskKey(key string) string {
	idx := strings.LastIndex(key, "-")
	first := strings.Index(key, "-")
	if idx <= 0 || first == idx {
		if len(key) <= 4 {
			return "****"
		}
		return key[:4] + "****"
	}
	return key[:first] + "-****" + key[idx:]
}

// NewSalt returns 16 random bytes hex encoded
func NewSalt() (string, error) {
	buf := make([]byte, saltSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashMachine computes hex(SHA256(normalize(identity) + salt))
func HashMachine(identity, salt string) string {
	sum := sha256.Sum256([]byte(machineid.Normalize(identity) + salt))
	return hex.EncodeToString(sum[:])
}

// MatchesMachine reports whether identity reproduces the record's binding
func MatchesMachine(rec Record, identity string) bool {
	if !rec.Bound() {
		return false
	}
	computed := HashMachine(identity, rec.MachineIDSalt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(rec.MachineIDHash)) == 1
}
