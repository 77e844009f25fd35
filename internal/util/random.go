// Package util provides small helpers shared across OrderPipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
func GenerateRandomHex(length int) string {
	return randomFrom("0123456789abcdef", length)
}

// GenerateOrderReference returns a short, customer-facing order code such as "PED-7K2M9Q".
// Ambiguous characters (0/O, 1/I) are left out so the code can be read back over chat.
func GenerateOrderReference() string {
	return "PED-" + randomFrom("23456789ABCDEFGHJKLMNPQRSTUVWXYZ", 6)
}

func randomFrom(alphabet string, length int) string {
	if length <= 0 {
		return ""
	}
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return builder.String()
}
