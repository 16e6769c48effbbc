// Package reference mints customer-facing booking references.
package reference

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"
)

const (
	// ServicePrefix starts every service request reference.
	ServicePrefix = "RMB-"
	// ServiceCodeLength is the number of random characters after the prefix.
	ServiceCodeLength = 8
	// MaxAttempts bounds regeneration on a uniqueness collision.
	MaxAttempts = 5

	alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

var servicePattern = regexp.MustCompile(`^RMB-[0-9A-Z]{8}$`)

// NewServiceReference returns a fresh RMB- reference.
func NewServiceReference() (string, error) {
	code, err := randomCode(ServiceCodeLength)
	if err != nil {
		return "", err
	}
	return ServicePrefix + code, nil
}

// IsServiceReference reports whether s is a well-formed service reference.
func IsServiceReference(s string) bool {
	return servicePattern.MatchString(s)
}

// SubscriptionAudit builds the audit reference stored on a subscription request.
func SubscriptionAudit(userID, variantID uint, at time.Time) string {
	return fmt.Sprintf("SUB-%d-%d-%d", userID, variantID, at.Unix())
}

// randomCode draws length characters from the base36 alphabet.
func randomCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid code length: %d", length)
	}

	// Rejection sampling to avoid modulo bias.
	// 252 is the largest multiple of 36 below 256.
	const maxRandomByte = 252

	code := make([]byte, length)
	buf := make([]byte, length*2)
	written := 0

	for written < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read secure random bytes: %w", err)
		}

		for _, b := range buf {
			if b >= maxRandomByte {
				continue
			}
			code[written] = alphabet[int(b)%len(alphabet)]
			written++
			if written == length {
				break
			}
		}
	}

	return string(code), nil
}
