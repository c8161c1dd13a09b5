package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidPIN is returned for PINs that are not 4 to 6 digits.
var ErrInvalidPIN = errors.New("PIN must be 4 to 6 digits")

const (
	saltLen       = 16
	argonTime     = 1
	argonMemoryKB = 64 * 1024
	argonThreads  = 2
	argonKeyLen   = 32
)

// NewSalt returns fresh random bytes for a per-account credential salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// HashCredential derives the stored digest for pin. The server secret acts
// as a pepper; the salt is unique per account.
func HashCredential(pin string, secret, salt []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(pin))
	return argon2.IDKey(mac.Sum(nil), salt, argonTime, argonMemoryKB, argonThreads, argonKeyLen)
}

// VerifyCredential recomputes the digest for pin and compares it in
// constant time. A missing stored digest never matches.
func VerifyCredential(pin string, secret, salt, stored []byte) bool {
	if len(stored) == 0 || len(salt) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(HashCredential(pin, secret, salt), stored) == 1
}

// ValidatePIN checks the PIN shape.
func ValidatePIN(pin string) error {
	if len(pin) < 4 || len(pin) > 6 {
		return ErrInvalidPIN
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return ErrInvalidPIN
		}
	}
	return nil
}
