// Package auth implements the 62-byte password verifier carried in the
// ConnectionInformation frame.
//
// The slot is salt(16) || argon2id tag(32) || zero padding(14). The client
// draws a fresh salt per connection; the host recomputes the tag from its
// configured password and the received salt and compares in constant time.
// An all-zero slot is the empty password.
package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// SlotLength matches the wire slot in ConnectionInformation.
const SlotLength = 62

const (
	saltLength = 16
	tagLength  = 32

	// Argon2id parameters. Both ends must agree; these are fixed for
	// protocol version 1.
	timeCost    = 1
	memoryKiB   = 64 * 1024
	parallelism = 4
)

// Verifier is the packed wire slot.
type Verifier [SlotLength]byte

// IsZero reports whether the slot is all zeros (the empty password).
func (v Verifier) IsZero() bool {
	return v == Verifier{}
}

func tag(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, timeCost, memoryKiB, parallelism, tagLength)
}

// Compute packs a verifier for password with a fresh random salt. An empty
// password yields the zero slot.
func Compute(password string) (Verifier, error) {
	var v Verifier
	if password == "" {
		return v, nil
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return v, fmt.Errorf("generate salt: %w", err)
	}
	return computeWithSalt(password, salt), nil
}

func computeWithSalt(password string, salt []byte) Verifier {
	var v Verifier
	copy(v[:saltLength], salt)
	copy(v[saltLength:saltLength+tagLength], tag(password, salt))
	return v
}

// Verify checks a received slot against the host's configured password.
// The comparison is constant-time in the tag.
func Verify(v Verifier, password string) bool {
	if password == "" {
		return v.IsZero()
	}
	if v.IsZero() {
		return false
	}
	salt := v[:saltLength]
	// Reject a non-zero trailer; the padding bytes are reserved.
	if !bytes.Equal(v[saltLength+tagLength:], make([]byte, SlotLength-saltLength-tagLength)) {
		return false
	}
	expected := tag(password, salt)
	return subtle.ConstantTimeCompare(v[saltLength:saltLength+tagLength], expected) == 1
}
