package queue

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"sync/atomic"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
)

// Allocator issues request IDs. IDs increase monotonically and are never
// reused; one Allocator is shared by every queue in the process.
type Allocator struct {
	last atomic.Uint64
}

// NewAllocator returns an allocator whose first ID is start+1.
func NewAllocator(start uint64) *Allocator {
	a := &Allocator{}
	a.last.Store(start)
	return a
}

// Next returns a fresh ID.
func (a *Allocator) Next() ID {
	return ID(a.last.Add(1))
}

// CodeGenerator issues the confirmation code for a request.
type CodeGenerator interface {
	Code(id ID) (string, error)
}

// Digit bounds for confirmation codes.
const (
	MinCodeDigits = 3
	MaxCodeDigits = 8
)

// HOTPCodes derives confirmation codes with HOTP (RFC 4226) keyed by a
// per-process secret and counted by request ID, so codes are unpredictable
// from the outside yet need no extra storage.
type HOTPCodes struct {
	secret string
	digits otp.Digits
}

// NewHOTPCodes creates a generator with a random secret.
func NewHOTPCodes(digits int) (*HOTPCodes, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate code secret: %w", err)
	}
	return NewHOTPCodesWithSecret(base32.StdEncoding.EncodeToString(raw), digits)
}

// NewHOTPCodesWithSecret creates a generator with a fixed base32 secret.
func NewHOTPCodesWithSecret(secret string, digits int) (*HOTPCodes, error) {
	if digits < MinCodeDigits || digits > MaxCodeDigits {
		return nil, fmt.Errorf("code digits must be between %d and %d, got %d", MinCodeDigits, MaxCodeDigits, digits)
	}
	return &HOTPCodes{secret: secret, digits: otp.Digits(digits)}, nil
}

// Code implements CodeGenerator.
func (h *HOTPCodes) Code(id ID) (string, error) {
	return hotp.GenerateCodeCustom(h.secret, uint64(id), hotp.ValidateOpts{
		Digits:    h.digits,
		Algorithm: otp.AlgorithmSHA1,
	})
}
