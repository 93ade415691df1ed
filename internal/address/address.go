// Package address validates and derives base58 encoded 32-byte account
// addresses. Wallet addresses are ed25519 public keys and lie on the curve;
// derived addresses are guaranteed to lie off it so no key can sign for them.
package address

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"

	"dca-vault-engine/internal/domain"
)

// Size is the length of a decoded address.
const Size = 32

const derivationMarker = "DerivedAddress"

// ErrNoDerivation is returned when every bump seed lands on the curve.
var ErrNoDerivation = errors.New("unable to derive off-curve address")

// Decode parses a base58 address into its 32 bytes.
func Decode(addr string) ([Size]byte, error) {
	var out [Size]byte
	decoded, err := base58.Decode(addr)
	if err != nil {
		return out, fmt.Errorf("address %q is not base58: %w", addr, domain.ErrConfiguration)
	}
	if len(decoded) != Size {
		return out, fmt.Errorf("address %q decodes to %d bytes, want %d: %w", addr, len(decoded), Size, domain.ErrConfiguration)
	}
	copy(out[:], decoded)
	return out, nil
}

// Validate checks that addr is a well formed address.
func Validate(addr string) error {
	_, err := Decode(addr)
	return err
}

// IsWallet reports whether addr is a valid ed25519 public key.
func IsWallet(addr string) bool {
	key, err := Decode(addr)
	if err != nil {
		return false
	}
	return isOnCurve(key[:])
}

// Derive returns a deterministic off-curve address for seeds. The first bump
// seed, counting down from 255, whose hash is off the curve is used.
func Derive(seeds ...string) (string, error) {
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, s := range seeds {
			h.Write([]byte(s))
		}
		h.Write([]byte{byte(bump)})
		h.Write([]byte(derivationMarker))
		sum := h.Sum(nil)

		if !isOnCurve(sum) {
			return base58.Encode(sum), nil
		}
	}
	return "", ErrNoDerivation
}

func isOnCurve(point []byte) bool {
	if len(point) != Size {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
