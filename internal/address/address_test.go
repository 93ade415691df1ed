package address

import (
	"errors"
	"testing"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"

	"dca-vault-engine/internal/domain"
)

func TestValidate(t *testing.T) {
	wallet := base58.Encode(edwards25519.NewGeneratorPoint().Bytes())

	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"generator point", wallet, false},
		{"empty", "", true},
		{"not base58", "0OIl", true},
		{"too short", base58.Encode([]byte{1, 2, 3}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.addr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}

	if !IsWallet(wallet) {
		t.Error("generator point should be a wallet address")
	}
}

func TestDerive(t *testing.T) {
	a, err := Derive("owner", "fund", "growth")
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	b, err := Derive("owner", "fund", "growth")
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if a != b {
		t.Errorf("Derive not deterministic: %s != %s", a, b)
	}

	if err := Validate(a); err != nil {
		t.Errorf("derived address invalid: %v", err)
	}
	if IsWallet(a) {
		t.Error("derived address must be off curve")
	}

	c, err := Derive("owner", "fund", "income")
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if a == c {
		t.Error("different seeds should derive different addresses")
	}
}
