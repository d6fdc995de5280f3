package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
)

// Reference derives the correlation key attached to every transfer for a
// payment. The key is the public half of an ed25519 keypair seeded with
// SHA-256(externalID); the private half is never used.
func Reference(externalID string) solana.PublicKey {
	seed := sha256.Sum256([]byte(externalID))
	return solana.PrivateKey(ed25519.NewKeyFromSeed(seed[:])).PublicKey()
}

// AddressError rejects input that is not a base58 public key. Reason holds
// the decoder's error for logs and is not part of Error.
type AddressError struct {
	Address string
	Reason  error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("%s: %q", ErrInvalidAddress, e.Address)
}

func (e *AddressError) Is(target error) bool {
	return target == ErrInvalidAddress
}

func ParseAddress(address string) (solana.PublicKey, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return solana.PublicKey{}, errors.Wrap(ErrInvalidAddress, "empty address")
	}
	key, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, &AddressError{Address: address, Reason: err}
	}
	return key, nil
}

// TokenAccount is the associated token account holding mint for owner.
func TokenAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	account, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, errors.Wrapf(err, "derive token account for %s", owner)
	}
	return account, nil
}
