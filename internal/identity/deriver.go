// Package identity derives stable ledger keypairs from secret seeds. The
// derivation is a pure function of seed and salt: no I/O, no retries, and
// failures are immediate.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/crypto/hkdf"

	dErrors "credanchor/pkg/domain-errors"
)

// hkdfInfo domain-separates this derivation from any other HKDF use of the
// same salt.
const hkdfInfo = "credanchor/identity/v1"

// Identity is a derived keypair. Private material is transient: it must never
// be persisted or logged.
type Identity struct {
	Address    solana.PublicKey
	PrivateKey solana.PrivateKey
	CacheKey   string
}

// String returns the public address only. Identity values end up in log
// fields; the private key must not.
func (i Identity) String() string { return i.Address.String() }

// Deriver derives deterministic keypairs from secrets using a server-held
// salt. The salt is mandatory: without it, short secrets (national IDs,
// phone numbers) are offline brute-forceable from their public addresses.
type Deriver struct {
	salt []byte
}

// NewDeriver builds a Deriver. An empty salt is a configuration error, not a
// default.
func NewDeriver(salt []byte) (*Deriver, error) {
	if len(salt) == 0 {
		return nil, dErrors.New(dErrors.CodeConfiguration, "identity salt is required")
	}
	return &Deriver{salt: append([]byte(nil), salt...)}, nil
}

// Derive produces the keypair for a secret. Identical secret and salt always
// yield an identical address; distinct secrets yield unlinkable addresses.
func (d *Deriver) Derive(secret []byte) (Identity, error) {
	if len(secret) == 0 {
		return Identity{}, dErrors.New(dErrors.CodeValidation, "secret must not be empty")
	}

	kr := hkdf.New(sha256.New, secret, d.salt, []byte(hkdfInfo))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kr, seed); err != nil {
		return Identity{}, dErrors.Wrap(dErrors.CodeConfiguration, "derive key material", err)
	}

	priv := solana.PrivateKey(ed25519.NewKeyFromSeed(seed))
	addr := priv.PublicKey()

	sum := sha256.Sum256(addr[:])
	return Identity{
		Address:    addr,
		PrivateKey: priv,
		CacheKey:   hex.EncodeToString(sum[:8]),
	}, nil
}

// VerifyAddress reports whether claimed is the address derived from secret.
// Pure equality against a fresh derivation; no network access.
func (d *Deriver) VerifyAddress(secret []byte, claimed solana.PublicKey) (bool, error) {
	id, err := d.Derive(secret)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(id.Address[:], claimed[:]) == 1, nil
}

// LoadAuthorityKey validates submitting-authority key material. It accepts a
// 64-byte ed25519 private key or a 32-byte seed and rejects everything else:
// zero-padding undersized material does not produce a valid keypair.
func LoadAuthorityKey(material []byte) (solana.PrivateKey, error) {
	switch len(material) {
	case ed25519.PrivateKeySize:
		priv := solana.PrivateKey(append([]byte(nil), material...))
		derived := ed25519.PrivateKey(priv).Public().(ed25519.PublicKey)
		if subtle.ConstantTimeCompare(derived, material[ed25519.SeedSize:]) != 1 {
			return nil, dErrors.New(dErrors.CodeConfiguration, "authority key public half does not match private half")
		}
		return priv, nil
	case ed25519.SeedSize:
		return solana.PrivateKey(ed25519.NewKeyFromSeed(material)), nil
	default:
		return nil, dErrors.Newf(dErrors.CodeConfiguration,
			"authority key must be a 64-byte private key or 32-byte seed, got %d bytes", len(material))
	}
}
