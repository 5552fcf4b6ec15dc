// Package wallet decrypts per-user signing-key material and verifies the
// decrypted public identity against the stored wallet address (§4.6.2 step
// 3, §8 invariant 11). AES-GCM is implemented with the standard library
// directly, matching the only pattern present in the retrieval pack for
// this concern (no third-party AES-GCM wrapper appears anywhere in it).
package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"gridtokenx/internal/domain"
)

const (
	saltSize  = 16
	nonceSize = 12
)

// Decryptor holds the process-wide secret used to decrypt every user's
// signing key material. The secret never touches disk or logs.
type Decryptor struct {
	secret []byte
}

func NewDecryptor(secret []byte) *Decryptor {
	return &Decryptor{secret: secret}
}

// KeyMaterial is the result of a decrypt: a 32-byte seed or a 64-byte full
// keypair, per §6. It must be zeroized as soon as the caller is done with
// it and must never be logged.
type KeyMaterial struct {
	bytes []byte
}

// Zeroize overwrites the key material in place. Call via defer immediately
// after obtaining it.
func (k *KeyMaterial) Zeroize() {
	for i := range k.bytes {
		k.bytes[i] = 0
	}
}

// Decrypt reads the AES-GCM ciphertext + salt + nonce format described in
// §6 and returns the plaintext key material.
func (d *Decryptor) Decrypt(ciphertext, salt, nonce []byte) (*KeyMaterial, error) {
	if len(salt) != saltSize {
		return nil, domain.Validation("wallet.decrypt", fmt.Errorf("salt must be %d bytes, got %d", saltSize, len(salt)))
	}
	if len(nonce) != nonceSize {
		return nil, domain.Validation("wallet.decrypt", fmt.Errorf("nonce must be %d bytes, got %d", nonceSize, len(nonce)))
	}

	key := deriveKey(d.secret, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, domain.InvariantViolation("wallet.decrypt.new_cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.InvariantViolation("wallet.decrypt.new_gcm", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.InvariantViolation("wallet.decrypt.open", err)
	}
	if len(plaintext) != 32 && len(plaintext) != 64 {
		return nil, domain.InvariantViolation("wallet.decrypt.length",
			fmt.Errorf("decrypted key material must be 32 or 64 bytes, got %d", len(plaintext)))
	}
	return &KeyMaterial{bytes: plaintext}, nil
}

// deriveKey folds the process secret and the per-user salt into a 32-byte
// AES-256 key using a simple fixed-size XOR-fold; the salt's only job is to
// make identical secrets produce different keys per user.
func deriveKey(secret, salt []byte) []byte {
	key := make([]byte, 32)
	copy(key, secret)
	for i, b := range salt {
		key[i%32] ^= b
	}
	return key
}

// PublicKey derives the Solana public key from the decrypted material.
// Supports both the 32-byte seed form and the 64-byte full-keypair form.
func (k *KeyMaterial) PublicKey() (solana.PublicKey, error) {
	switch len(k.bytes) {
	case 64:
		priv := solana.PrivateKey(k.bytes)
		return priv.PublicKey(), nil
	case 32:
		priv := solana.PrivateKey(ed25519.NewKeyFromSeed(k.bytes))
		return priv.PublicKey(), nil
	default:
		return solana.PublicKey{}, domain.InvariantViolation("wallet.public_key",
			fmt.Errorf("unsupported key material length %d", len(k.bytes)))
	}
}

// SigningKey returns the full solana.PrivateKey usable to sign a transfer
// transaction, deriving it from the seed form if that's what was stored.
func (k *KeyMaterial) SigningKey() (solana.PrivateKey, error) {
	switch len(k.bytes) {
	case 64:
		return solana.PrivateKey(k.bytes), nil
	case 32:
		return solana.PrivateKey(ed25519.NewKeyFromSeed(k.bytes)), nil
	default:
		return nil, domain.InvariantViolation("wallet.signing_key",
			fmt.Errorf("unsupported key material length %d", len(k.bytes)))
	}
}

// VerifyIdentity implements §4.6.2 step 3: the decrypted seller public
// identity must equal the stored wallet address, or the settlement aborts
// with a non-retryable invariant violation.
func VerifyIdentity(k *KeyMaterial, walletAddress string) error {
	pub, err := k.PublicKey()
	if err != nil {
		return err
	}
	if pub.String() != walletAddress {
		return domain.InvariantViolation("wallet.verify_identity",
			fmt.Errorf("wallet identity mismatch: decrypted key derives %s, expected %s", pub.String(), walletAddress))
	}
	return nil
}
