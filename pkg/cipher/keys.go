package cipher

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
)

const (
	// KeyBits is the RSA modulus size clients expect.
	KeyBits = 1024

	// TokenSize is the size of the verify token sent in the encryption request.
	TokenSize = 4
)

var (
	ErrKeyGenerationFailed = errors.New("key generation failed")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrSecretLength        = errors.New("shared secret has wrong length")
	ErrTokenMismatch       = errors.New("verify token mismatch")
)

// KeyPair is the server's RSA key pair used for the login key exchange.
type KeyPair struct {
	private   *rsa.PrivateKey
	publicDER []byte
}

// GenerateKeyPair creates a fresh 1024-bit RSA key pair. The public half is
// pre-encoded as X.509 SubjectPublicKeyInfo DER, the form sent on the wire.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return &KeyPair{private: priv, publicDER: der}, nil
}

// PublicDER returns the DER-encoded public key.
func (k *KeyPair) PublicDER() []byte { return k.publicDER }

// Decrypt reverses a PKCS#1 v1.5 encryption made with the public key.
func (k *KeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptPKCS1v15(nil, k.private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return pt, nil
}

// DecryptSecret decrypts the client's shared secret and checks its length.
func (k *KeyPair) DecryptSecret(ciphertext []byte) ([]byte, error) {
	secret, err := k.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrSecretLength, len(secret))
	}
	return secret, nil
}

// VerifyToken decrypts the client's copy of the verify token and compares
// it byte for byte with the token that was sent.
func (k *KeyPair) VerifyToken(sent, encrypted []byte) error {
	got, err := k.Decrypt(encrypted)
	if err != nil {
		return err
	}
	if len(got) != len(sent) || subtle.ConstantTimeCompare(got, sent) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

// NewToken returns a random verify token.
func NewToken() ([]byte, error) {
	tok := make([]byte, TokenSize)
	if _, err := io.ReadFull(rand.Reader, tok); err != nil {
		return nil, fmt.Errorf("failed to generate verify token: %w", err)
	}
	return tok, nil
}

// EncryptFor encrypts data for the holder of the DER public key. Clients use
// this for the encryption response; the server uses it only in tests.
func EncryptFor(publicDER, data []byte) ([]byte, error) {
	pub, err := x509.ParsePKIXPublicKey(publicDER)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsa.EncryptPKCS1v15(rand.Reader, rsaPub, data)
}

// ServerHash computes the session hash clients send to an authentication
// service: SHA-1 over server id, secret and public key, rendered as a
// signed (two's complement) hexadecimal number.
func ServerHash(serverID string, secret, publicDER []byte) string {
	h := sha1.New()
	h.Write([]byte(serverID))
	h.Write(secret)
	h.Write(publicDER)
	sum := h.Sum(nil)

	negative := sum[0]&0x80 != 0
	if negative {
		// two's complement
		carry := true
		for i := len(sum) - 1; i >= 0; i-- {
			sum[i] = ^sum[i]
			if carry {
				carry = sum[i] == 0xFF
				sum[i]++
			}
		}
	}
	s := new(big.Int).SetBytes(sum).Text(16)
	if negative {
		return "-" + s
	}
	return s
}
