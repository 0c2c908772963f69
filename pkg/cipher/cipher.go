// Package cipher implements the session encryption negotiated during login:
// an RSA key exchange that delivers a shared secret, followed by AES-128 in
// 8-bit cipher feedback mode over the byte stream in both directions.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"errors"
	"fmt"
)

const (
	// SecretSize is the size of the shared secret, used as both key and IV.
	SecretSize = 16
)

var (
	ErrInvalidKeySize = errors.New("invalid key size")
)

// cfb8 is AES in CFB mode with an 8-bit segment size. Each output byte
// costs one block encryption; the shift register is advanced by the
// ciphertext byte in both directions.
type cfb8 struct {
	block   stdcipher.Block
	reg     [aes.BlockSize]byte
	out     [aes.BlockSize]byte
	decrypt bool
}

func newCFB8(block stdcipher.Block, iv []byte, decrypt bool) *cfb8 {
	c := &cfb8{block: block, decrypt: decrypt}
	copy(c.reg[:], iv)
	return c
}

// XORKeyStream implements cipher.Stream. dst and src may overlap entirely.
func (c *cfb8) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("cipher: output smaller than input")
	}
	for i, in := range src {
		c.block.Encrypt(c.out[:], c.reg[:])
		out := in ^ c.out[0]
		copy(c.reg[:], c.reg[1:])
		if c.decrypt {
			c.reg[aes.BlockSize-1] = in
		} else {
			c.reg[aes.BlockSize-1] = out
		}
		dst[i] = out
	}
}

// Session holds the two independent stream states of one connection.
// Encrypt and Decrypt each advance their own register, so each must only
// be used from the goroutine that owns that direction.
type Session struct {
	enc stdcipher.Stream
	dec stdcipher.Stream
}

// NewSession builds both directions from the shared secret, which doubles
// as the initialisation vector.
func NewSession(secret []byte) (*Session, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: secret must be %d bytes, got %d", ErrInvalidKeySize, SecretSize, len(secret))
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return &Session{
		enc: newCFB8(block, secret, false),
		dec: newCFB8(block, secret, true),
	}, nil
}

// Encrypt encrypts b in place for the outbound direction.
func (s *Session) Encrypt(b []byte) { s.enc.XORKeyStream(b, b) }

// Decrypt decrypts b in place for the inbound direction.
func (s *Session) Decrypt(b []byte) { s.dec.XORKeyStream(b, b) }
