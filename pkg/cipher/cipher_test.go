package cipher

import (
	"bytes"
	"crypto/aes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// NIST SP 800-38A, F.3.7 CFB8-AES128.Encrypt
func TestCFB8KnownAnswer(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	iv := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	plain := mustHex(t, "6bc1bee22e409f96e93d7e117393172aae2d")
	want := mustHex(t, "3b79424c9c0dd436bace9e0ed4586a4f32b9")

	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	got := make([]byte, len(plain))
	newCFB8(block, iv, false).XORKeyStream(got, plain)
	assert.Equal(t, want, got)

	back := append([]byte(nil), got...)
	newCFB8(block, iv, true).XORKeyStream(back, back)
	assert.Equal(t, plain, back)
}

func TestNewSessionKeySize(t *testing.T) {
	_, err := NewSession(make([]byte, 15))
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	_, err = NewSession(make([]byte, SecretSize))
	assert.NoError(t, err)
}

// TestSessionStreaming checks that encryption is a byte stream: splitting
// the input at arbitrary points does not change the output, and the peer
// decrypts it in place regardless of how the reads are sized.
func TestSessionStreaming(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		secret := rapid.SliceOfN(rapid.Byte(), SecretSize, SecretSize).Draw(t, "secret")
		msg := rapid.SliceOfN(rapid.Byte(), 1, 512).Draw(t, "msg")
		split := rapid.IntRange(0, len(msg)).Draw(t, "split")

		whole, err := NewSession(secret)
		if err != nil {
			t.Fatal(err)
		}
		parts, _ := NewSession(secret)

		a := append([]byte(nil), msg...)
		whole.Encrypt(a)

		b := append([]byte(nil), msg...)
		parts.Encrypt(b[:split])
		parts.Encrypt(b[split:])
		if !bytes.Equal(a, b) {
			t.Fatalf("chunked encryption differs")
		}

		peer, _ := NewSession(secret)
		split2 := rapid.IntRange(0, len(msg)).Draw(t, "split2")
		peer.Decrypt(b[:split2])
		peer.Decrypt(b[split2:])
		if !bytes.Equal(b, msg) {
			t.Fatalf("decryption did not restore plaintext")
		}
	})
}

func TestKeyExchange(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotEmpty(t, kp.PublicDER())

	token, err := NewToken()
	require.NoError(t, err)
	require.Len(t, token, TokenSize)

	secret := bytes.Repeat([]byte{7}, SecretSize)
	encSecret, err := EncryptFor(kp.PublicDER(), secret)
	require.NoError(t, err)
	encToken, err := EncryptFor(kp.PublicDER(), token)
	require.NoError(t, err)

	got, err := kp.DecryptSecret(encSecret)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
	assert.NoError(t, kp.VerifyToken(token, encToken))

	t.Run("token mismatch", func(t *testing.T) {
		other, err := EncryptFor(kp.PublicDER(), []byte{1, 2, 3, 4})
		require.NoError(t, err)
		assert.ErrorIs(t, kp.VerifyToken(token, other), ErrTokenMismatch)
	})

	t.Run("wrong secret length", func(t *testing.T) {
		short, err := EncryptFor(kp.PublicDER(), []byte{1, 2, 3})
		require.NoError(t, err)
		_, err = kp.DecryptSecret(short)
		assert.ErrorIs(t, err, ErrSecretLength)
	})

	t.Run("garbage ciphertext", func(t *testing.T) {
		_, err := kp.DecryptSecret(bytes.Repeat([]byte{0xAB}, 128))
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})
}

func TestServerHash(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Notch", "4ed1f46bbe04bc756bcb17c0c7ce3e4632f06a48"},
		{"jeb_", "-7c9d5b0044c130109a5d7b5fb5c317c02b4e28c1"},
		{"simon", "88e16a1019277b15d58faf0541e11910eb756f6"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ServerHash(tt.in, nil, nil))
		})
	}
}
