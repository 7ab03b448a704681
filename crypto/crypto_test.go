package crypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testParams keeps derivation fast while staying valid.
func testParams() KDFParams {
	p := DefaultKDFParams()
	p.Iterations = 10_000
	return p
}

func mustDerive(t *testing.T, password string, salt []byte) *DerivedKey {
	t.Helper()
	key, err := DeriveKey(password, salt, WithKDFParams(testParams()))
	require.NoError(t, err)
	t.Cleanup(key.Destroy)
	return key
}

func TestDeriveKey_Deterministic(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	require.Len(t, salt, SaltSize)

	k1 := mustDerive(t, "correct-horse", salt)
	k2 := mustDerive(t, "correct-horse", salt)

	enc, err := Encrypt("hunter2", k1)
	require.NoError(t, err)

	got, err := Decrypt(enc.Ciphertext, enc.IV, k2)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)
}

func TestDeriveKey_NormalizesPassword(t *testing.T) {
	salt := make([]byte, SaltSize)
	composed := mustDerive(t, "caf\u00e9", salt)
	decomposed := mustDerive(t, "cafe\u0301", salt)

	enc, err := Encrypt("secret", composed)
	require.NoError(t, err)
	got, err := Decrypt(enc.Ciphertext, enc.IV, decomposed)
	require.NoError(t, err)
	assert.Equal(t, "secret", got)
}

func TestDeriveKey_AnyInputIsValid(t *testing.T) {
	for _, tt := range []struct {
		name     string
		password string
		salt     []byte
	}{
		{"EmptyPassword", "", make([]byte, SaltSize)},
		{"EmptySalt", "pw", nil},
		{"Unicode", "пароль-密码-🔑", []byte{1, 2, 3}},
		{"Long", strings.Repeat("x", 4096), make([]byte, 64)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			key, err := DeriveKey(tt.password, tt.salt, WithKDFParams(testParams()))
			require.NoError(t, err)
			assert.False(t, key.Destroyed())
			key.Destroy()
		})
	}
}

func TestDeriveKey_InvalidParams(t *testing.T) {
	p := testParams()
	p.Iterations = 1
	_, err := DeriveKey("pw", make([]byte, SaltSize), WithKDFParams(p))
	require.ErrorIs(t, err, ErrKeyDerivation)

	p = testParams()
	p.Hash = "MD5"
	_, err = DeriveKey("pw", make([]byte, SaltSize), WithKDFParams(p))
	require.ErrorIs(t, err, ErrKeyDerivation)
}

func TestDefaultKDFParams(t *testing.T) {
	p := DefaultKDFParams()
	assert.Equal(t, HashSHA256, p.Hash)
	assert.Equal(t, 600_000, p.Iterations)
	assert.Equal(t, 32, p.KeyLen)
	require.NoError(t, ValidateKDFParams(p))
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := mustDerive(t, "correct-horse", make([]byte, SaltSize))

	for _, pt := range []string{"", "hunter2", "ünïcødé ✓", strings.Repeat("a", 10_000)} {
		enc, err := Encrypt(pt, key)
		require.NoError(t, err)
		assert.Len(t, enc.IV, IVSize)

		got, err := Decrypt(enc.Ciphertext, enc.IV, key)
		require.NoError(t, err)
		assert.Equal(t, pt, got)
	}
}

func TestDecrypt_WrongPassword(t *testing.T) {
	salt := make([]byte, SaltSize)
	right := mustDerive(t, "correct-horse", salt)
	wrong := mustDerive(t, "wrong-password", salt)

	enc, err := Encrypt("hunter2", right)
	require.NoError(t, err)

	got, err := Decrypt(enc.Ciphertext, enc.IV, wrong)
	require.ErrorIs(t, err, ErrDecryption)
	assert.Empty(t, got)
}

func TestDecrypt_DifferentSalt(t *testing.T) {
	k1 := mustDerive(t, "correct-horse", bytes.Repeat([]byte{1}, SaltSize))
	k2 := mustDerive(t, "correct-horse", bytes.Repeat([]byte{2}, SaltSize))

	enc, err := Encrypt("hunter2", k1)
	require.NoError(t, err)
	_, err = Decrypt(enc.Ciphertext, enc.IV, k2)
	require.ErrorIs(t, err, ErrDecryption)
}

func TestDecrypt_Corruption(t *testing.T) {
	key := mustDerive(t, "correct-horse", make([]byte, SaltSize))
	enc, err := Encrypt("hunter2", key)
	require.NoError(t, err)

	t.Run("FlippedCiphertext", func(t *testing.T) {
		ct := bytes.Clone(enc.Ciphertext)
		ct[0] ^= 0xff
		_, err := Decrypt(ct, enc.IV, key)
		require.ErrorIs(t, err, ErrDecryption)
	})
	t.Run("FlippedIV", func(t *testing.T) {
		iv := bytes.Clone(enc.IV)
		iv[0] ^= 0xff
		_, err := Decrypt(enc.Ciphertext, iv, key)
		require.ErrorIs(t, err, ErrDecryption)
	})
	t.Run("ShortIV", func(t *testing.T) {
		_, err := Decrypt(enc.Ciphertext, enc.IV[:4], key)
		require.ErrorIs(t, err, ErrDecryption)
	})
	t.Run("EmptyCiphertext", func(t *testing.T) {
		_, err := Decrypt(nil, enc.IV, key)
		require.ErrorIs(t, err, ErrDecryption)
	})
}

func TestEncrypt_UniqueIVs(t *testing.T) {
	key := mustDerive(t, "correct-horse", make([]byte, SaltSize))

	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		enc, err := Encrypt("hunter2", key)
		require.NoError(t, err)
		seen[string(enc.IV)] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestDerivedKey_Destroy(t *testing.T) {
	key := mustDerive(t, "correct-horse", make([]byte, SaltSize))
	enc, err := Encrypt("hunter2", key)
	require.NoError(t, err)

	key.Destroy()
	assert.True(t, key.Destroyed())

	_, err = Encrypt("hunter2", key)
	require.ErrorIs(t, err, ErrKeyUnavailable)

	_, err = Decrypt(enc.Ciphertext, enc.IV, key)
	require.ErrorIs(t, err, ErrDecryption)

	var nilKey *DerivedKey
	assert.True(t, nilKey.Destroyed())
	nilKey.Destroy()
}

func TestImportRawKey(t *testing.T) {
	raw := bytes.Repeat([]byte{7}, 32)
	key, err := ImportRawKey(raw)
	require.NoError(t, err)
	defer key.Destroy()

	assert.Equal(t, bytes.Repeat([]byte{7}, 32), raw, "caller slice must be left intact")

	again, err := ImportRawKey(raw)
	require.NoError(t, err)
	defer again.Destroy()

	enc, err := Encrypt("x", key)
	require.NoError(t, err)
	got, err := Decrypt(enc.Ciphertext, enc.IV, again)
	require.NoError(t, err)
	assert.Equal(t, "x", got)

	_, err = ImportRawKey(raw[:16])
	require.ErrorIs(t, err, ErrKeyDerivation)
}

func TestEncoding(t *testing.T) {
	b := []byte{0, 1, 2, 250, 251, 252, 253, 254, 255}
	s := BytesToText(b)
	got, err := TextToBytes(s)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = TextToBytes("not base64!!")
	require.ErrorIs(t, err, ErrEncoding)
}

func TestEncodeDecodeSecret(t *testing.T) {
	key := mustDerive(t, "correct-horse", make([]byte, SaltSize))
	enc, err := Encrypt("hunter2", key)
	require.NoError(t, err)

	text := EncodeSecret(enc)
	back, err := DecodeSecret(text)
	require.NoError(t, err)

	got, err := Decrypt(back.Ciphertext, back.IV, key)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	_, err = DecodeSecret(EncodedSecret{Ciphertext: "%%%", IV: text.IV})
	require.ErrorIs(t, err, ErrEncoding)
	_, err = DecodeSecret(EncodedSecret{Ciphertext: text.Ciphertext, IV: "%%%"})
	require.ErrorIs(t, err, ErrEncoding)
}
