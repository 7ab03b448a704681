package recovery

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkey/crypto"
)

type capturePresenter struct {
	shown []string
	err   error
}

func (p *capturePresenter) ShowRecoveryKeyOnce(_ context.Context, text string) error {
	p.shown = append(p.shown, text)
	return p.err
}

type staticSource struct {
	wrap crypto.EncodedSecret
	err  error
}

func (s staticSource) GetRecoveryWrap(context.Context) (crypto.EncodedSecret, error) {
	return s.wrap, s.err
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	k2, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, k1, KeySize)
	assert.NotEqual(t, k1, k2)
}

func TestWrapUnwrap(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	w, err := Wrap("correct-horse", key)
	require.NoError(t, err)

	pw, err := Unwrap(w.Ciphertext, w.IV, key)
	require.NoError(t, err)
	assert.Equal(t, "correct-horse", pw)

	t.Run("WrongKey", func(t *testing.T) {
		other, err := GenerateKey()
		require.NoError(t, err)
		_, err = Unwrap(w.Ciphertext, w.IV, other)
		require.ErrorIs(t, err, ErrUnwrap)
	})
	t.Run("ShortKey", func(t *testing.T) {
		_, err := Unwrap(w.Ciphertext, w.IV, key[:10])
		require.ErrorIs(t, err, ErrUnwrap)
	})
	t.Run("Corrupted", func(t *testing.T) {
		ct := bytes.Clone(w.Ciphertext)
		ct[len(ct)-1] ^= 1
		_, err := Unwrap(ct, w.IV, key)
		require.ErrorIs(t, err, ErrUnwrap)
	})
}

func TestFormatParseKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	text := FormatKey(key)
	assert.NotContains(t, text, "=")
	for _, group := range strings.Split(text, "-") {
		assert.LessOrEqual(t, len(group), groupLen)
	}

	got, err := ParseKey(text)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	t.Run("IgnoresWhitespaceAndDashes", func(t *testing.T) {
		messy := "  " + strings.ReplaceAll(text, "-", " -\n") + "\t"
		got, err := ParseKey(messy)
		require.NoError(t, err)
		assert.Equal(t, key, got)
	})
	t.Run("AcceptsPaddedBase64", func(t *testing.T) {
		got, err := ParseKey(crypto.BytesToText(key))
		require.NoError(t, err)
		assert.Equal(t, key, got)
	})
	t.Run("Invalid", func(t *testing.T) {
		for _, in := range []string{"", "!!!!", crypto.BytesToText(key[:16])} {
			_, err := ParseKey(in)
			require.ErrorIs(t, err, ErrInvalidKey, "input %q", in)
		}
	})
}

func TestIssue(t *testing.T) {
	p := &capturePresenter{}
	w, err := Issue(t.Context(), "correct-horse", p)
	require.NoError(t, err)
	require.Len(t, p.shown, 1)

	key, err := ParseKey(p.shown[0])
	require.NoError(t, err)
	pw, err := Unwrap(w.Ciphertext, w.IV, key)
	require.NoError(t, err)
	assert.Equal(t, "correct-horse", pw)
}

func TestIssue_PresenterFails(t *testing.T) {
	p := &capturePresenter{err: errors.New("dialog closed")}
	_, err := Issue(t.Context(), "correct-horse", p)
	require.Error(t, err)
}

func TestIssuance_PresentOnce(t *testing.T) {
	iss, err := NewIssuance("correct-horse")
	require.NoError(t, err)

	p := &capturePresenter{}
	require.NoError(t, iss.Present(t.Context(), p))
	require.ErrorIs(t, iss.Present(t.Context(), p), ErrAlreadyPresented)
	assert.Len(t, p.shown, 1)

	iss.Destroy()
}

func TestIssuance_DestroyBeforePresent(t *testing.T) {
	iss, err := NewIssuance("correct-horse")
	require.NoError(t, err)
	iss.Destroy()

	p := &capturePresenter{}
	require.ErrorIs(t, iss.Present(t.Context(), p), ErrAlreadyPresented)
	assert.Empty(t, p.shown)
}

func TestRecover(t *testing.T) {
	p := &capturePresenter{}
	w, err := Issue(t.Context(), "correct-horse", p)
	require.NoError(t, err)
	src := staticSource{wrap: crypto.EncodeSecret(w)}

	pw, err := Recover(t.Context(), src, p.shown[0])
	require.NoError(t, err)
	assert.Equal(t, "correct-horse", pw)

	t.Run("WrongKey", func(t *testing.T) {
		other, err := GenerateKey()
		require.NoError(t, err)
		_, err = Recover(t.Context(), src, FormatKey(other))
		require.ErrorIs(t, err, ErrUnwrap)
	})
	t.Run("Malformed", func(t *testing.T) {
		_, err := Recover(t.Context(), src, "not a key")
		require.ErrorIs(t, err, ErrUnwrap)
	})
	t.Run("SourceError", func(t *testing.T) {
		boom := errors.New("backend down")
		_, err := Recover(t.Context(), staticSource{err: boom}, p.shown[0])
		require.ErrorIs(t, err, boom)
	})
}
