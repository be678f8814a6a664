package secrets

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err := New(key)
	require.NoError(t, err)

	blob, err := enc.Encrypt("s3cret-value")
	require.NoError(t, err)
	require.NotEqual(t, "s3cret-value", blob)

	plaintext, err := enc.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, "s3cret-value", plaintext)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err := New(key)
	require.NoError(t, err)

	a, err := enc.Encrypt("same")
	require.NoError(t, err)
	b, err := enc.Encrypt("same")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestNewRejectsBadKeys(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
	_, err = New("not base64!!!")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = New("c2hvcnQ=") // decodes to 5 bytes
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestDecryptRejectsTamperedBlob(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err := New(key)
	require.NoError(t, err)

	blob, err := enc.Encrypt("value")
	require.NoError(t, err)
	raw, err := base64.URLEncoding.DecodeString(blob)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	_, err = enc.Decrypt(base64.URLEncoding.EncodeToString(raw))
	require.Error(t, err)

	_, err = enc.Decrypt("AAAA")
	require.Error(t, err)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	keyA, err := GenerateKey()
	require.NoError(t, err)
	keyB, err := GenerateKey()
	require.NoError(t, err)
	encA, err := New(keyA)
	require.NoError(t, err)
	encB, err := New(keyB)
	require.NoError(t, err)

	blob, err := encA.Encrypt("value")
	require.NoError(t, err)
	_, err = encB.Decrypt(blob)
	require.Error(t, err)
}
