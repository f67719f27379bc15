/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

func TestStateRoundTrip(t *testing.T) {
	envelope := NewEnvelopeWithKey("unit-test-key")
	plain := []byte(`{"version": 4, "serial": 7}`)

	blob, err := envelope.EncryptState(plain)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(blob), MagicPrefix))
	assert.NotEqual(t, plain, blob)

	got, err := envelope.DecryptState(blob)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestLegacyPlaintextPassthrough(t *testing.T) {
	envelope := NewEnvelopeWithKey("unit-test-key")
	legacy := []byte(`{"version": 3}`)

	got, err := envelope.DecryptState(legacy)
	require.NoError(t, err)
	assert.Equal(t, legacy, got)
}

func TestStateWithoutKeyIsPlaintext(t *testing.T) {
	envelope := NewEnvelopeWithKey("")

	blob, err := envelope.EncryptState([]byte("data"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), blob)

	got, err := envelope.DecryptState(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
}

func TestEncryptedStateWithoutKeyFails(t *testing.T) {
	writer := NewEnvelopeWithKey("unit-test-key")
	blob, err := writer.EncryptState([]byte("secret"))
	require.NoError(t, err)

	reader := NewEnvelopeWithKey("")
	_, err = reader.DecryptState(blob)
	require.Error(t, err)
	assert.Equal(t, commonerrors.EncryptionKeyMissing, commonerrors.GetErrorCode(err))
}

func TestCorruptCiphertext(t *testing.T) {
	envelope := NewEnvelopeWithKey("unit-test-key")
	blob, err := envelope.EncryptState([]byte("secret"))
	require.NoError(t, err)

	// Flip a byte past the prefix so the auth tag fails.
	blob[len(blob)-1] ^= 0x01
	_, err = envelope.DecryptState(blob)
	require.Error(t, err)
	assert.Equal(t, commonerrors.CorruptCiphertext, commonerrors.GetErrorCode(err))

	// A different key must fail authentication as well.
	other := NewEnvelopeWithKey("other-key")
	blob2, err := envelope.EncryptState([]byte("secret"))
	require.NoError(t, err)
	_, err = other.DecryptState(blob2)
	require.Error(t, err)
	assert.Equal(t, commonerrors.CorruptCiphertext, commonerrors.GetErrorCode(err))
}

// Pins the token construction: version byte, timestamp, IV, AES-128-CBC
// ciphertext and a trailing HMAC-SHA256 tag, each half of the key serving
// its own role. Verified here with independent stdlib calls rather than
// through Decrypt.
func TestTokenConstruction(t *testing.T) {
	key := sha256.Sum256([]byte("unit-test-key"))
	envelope := NewEnvelopeWithKey("unit-test-key")
	plain := []byte("terraform state")

	blob, err := envelope.EncryptState(plain)
	require.NoError(t, err)
	raw, err := base64.URLEncoding.DecodeString(string(blob[len(MagicPrefix):]))
	require.NoError(t, err)

	require.Greater(t, len(raw), 1+8+aes.BlockSize+sha256.Size)
	assert.Equal(t, byte(0x80), raw[0])

	body, tag := raw[:len(raw)-sha256.Size], raw[len(raw)-sha256.Size:]
	mac := hmac.New(sha256.New, key[:16])
	mac.Write(body)
	assert.Equal(t, mac.Sum(nil), tag)

	block, err := aes.NewCipher(key[16:])
	require.NoError(t, err)
	iv := body[9 : 9+aes.BlockSize]
	ciphertext := body[9+aes.BlockSize:]
	decrypted := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(decrypted, ciphertext)
	pad := int(decrypted[len(decrypted)-1])
	assert.Equal(t, plain, decrypted[:len(decrypted)-pad])
}

// A token assembled by hand, the way other fernet implementations would
// emit it, must open through the envelope.
func TestDecryptForeignToken(t *testing.T) {
	key := sha256.Sum256([]byte("unit-test-key"))
	plain := []byte("imported")
	padN := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(padN)}, padN)...)

	token := []byte{0x80}
	token = binary.BigEndian.AppendUint64(token, uint64(time.Now().Unix()))
	iv := bytes.Repeat([]byte{0x24}, aes.BlockSize)
	token = append(token, iv...)
	block, err := aes.NewCipher(key[16:])
	require.NoError(t, err)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	token = append(token, ciphertext...)
	mac := hmac.New(sha256.New, key[:16])
	mac.Write(token)
	token = mac.Sum(token)

	envelope := NewEnvelopeWithKey("unit-test-key")
	blob := append([]byte(MagicPrefix), base64.URLEncoding.EncodeToString(token)...)
	got, err := envelope.DecryptState(blob)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

// A 32-byte urlsafe-base64 key is used verbatim instead of being hashed.
func TestBase64KeyUsedDirectly(t *testing.T) {
	raw := bytes.Repeat([]byte{0x42}, 32)
	encoded := base64.URLEncoding.EncodeToString(raw)

	writer := NewEnvelopeWithKey(encoded)
	blob, err := writer.EncryptState([]byte("secret"))
	require.NoError(t, err)

	reader := NewEnvelopeWithKey(encoded)
	got, err := reader.DecryptState(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)

	// The same string hashed as a pass-phrase would be a different key.
	hashed := &Envelope{key: func() []byte { d := sha256.Sum256([]byte(encoded)); return d[:] }()}
	_, err = hashed.DecryptState(blob)
	require.Error(t, err)
}

func TestValueEncryption(t *testing.T) {
	envelope := NewEnvelopeWithKey("unit-test-key")

	ciphertext, err := envelope.EncryptValue("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ciphertext, MagicPrefix))

	plain, err := envelope.DecryptValue(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	// Sensitive writes without a key fail instead of degrading.
	bare := NewEnvelopeWithKey("")
	_, err = bare.EncryptValue("hunter2")
	require.Error(t, err)
	assert.Equal(t, commonerrors.EncryptionKeyMissing, commonerrors.GetErrorCode(err))
}
