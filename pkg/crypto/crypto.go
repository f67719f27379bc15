/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Token layout: version byte 0x80, big-endian unix timestamp, CBC IV,
// AES-128-CBC ciphertext (PKCS#7 padded), HMAC-SHA256 over everything
// before the tag; the whole token base64url-encoded. The 32-byte key
// splits into a signing half and an encryption half. This is the token
// format of the widely deployed fernet libraries, so state written by
// earlier deployments opens unchanged.
const (
	tokenVersion  = 0x80
	timestampSize = 8
	ivSize        = aes.BlockSize
	tagSize       = sha256.Size
	headerSize    = 1 + timestampSize + ivSize
)

// Encrypt seals plainText into a base64url-encoded authenticated token
// using the provided 32-byte key.
func Encrypt(plainText []byte, key []byte) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key[16:])
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivSize)
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	padded := padPKCS7(plainText)
	token := make([]byte, 0, headerSize+len(padded)+tagSize)
	token = append(token, tokenVersion)
	token = binary.BigEndian.AppendUint64(token, uint64(time.Now().Unix()))
	token = append(token, iv...)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	token = append(token, ciphertext...)
	mac := hmac.New(sha256.New, key[:16])
	mac.Write(token)
	token = mac.Sum(token)
	return base64.URLEncoding.EncodeToString(token), nil
}

// Decrypt opens a token produced by Encrypt. The HMAC is verified before
// any decryption, so a wrong key or tampered ciphertext always fails.
func Decrypt(token string, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	if len(raw) < headerSize+aes.BlockSize+tagSize || raw[0] != tokenVersion {
		return nil, fmt.Errorf("malformed token")
	}
	body, tag := raw[:len(raw)-tagSize], raw[len(raw)-tagSize:]
	mac := hmac.New(sha256.New, key[:16])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, fmt.Errorf("token authentication failed")
	}
	ciphertext := body[headerSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("malformed token")
	}
	block, err := aes.NewCipher(key[16:])
	if err != nil {
		return nil, err
	}
	iv := body[1+timestampSize : headerSize]
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return unpadPKCS7(plain)
}

func padPKCS7(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("malformed padding")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, fmt.Errorf("malformed padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("malformed padding")
		}
	}
	return data[:len(data)-n], nil
}
