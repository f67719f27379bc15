/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	commonconfig "github.com/mattrobinsonsre/terrapod/pkg/config"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

// MagicPrefix marks envelope-encrypted state blobs. Blobs without it are
// legacy plaintext and are passed through unchanged on read.
const MagicPrefix = "TPENC1:"

var (
	once     sync.Once
	instance *Envelope
)

// Envelope provides encryption for state blobs and sensitive variable
// values. State writes degrade to plaintext when no key is configured (for
// development); sensitive value writes do not.
type Envelope struct {
	key []byte
}

// NewEnvelope returns the singleton envelope bound to the configured key.
// The returned envelope is usable without a key; only operations that need
// one fail.
func NewEnvelope() *Envelope {
	once.Do(func() {
		key := ""
		if commonconfig.IsCryptoEnable() {
			key = commonconfig.GetCryptoKey()
			if key == "" {
				klog.Errorf("crypto is enabled but crypto.secret_path holds no key")
			}
		}
		instance = NewEnvelopeWithKey(key)
	})
	return instance
}

// NewEnvelopeWithKey builds an envelope from the configured key string. A
// urlsafe-base64, 32-byte key is used as-is, so key material generated for
// fernet-based deployments carries over; anything else is treated as a
// pass-phrase and the 32 bytes are derived with SHA-256.
func NewEnvelopeWithKey(key string) *Envelope {
	if key == "" {
		return &Envelope{}
	}
	if raw, err := base64.URLEncoding.DecodeString(key); err == nil && len(raw) == 32 {
		return &Envelope{key: raw}
	}
	derived := sha256.Sum256([]byte(key))
	return &Envelope{key: derived[:]}
}

func (e *Envelope) HasKey() bool {
	return len(e.key) > 0
}

// EncryptState encrypts a state blob and prepends the magic prefix. Without
// a configured key the blob is stored plaintext.
func (e *Envelope) EncryptState(plain []byte) ([]byte, error) {
	if !e.HasKey() {
		return plain, nil
	}
	ciphertext, err := Encrypt(plain, e.key)
	if err != nil {
		return nil, commonerrors.NewInternalError(err.Error())
	}
	return append([]byte(MagicPrefix), ciphertext...), nil
}

// DecryptState reads a state blob written by EncryptState or by a legacy
// deployment that stored plaintext.
func (e *Envelope) DecryptState(blob []byte) ([]byte, error) {
	if !strings.HasPrefix(string(blob), MagicPrefix) {
		return blob, nil
	}
	if !e.HasKey() {
		return nil, commonerrors.NewInternalErrorWithReason(commonerrors.EncryptionKeyMissing,
			"state blob is encrypted but no encryption key is configured")
	}
	plain, err := Decrypt(string(blob[len(MagicPrefix):]), e.key)
	if err != nil {
		return nil, commonerrors.NewInternalErrorWithReason(commonerrors.CorruptCiphertext,
			"failed to authenticate state blob ciphertext")
	}
	return plain, nil
}

// EncryptValue encrypts a sensitive variable value. Unlike state writes this
// never degrades to plaintext.
func (e *Envelope) EncryptValue(plain string) (string, error) {
	if !e.HasKey() {
		return "", commonerrors.NewInternalErrorWithReason(commonerrors.EncryptionKeyMissing,
			"encryption is not configured")
	}
	ciphertext, err := Encrypt([]byte(plain), e.key)
	if err != nil {
		return "", commonerrors.NewInternalError(err.Error())
	}
	return MagicPrefix + ciphertext, nil
}

func (e *Envelope) DecryptValue(value string) (string, error) {
	if !strings.HasPrefix(value, MagicPrefix) {
		return value, nil
	}
	if !e.HasKey() {
		return "", commonerrors.NewInternalErrorWithReason(commonerrors.EncryptionKeyMissing,
			"value is encrypted but no encryption key is configured")
	}
	plain, err := Decrypt(strings.TrimPrefix(value, MagicPrefix), e.key)
	if err != nil {
		return "", commonerrors.NewInternalErrorWithReason(commonerrors.CorruptCiphertext,
			"failed to authenticate value ciphertext")
	}
	return string(plain), nil
}
