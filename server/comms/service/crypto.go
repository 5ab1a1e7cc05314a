package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"

	"pharma_comms/server/comms/domain"
)

// blob layout: 1 version byte, then the GCM nonce, then ciphertext+tag.
const blobVersionAESGCM = 0x01

type EncryptionGateway struct {
	key  []byte
	aead cipher.AEAD
}

// NewEncryptionGateway expects a hex-encoded 32-byte key sourced from
// configuration at process start. There is no per-message key rotation.
func NewEncryptionGateway(hexKey string) (*EncryptionGateway, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode message key: %w", err)
	}
	return NewEncryptionGatewayFromKey(key)
}

func NewEncryptionGatewayFromKey(key []byte) (*EncryptionGateway, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("message key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &EncryptionGateway{key: key, aead: aead}, nil
}

func (g *EncryptionGateway) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, g.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	blob := make([]byte, 0, 1+len(nonce)+len(plaintext)+g.aead.Overhead())
	blob = append(blob, blobVersionAESGCM)
	blob = append(blob, nonce...)
	blob = g.aead.Seal(blob, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(blob), nil
}

func (g *EncryptionGateway) Decrypt(encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed blob", domain.ErrIntegrity)
	}
	nonceSize := g.aead.NonceSize()
	if len(blob) < 1+nonceSize+g.aead.Overhead() || blob[0] != blobVersionAESGCM {
		return nil, fmt.Errorf("%w: malformed blob", domain.ErrIntegrity)
	}
	nonce := blob[1 : 1+nonceSize]
	plaintext, err := g.aead.Open(nil, nonce, blob[1+nonceSize:], nil)
	if err != nil {
		return nil, domain.ErrIntegrity
	}
	return plaintext, nil
}

// KeyedHash returns a hex HMAC-SHA256 over data under the gateway key.
func (g *EncryptionGateway) KeyedHash(data []byte) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *EncryptionGateway) VerifyKeyedHash(data []byte, hexDigest string) bool {
	expected, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, g.key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), expected)
}

// DeriveKey stretches a passphrase into a 32-byte key for archival
// export/import.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, 32)
}

func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
