package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/npezzotti/crm-gateway/internal/types"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealedPrefix = "v1."
	sealedInfo   = "crm-gateway sealed session token"
)

// SealedStrategy decrypts claim sets sealed with XChaCha20-Poly1305 under a
// key derived from the shared secret with HKDF-SHA256.
type SealedStrategy struct {
	key []byte
	now func() time.Time
}

func NewSealedStrategy(secret []byte) (*SealedStrategy, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	return &SealedStrategy{key: key, now: time.Now}, nil
}

func (s *SealedStrategy) Name() string {
	return "sealed"
}

func (s *SealedStrategy) Identify(_ context.Context, token string) (*types.Identity, error) {
	body, ok := strings.CutPrefix(token, sealedPrefix)
	if !ok {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("token too short")
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(sealedPrefix))
	if err != nil {
		return nil, fmt.Errorf("open token: %w", err)
	}

	var c claims
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return nil, fmt.Errorf("unmarshal claims: %w", err)
	}

	if c.Exp != 0 && s.now().Unix() > c.Exp {
		return nil, fmt.Errorf("token expired")
	}

	return c.identity(), nil
}

// SealToken issues a token SealedStrategy accepts.
func SealToken(secret []byte, id types.Identity, exp time.Duration) (string, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	plaintext, err := json.Marshal(claims{
		Id:        flexString(id.Id),
		Email:     id.Email,
		Name:      id.Name,
		Role:      id.Role,
		TenantId:  flexString(id.TenantId),
		AvatarUrl: id.AvatarUrl,
		Exp:       time.Now().Add(exp).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, []byte(sealedPrefix))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func deriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty secret")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sealedInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
