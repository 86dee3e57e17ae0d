package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MockAdapter is an in-process credential verifier: a fixed user/password
// table, uuid-issued remember-me tokens, and a freshly generated RSA key
// pair per instance.
type MockAdapter struct {
	key   *rsa.PrivateKey
	users map[string]string

	mu     sync.Mutex
	tokens map[string]string
}

// NewMockAdapter builds an adapter over the given user→password table
func NewMockAdapter(users map[string]string) (*MockAdapter, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	cloned := make(map[string]string, len(users))
	for u, p := range users {
		cloned[u] = p
	}
	return &MockAdapter{
		key:    key,
		users:  cloned,
		tokens: make(map[string]string),
	}, nil
}

// EncryptionKey returns the PEM-encoded RSA public key
func (a *MockAdapter) EncryptionKey() (string, bool) {
	der, err := x509.MarshalPKIXPublicKey(&a.key.PublicKey)
	if err != nil {
		return "", false
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), true
}

// VerifyEncrypted decrypts a base64 RSA credential of the form
// "user\npassword" and checks it against the user table.
func (a *MockAdapter) VerifyEncrypted(credential string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		return "", false
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, a.key, raw)
	if err != nil {
		return "", false
	}
	user, password, ok := strings.Cut(string(plain), "\n")
	if !ok {
		return "", false
	}
	if expected, exists := a.users[user]; exists && expected == password {
		return user, true
	}
	return "", false
}

// IssueToken mints a remember-me token for an already verified user
func (a *MockAdapter) IssueToken(user string) string {
	token := uuid.NewString()
	a.mu.Lock()
	a.tokens[token] = user
	a.mu.Unlock()
	return token
}

// VerifyToken resolves a remember-me token to its user
func (a *MockAdapter) VerifyToken(token string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	user, ok := a.tokens[token]
	return user, ok
}

// EncryptCredential is the client half of VerifyEncrypted: it encrypts
// "user\npassword" with the PEM public key the server handed out.
func EncryptCredential(pemKey, user, password string) (string, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return "", fmt.Errorf("no PEM block in key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("not an RSA public key")
	}
	cipher, err := rsa.EncryptPKCS1v15(rand.Reader, rsaPub, []byte(user+"\n"+password))
	if err != nil {
		return "", fmt.Errorf("encrypt credential: %w", err)
	}
	return base64.StdEncoding.EncodeToString(cipher), nil
}
