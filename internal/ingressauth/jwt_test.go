package ingressauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/rise-platform/rise/internal/models"
)

func TestIssueAndVerifyIngressToken(t *testing.T) {
	m := NewJWTManager([]byte("a-test-ingress-secret"), "https://rise.example.com", nil)

	token, err := m.IssueIngressToken("user-1", "person@example.com", "Person", time.Hour)
	if err != nil {
		t.Fatalf("IssueIngressToken: %v", err)
	}

	claims, err := m.VerifyIngressToken(token)
	if err != nil {
		t.Fatalf("VerifyIngressToken: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "person@example.com" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestVerifyIngressTokenRejectsWrongSecret(t *testing.T) {
	m := NewJWTManager([]byte("secret-a"), "https://rise.example.com", nil)
	token, err := m.IssueIngressToken("user-1", "person@example.com", "", time.Hour)
	if err != nil {
		t.Fatalf("IssueIngressToken: %v", err)
	}

	other := NewJWTManager([]byte("secret-b"), "https://rise.example.com", nil)
	if _, err := other.VerifyIngressToken(token); err == nil {
		t.Error("expected verification under a different secret to fail")
	}
}

func TestVerifyIngressTokenRejectsExpired(t *testing.T) {
	m := NewJWTManager([]byte("a-test-ingress-secret"), "https://rise.example.com", nil)
	token, err := m.IssueIngressToken("user-1", "person@example.com", "", -time.Minute)
	if err != nil {
		t.Fatalf("IssueIngressToken: %v", err)
	}
	if _, err := m.VerifyIngressToken(token); err == nil {
		t.Error("expected an already-expired token to fail verification")
	}
}

func generateTestKeyPEMs(t *testing.T) (priv, pub []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	priv = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pub = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return priv, pub
}

func TestIssueAndVerifyAppUserToken(t *testing.T) {
	priv, pub := generateTestKeyPEMs(t)
	key := &models.SigningKey{KID: "kid-1", PrivateKey: priv, PublicKey: pub}

	m := &JWTManager{
		Issuer:   "https://rise.example.com",
		keyCache: map[string]*models.SigningKey{"kid-1": key},
		latest:   key,
	}

	token, err := m.IssueAppUserToken("user-1", "person@example.com", "Person", []string{"engineering"}, "myapp", time.Hour)
	if err != nil {
		t.Fatalf("IssueAppUserToken: %v", err)
	}

	claims, err := m.VerifyAppUserToken(token)
	if err != nil {
		t.Fatalf("VerifyAppUserToken: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "person@example.com" || len(claims.Groups) != 1 {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestIssueAppUserTokenWithNoKeyFails(t *testing.T) {
	m := &JWTManager{Issuer: "https://rise.example.com", keyCache: map[string]*models.SigningKey{}}
	if _, err := m.IssueAppUserToken("user-1", "a@b.com", "", nil, "myapp", time.Hour); err == nil {
		t.Error("expected an error when no signing key is available")
	}
}

func TestJWKSDocumentListsRetainedKeys(t *testing.T) {
	priv, pub := generateTestKeyPEMs(t)
	key := &models.SigningKey{KID: "kid-1", PrivateKey: priv, PublicKey: pub}
	m := &JWTManager{keyCache: map[string]*models.SigningKey{"kid-1": key}, latest: key}

	doc, err := m.JWKSDocument()
	if err != nil {
		t.Fatalf("JWKSDocument: %v", err)
	}
	keys, ok := doc["keys"].([]map[string]interface{})
	if !ok || len(keys) != 1 {
		t.Fatalf("expected exactly one published key, got %v", doc)
	}
	if keys[0]["kid"] != "kid-1" {
		t.Errorf("unexpected kid: %v", keys[0]["kid"])
	}
}
