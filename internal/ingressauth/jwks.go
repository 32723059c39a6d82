package ingressauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"fmt"
)

func rsaModulusBase64(pub *rsa.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
}

func rsaExponentBase64(pub *rsa.PublicKey) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(pub.E))
	i := 0
	for i < len(buf)-1 && buf[i] == 0 {
		i++
	}
	return base64.RawURLEncoding.EncodeToString(buf[i:])
}

// GenerateSigningKey creates a fresh 2048-bit RSA keypair PEM-encoded for
// persistence via SigningKeyDB.Insert. Nothing in this tree calls it:
// cmd/main.go's ensureSigningKey generates the first-run key itself, and
// there is no rotation path.
func GenerateSigningKey() (privatePEM, publicPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	privateBytes := x509.MarshalPKCS1PrivateKey(key)
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privateBytes})

	publicBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicBytes})
	return privatePEM, publicPEM, nil
}
