package nvhttp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	certFile     = "client.pem"
	keyFile      = "key.pem"
	uniqueIDFile = "uniqueid.dat"
)

// Identity is the client certificate and unique ID presented to hosts.
type Identity struct {
	UniqueID string

	certPEM []byte
	certDER []byte
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	tlsCert tls.Certificate
}

// LoadOrCreateIdentity loads the identity from dir, generating and saving a
// new one when none exists yet.
func LoadOrCreateIdentity(dir string) (*Identity, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	certPath := filepath.Join(dir, certFile)
	keyPath := filepath.Join(dir, keyFile)
	idPath := filepath.Join(dir, uniqueIDFile)

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	idBytes, idErr := os.ReadFile(idPath)

	if certErr == nil && keyErr == nil && idErr == nil {
		return parseIdentity(strings.TrimSpace(string(idBytes)), certPEM, keyPEM)
	}
	for _, err := range []error{certErr, keyErr, idErr} {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	id, err := generateIdentity()
	if err != nil {
		return nil, err
	}

	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(id.key)})
	if err := os.WriteFile(certPath, id.certPEM, 0600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(idPath, []byte(id.UniqueID), 0600); err != nil {
		return nil, err
	}
	return id, nil
}

func generateIdentity() (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().Unix()),
		Subject:               pkix.Name{CommonName: "NVIDIA GameStream Client"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(20, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	// Hosts expect 16 hex digits
	uid := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return parseIdentity(uid, certPEM, keyPEM)
}

func parseIdentity(uniqueID string, certPEM, keyPEM []byte) (*Identity, error) {
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	key, ok := tlsCert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("client key is not RSA")
	}
	cert, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, err
	}
	if uniqueID == "" {
		return nil, errors.New("empty client unique id")
	}

	return &Identity{
		UniqueID: uniqueID,
		certPEM:  certPEM,
		certDER:  tlsCert.Certificate[0],
		cert:     cert,
		key:      key,
		tlsCert:  tlsCert,
	}, nil
}
