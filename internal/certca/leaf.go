package certca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"sync"
	"time"
)

// Material is a signed leaf in PEM form, ready to back a TLS listener.
type Material struct {
	CertPEM   []byte
	KeyPEM    []byte
	PublicPEM []byte

	once sync.Once
	pair tls.Certificate
	err  error
}

// TLS parses the PEM pair into a tls.Certificate, caching the result.
func (m *Material) TLS() (*tls.Certificate, error) {
	m.once.Do(func() {
		m.pair, m.err = tls.X509KeyPair(m.CertPEM, m.KeyPEM)
		if m.err == nil && m.pair.Leaf == nil {
			m.pair.Leaf, m.err = x509.ParseCertificate(m.pair.Certificate[0])
		}
	})
	if m.err != nil {
		return nil, m.err
	}
	return &m.pair, nil
}

// Leaf returns the parsed end-entity certificate.
func (m *Material) Leaf() (*x509.Certificate, error) {
	pair, err := m.TLS()
	if err != nil {
		return nil, err
	}
	return pair.Leaf, nil
}

func (ca *CA) signLeaf(dnsNames []string, ips []net.IP) (*Material, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	subject := subjectBase
	subject.CommonName = "Violentserver"
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now.Add(-24 * time.Hour),
		NotAfter:     now.Add(leafLifetime),
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf: %w", err)
	}
	return &Material{
		CertPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:    encodeKeyPEM(key),
		PublicPEM: encodePublicPEM(key),
	}, nil
}
