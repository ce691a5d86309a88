package certca

import (
	"fmt"
	"os"
	"path/filepath"
)

// The persistence layout keeps one directory per cache key, with the key's
// leading character replaced by "+":
//
//	Violentca.crt / Violentca.public / Violentca.private
//	+.example.com/Violentcert.crt / .public / .private
//
// A leaf is only considered present when the whole triple reads back; the
// writer writes all three files before the in-memory entry is promoted, so
// readers never observe a partial triple.

func (s *Store) loadCAMaterial() (*CA, error) {
	certPEM, err := os.ReadFile(s.caPath(".crt"))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(s.caPath(".private"))
	if err != nil {
		return nil, err
	}
	cert, key, err := parsePair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ca material: %w", err)
	}
	return &CA{Cert: cert, Key: key, CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

func (s *Store) writeCAMaterial(ca *CA) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}
	if err := os.WriteFile(s.caPath(".crt"), ca.CertPEM, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(s.caPath(".public"), encodePublicPEM(ca.Key), 0o644); err != nil {
		return err
	}
	return os.WriteFile(s.caPath(".private"), ca.KeyPEM, 0o600)
}

func (s *Store) loadLeafMaterial(key string) (*Material, error) {
	certPEM, err := os.ReadFile(s.leafPath(key, ".crt"))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(s.leafPath(key, ".private"))
	if err != nil {
		return nil, err
	}
	publicPEM, err := os.ReadFile(s.leafPath(key, ".public"))
	if err != nil {
		return nil, err
	}
	return &Material{CertPEM: certPEM, KeyPEM: keyPEM, PublicPEM: publicPEM}, nil
}

func (s *Store) writeLeafMaterial(key string, m *Material) error {
	dir := filepath.Join(s.dir, keyToDir(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create leaf dir: %w", err)
	}
	if err := os.WriteFile(s.leafPath(key, ".crt"), m.CertPEM, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(s.leafPath(key, ".public"), m.PublicPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(s.leafPath(key, ".private"), m.KeyPEM, 0o600)
}
