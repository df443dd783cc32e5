package bus

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearTLSEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{envNATSTLSCA, envNATSTLSCert, envNATSTLSKey, envNATSTLSInsecure, envNATSTLSServerName} {
		t.Setenv(key, "")
	}
}

func TestNATSTLSDisabledByDefault(t *testing.T) {
	clearTLSEnv(t)
	cfg, err := natsTLSConfigFromEnv()
	if err != nil || cfg != nil {
		t.Fatalf("expected no TLS config, got %+v %v", cfg, err)
	}
}

func TestNATSTLSServerNameAndInsecure(t *testing.T) {
	clearTLSEnv(t)
	t.Setenv(envNATSTLSServerName, "nats.internal")
	t.Setenv(envNATSTLSInsecure, "yes")
	cfg, err := natsTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerName != "nats.internal" || !cfg.InsecureSkipVerify {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestNATSTLSMutualAuth(t *testing.T) {
	clearTLSEnv(t)
	certPath, keyPath := writeSelfSigned(t, t.TempDir())
	t.Setenv(envNATSTLSCA, certPath)
	t.Setenv(envNATSTLSCert, certPath)
	t.Setenv(envNATSTLSKey, keyPath)

	cfg, err := natsTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("expected CA pool and client certificate, got %+v", cfg)
	}
}

func TestNATSTLSRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	certPath, _ := writeSelfSigned(t, dir)
	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"cert without key", map[string]string{envNATSTLSCert: certPath}, "set together"},
		{"unreadable ca", map[string]string{envNATSTLSCA: filepath.Join(dir, "missing.pem")}, "ca read"},
		{"unparseable ca", map[string]string{envNATSTLSCA: garbage}, "ca parse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTLSEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := natsTLSConfigFromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func writeSelfSigned(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: "backplane-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	certPath := filepath.Join(dir, "client.crt")
	keyPath := filepath.Join(dir, "client.key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
