package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"vsca/internal/config"
)

// bootstrap fills in the token and TLS material of cfg, generating whatever
// is missing, and writes the result to configPath.
func bootstrap(configPath string, cfg *Config) error {
	if cfg.Token == "" {
		token, err := randomToken()
		if err != nil {
			return err
		}
		cfg.Token = token
	}
	if cfg.TLSCert == "" {
		cfg.TLSCert = config.Sibling(configPath, "cert.pem")
	}
	if cfg.TLSKey == "" {
		cfg.TLSKey = config.Sibling(configPath, "key.pem")
	}
	certOK, err := config.Exists(cfg.TLSCert)
	if err != nil {
		return err
	}
	keyOK, err := config.Exists(cfg.TLSKey)
	if err != nil {
		return err
	}
	if !certOK || !keyOK {
		if err := generateSelfSigned(cfg.TLSCert, cfg.TLSKey); err != nil {
			return err
		}
	}
	return config.Write(configPath, cfg)
}

func randomToken() (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("token random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(secret), nil
}

func generateSelfSigned(certPath, keyPath string) error {
	for _, p := range []string{certPath, keyPath} {
		if err := config.EnsureDir(p); err != nil {
			return err
		}
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	host, _ := os.Hostname()
	names := []string{"localhost"}
	if host != "" {
		names = append(names, host)
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "vsca-agent"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              names,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("create cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		return fmt.Errorf("write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}
