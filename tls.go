package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// certValidity is the lifetime of the generated self-signed certificate.
const certValidity = 30 * 24 * time.Hour

// normalizeTLSHost validates the -tls-host value. It must be a bare DNS
// name or IP address: no scheme, port, path or whitespace.
func normalizeTLSHost(raw string) (string, error) {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return "", nil
	}
	if strings.ContainsAny(host, "/ \t@") || strings.Contains(host, "://") {
		return "", fmt.Errorf("tls host %q must be a bare hostname or IP", raw)
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return "", fmt.Errorf("tls host %q must not include a port", raw)
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if net.ParseIP(host) != nil {
		return host, nil
	}
	if len(host) > 253 {
		return "", fmt.Errorf("tls host %q is too long", raw)
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return "", fmt.Errorf("tls host %q is not a valid DNS name", raw)
		}
		for _, r := range label {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
				return "", fmt.Errorf("tls host %q is not a valid DNS name", raw)
			}
		}
	}
	return host, nil
}

// generateTLSConfig creates a self-signed certificate for the -tls listener
// and returns it with its SHA-256 fingerprint, which clients pin and which
// /health publishes. The certificate always covers localhost and the
// loopback addresses; hostname, when set, becomes the Common Name and is
// added as a DNS or IP SAN.
func generateTLSConfig(validity time.Duration, hostname string) (*tls.Config, string, error) {
	hostname, err := normalizeTLSHost(hostname)
	if err != nil {
		return nil, "", err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate tls key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("generate certificate serial: %w", err)
	}

	cn := "chatbox"
	if hostname != "" {
		cn = hostname
	}

	sans := []string{"localhost"}
	ips := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	if ip := net.ParseIP(hostname); ip != nil {
		if !ip.IsLoopback() {
			ips = append(ips, ip)
		}
	} else if hostname != "" && hostname != "localhost" {
		sans = append(sans, hostname)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
		IPAddresses:           ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, "", fmt.Errorf("parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)
	fingerprint := hex.EncodeToString(fp[:])

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        cert,
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS12,
	}

	return tlsConfig, fingerprint, nil
}
