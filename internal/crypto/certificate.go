package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
)

// ParseLeaf decodes the first CERTIFICATE block of a PEM chain.
func ParseLeaf(certPEM []byte) (*x509.Certificate, error) {
	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("failed to decode certificate PEM")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		return cert, nil
	}
}

// ValidateKeyPair checks that the chain and key belong together and that the
// leaf covers domain, either exactly or through a *.domain wildcard. It
// returns the parsed leaf.
func ValidateKeyPair(certPEM, keyPEM []byte, domain string) (*x509.Certificate, error) {
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, fmt.Errorf("certificate and key do not match: %w", err)
	}

	leaf, err := ParseLeaf(certPEM)
	if err != nil {
		return nil, err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	if _, err := ParsePrivateKey(keyBlock.Bytes); err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	if !Covers(leaf, domain) {
		return nil, fmt.Errorf("certificate does not cover %s (names: %s)", domain, strings.Join(leaf.DNSNames, ", "))
	}
	if !leaf.NotAfter.After(leaf.NotBefore) {
		return nil, fmt.Errorf("certificate has an empty validity window")
	}
	return leaf, nil
}

// Covers reports whether the certificate is valid for domain. A wildcard
// entry *.example.com also counts for example.com itself, matching how the
// wildcard and apex are always requested together.
func Covers(cert *x509.Certificate, domain string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	names := cert.DNSNames
	if len(names) == 0 && cert.Subject.CommonName != "" {
		names = []string{cert.Subject.CommonName}
	}
	for _, n := range names {
		n = strings.ToLower(n)
		if n == domain || n == "*."+domain {
			return true
		}
	}
	return cert.VerifyHostname(domain) == nil
}

// ParsePrivateKey tries to parse a private key in PKCS8, PKCS1, or EC formats.
func ParsePrivateKey(der []byte) (any, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch key.(type) {
		case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
			return key, nil
		default:
			return nil, fmt.Errorf("unsupported private key type in PKCS8")
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("failed to parse private key")
}
