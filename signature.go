package corppass

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// SignatureVerifier verifies XML signatures on protocol messages received
// from the IdP. This is a port interface - implementations are adapters.
//
// The interface returns the validated element (not just an error) following
// goxmldsig practice, so callers work with the signed subtree and cannot be
// caught by signature wrapping.
type SignatureVerifier interface {
	// Verify validates the enveloped signature on el and returns the
	// validated element. Returns an error if the signature is invalid
	// or missing.
	Verify(el *etree.Element) (*etree.Element, error)
}

// NoopVerifier is a pass-through verifier for development/testing.
// It returns the input unchanged without verification.
type NoopVerifier struct{}

// NewNoopVerifier creates a new NoopVerifier.
func NewNoopVerifier() *NoopVerifier {
	return &NoopVerifier{}
}

// Verify returns the input unchanged without verification.
func (v *NoopVerifier) Verify(el *etree.Element) (*etree.Element, error) {
	return el, nil
}

// XMLDsigVerifier verifies XML signatures using goxmldsig.
// It validates enveloped signatures against trusted IdP certificates.
type XMLDsigVerifier struct {
	certStore dsig.X509CertificateStore
}

// NewXMLDsigVerifier creates a verifier with a single trust anchor certificate.
func NewXMLDsigVerifier(cert *x509.Certificate) *XMLDsigVerifier {
	return NewXMLDsigVerifierWithCerts([]*x509.Certificate{cert})
}

// NewXMLDsigVerifierWithCerts creates a verifier with multiple trust anchor
// certificates. This supports certificate rollover scenarios.
func NewXMLDsigVerifierWithCerts(certs []*x509.Certificate) *XMLDsigVerifier {
	return &XMLDsigVerifier{
		certStore: &dsig.MemoryX509CertificateStore{
			Roots: certs,
		},
	}
}

// Verify validates the enveloped signature on el against the trusted
// certificates and returns the validated element.
func (v *XMLDsigVerifier) Verify(el *etree.Element) (*etree.Element, error) {
	ctx := dsig.NewDefaultValidationContext(v.certStore)

	validated, err := ctx.Validate(el)
	if err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("signature verification failed: %w", err)}
	}
	return validated, nil
}

// LoadSigningCertificates loads one or more PEM certificates from a file.
func LoadSigningCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate file: %w", err)
	}

	var certs []*x509.Certificate
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, errors.New("no certificates found in " + path)
	}
	return certs, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	// Try PKCS8 first (modern format), then PKCS1 (legacy RSA format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return rsaKey, nil
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key is not RSA")
	}

	return rsaKey, nil
}
