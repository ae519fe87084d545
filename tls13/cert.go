package tls13

import (
	"crypto/x509"
	"fmt"
)

// parseCertificateMsg parses a TLS 1.3 Certificate handshake message
// (without the 4-byte handshake header) into the certificate chain, leaf
// first.
func parseCertificateMsg(data []byte) ([]*x509.Certificate, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("Certificate message too short")
	}

	// certificate_request_context
	contextLen := int(data[0])
	offset := 1 + contextLen
	if offset+3 > len(data) {
		return nil, fmt.Errorf("invalid certificate request context")
	}

	listLen := int(data[offset])<<16 | int(data[offset+1])<<8 | int(data[offset+2])
	offset += 3
	if offset+listLen > len(data) {
		return nil, fmt.Errorf("invalid certificate list length")
	}
	listEnd := offset + listLen

	var chain []*x509.Certificate
	for offset < listEnd {
		if offset+3 > listEnd {
			return nil, fmt.Errorf("truncated certificate entry")
		}
		certLen := int(data[offset])<<16 | int(data[offset+1])<<8 | int(data[offset+2])
		offset += 3
		if offset+certLen > listEnd {
			return nil, fmt.Errorf("invalid certificate length")
		}

		cert, err := x509.ParseCertificate(data[offset : offset+certLen])
		if err != nil {
			return nil, fmt.Errorf("parse certificate %d: %w", len(chain), err)
		}
		chain = append(chain, cert)
		offset += certLen

		// Skip per-certificate extensions
		if offset+2 > listEnd {
			return nil, fmt.Errorf("truncated certificate extensions")
		}
		extLen := int(data[offset])<<8 | int(data[offset+1])
		offset += 2 + extLen
		if offset > listEnd {
			return nil, fmt.Errorf("invalid certificate extensions length")
		}
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("empty certificate chain")
	}
	return chain, nil
}

// verifyChain validates the server chain against the configured roots and
// checks the leaf covers serverName.
func verifyChain(chain []*x509.Certificate, serverName string, roots *x509.CertPool) error {
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		DNSName:       serverName,
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if _, err := chain[0].Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}
