package tls13

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

// selfSignedCert generates a throwaway server certificate for localhost.
func selfSignedCert(t *testing.T) (*x509.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return cert, der
}

// certificateMsgBody builds the body of a TLS 1.3 Certificate message
// (without the handshake header) carrying the given DER certificates.
func certificateMsgBody(ders ...[]byte) []byte {
	var list []byte
	for _, der := range ders {
		entry := make([]byte, 3, 3+len(der)+2)
		putUint24(entry, uint32(len(der)))
		entry = append(entry, der...)
		entry = append(entry, 0, 0) // no per-certificate extensions
		list = append(list, entry...)
	}

	body := make([]byte, 4, 4+len(list))
	body[0] = 0 // empty certificate_request_context
	putUint24(body[1:4], uint32(len(list)))
	return append(body, list...)
}

func TestParseCertificateMsg(t *testing.T) {
	cert, der := selfSignedCert(t)

	chain, err := parseCertificateMsg(certificateMsgBody(der))
	if err != nil {
		t.Fatalf("parseCertificateMsg: %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("chain length = %d, want 1", len(chain))
	}
	if chain[0].Subject.CommonName != cert.Subject.CommonName {
		t.Errorf("leaf CN = %q", chain[0].Subject.CommonName)
	}
}

func TestParseCertificateMsgMalformed(t *testing.T) {
	_, der := selfSignedCert(t)
	good := certificateMsgBody(der)

	cases := map[string][]byte{
		"empty":          {},
		"short":          {0, 0, 0},
		"empty list":     {0, 0, 0, 0},
		"truncated list": good[:len(good)-10],
		"garbage der":    certificateMsgBody([]byte{0xde, 0xad, 0xbe, 0xef}),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseCertificateMsg(body); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestVerifyChain(t *testing.T) {
	cert, _ := selfSignedCert(t)
	pool := x509.NewCertPool()
	pool.AddCert(cert)

	if err := verifyChain([]*x509.Certificate{cert}, "localhost", pool); err != nil {
		t.Errorf("verifyChain: %v", err)
	}
	if err := verifyChain([]*x509.Certificate{cert}, "example.com", pool); err == nil {
		t.Error("verification succeeded for the wrong hostname")
	}
	if err := verifyChain([]*x509.Certificate{cert}, "localhost", x509.NewCertPool()); err == nil {
		t.Error("verification succeeded with no trusted roots")
	}
}
