// Package tls13 is a minimal TLS 1.3 client handshake engine and record
// cipher. It implements the session package's HandshakeEngine, Cipher and
// RecordParser bindings: the session drives byte movement, this package does
// the cryptography. Conventions follow Go's crypto/tls where they apply.
package tls13

import (
	"crypto/x509"
)

// Config configures a handshake engine instance.
type Config struct {
	// ServerName is the hostname used for SNI and to verify the server
	// certificate.
	ServerName string

	// CipherSuites is the list of offered cipher suites. If nil, all
	// supported TLS 1.3 suites are offered.
	CipherSuites []uint16

	// NextProtos is a list of supported application level protocols, in
	// order of preference. (ALPN)
	NextProtos []string

	// InsecureSkipVerify disables certificate chain and hostname checks.
	InsecureSkipVerify bool

	// RootCAs is the pool used for chain verification. Nil means the
	// system pool.
	RootCAs *x509.CertPool
}

func (c *Config) cipherSuites() []uint16 {
	if c.CipherSuites != nil {
		return c.CipherSuites
	}
	return []uint16{
		TLS_AES_256_GCM_SHA384,
		TLS_AES_128_GCM_SHA256,
		TLS_CHACHA20_POLY1305_SHA256,
	}
}

// TLS 1.3 cipher suites
const (
	TLS_AES_128_GCM_SHA256       = 0x1301
	TLS_AES_256_GCM_SHA384       = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 = 0x1303
)

// Record layer
const (
	recordTypeChangeCipherSpec = 20
	recordTypeAlert            = 21
	recordTypeHandshake        = 22
	recordTypeApplicationData  = 23

	recordHeaderLen = 5
	// maxCleartext is the largest cleartext fragment one record may carry
	// (RFC 8446, section 5.1).
	maxCleartext = 16384
	// maxCiphertext bounds the protected fragment (RFC 8446, section 5.2).
	maxCiphertext = maxCleartext + 256
)

// Handshake message types
type handshakeType uint8

const (
	typeClientHello         handshakeType = 1
	typeServerHello         handshakeType = 2
	typeNewSessionTicket    handshakeType = 4
	typeEncryptedExtensions handshakeType = 8
	typeCertificate         handshakeType = 11
	typeCertificateVerify   handshakeType = 15
	typeFinished            handshakeType = 20
	typeKeyUpdate           handshakeType = 24
)

func handshakeTypeString(t handshakeType) string {
	switch t {
	case typeClientHello:
		return "ClientHello"
	case typeServerHello:
		return "ServerHello"
	case typeNewSessionTicket:
		return "NewSessionTicket"
	case typeEncryptedExtensions:
		return "EncryptedExtensions"
	case typeCertificate:
		return "Certificate"
	case typeCertificateVerify:
		return "CertificateVerify"
	case typeFinished:
		return "Finished"
	case typeKeyUpdate:
		return "KeyUpdate"
	default:
		return "Unknown"
	}
}

// Extension types
const (
	extensionServerName          = 0
	extensionSupportedGroups     = 10
	extensionSignatureAlgorithms = 13
	extensionALPN                = 16
	extensionSupportedVersions   = 43
	extensionKeyShare            = 51
)

// Supported groups
const (
	groupX25519 = 29
)

// Signature algorithms offered in the ClientHello
const (
	rsaPSSRSAESHA256     = 0x0804
	ecdsaSecp256r1SHA256 = 0x0403
	rsaPSSRSAESHA384     = 0x0805
	ecdsaSecp384r1SHA384 = 0x0503
	rsaPSSRSAESHA512     = 0x0806
)

// Alert levels and descriptions (RFC 8446, section 6)
const (
	alertLevelWarning = 1
	alertLevelFatal   = 2
)

const (
	alertCloseNotify        = 0
	alertUnexpectedMessage  = 10
	alertBadRecordMAC       = 20
	alertRecordOverflow     = 22
	alertHandshakeFailure   = 40
	alertBadCertificate     = 42
	alertCertificateExpired = 45
	alertIllegalParameter   = 47
	alertUnknownCA          = 48
	alertDecodeError        = 50
	alertDecryptError       = 51
	alertProtocolVersion    = 70
	alertInternalError      = 80
	alertUserCanceled       = 90
	alertMissingExtension   = 109
	alertUnrecognizedName   = 112
)

func alertDescriptionString(d uint8) string {
	switch d {
	case alertCloseNotify:
		return "close_notify"
	case alertUnexpectedMessage:
		return "unexpected_message"
	case alertBadRecordMAC:
		return "bad_record_mac"
	case alertRecordOverflow:
		return "record_overflow"
	case alertHandshakeFailure:
		return "handshake_failure"
	case alertBadCertificate:
		return "bad_certificate"
	case alertCertificateExpired:
		return "certificate_expired"
	case alertIllegalParameter:
		return "illegal_parameter"
	case alertUnknownCA:
		return "unknown_ca"
	case alertDecodeError:
		return "decode_error"
	case alertDecryptError:
		return "decrypt_error"
	case alertProtocolVersion:
		return "protocol_version"
	case alertInternalError:
		return "internal_error"
	case alertUserCanceled:
		return "user_canceled"
	case alertMissingExtension:
		return "missing_extension"
	case alertUnrecognizedName:
		return "unrecognized_name"
	default:
		return "unknown"
	}
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}
