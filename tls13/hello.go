package tls13

import (
	"bytes"
	"crypto/ecdh"
	"fmt"
)

type keyShare struct {
	group uint16
	data  []byte
}

type clientHelloMsg struct {
	random              []byte
	sessionID           []byte
	cipherSuites        []uint16
	serverName          string
	alpnProtocols       []string
	supportedGroups     []uint16
	supportedVersions   []uint16
	signatureAlgorithms []uint16
	keyShares           []keyShare
}

// marshal serializes the ClientHello as a full handshake record: record
// header, handshake header, body, extensions.
func (m *clientHelloMsg) marshal() []byte {
	var b []byte
	b = append(b, byte(typeClientHello), 0, 0, 0) // length backfilled below

	// Legacy version: TLS 1.2 on the wire, real version in supported_versions
	b = append(b, 0x03, 0x03)
	b = append(b, m.random...)
	b = append(b, byte(len(m.sessionID)))
	b = append(b, m.sessionID...)
	b = append(b, byte(len(m.cipherSuites)*2>>8), byte(len(m.cipherSuites)*2))
	for _, suite := range m.cipherSuites {
		b = append(b, byte(suite>>8), byte(suite))
	}
	// Single null compression method
	b = append(b, 1, 0)

	var extensions []byte

	if len(m.serverName) > 0 {
		extensions = append(extensions, byte(extensionServerName>>8), byte(extensionServerName))
		extLen := len(m.serverName) + 5
		extensions = append(extensions, byte(extLen>>8), byte(extLen))
		listLen := len(m.serverName) + 3
		extensions = append(extensions, byte(listLen>>8), byte(listLen))
		extensions = append(extensions, 0) // name type: host_name
		extensions = append(extensions, byte(len(m.serverName)>>8), byte(len(m.serverName)))
		extensions = append(extensions, m.serverName...)
	}

	if len(m.supportedVersions) > 0 {
		extensions = append(extensions, byte(extensionSupportedVersions>>8), byte(extensionSupportedVersions))
		versionsLen := len(m.supportedVersions) * 2
		extensions = append(extensions, byte((versionsLen+1)>>8), byte(versionsLen+1))
		extensions = append(extensions, byte(versionsLen))
		for _, v := range m.supportedVersions {
			extensions = append(extensions, byte(v>>8), byte(v))
		}
	}

	if len(m.supportedGroups) > 0 {
		extensions = append(extensions, byte(extensionSupportedGroups>>8), byte(extensionSupportedGroups))
		groupsLen := len(m.supportedGroups) * 2
		extensions = append(extensions, byte((groupsLen+2)>>8), byte(groupsLen+2))
		extensions = append(extensions, byte(groupsLen>>8), byte(groupsLen))
		for _, group := range m.supportedGroups {
			extensions = append(extensions, byte(group>>8), byte(group))
		}
	}

	if len(m.signatureAlgorithms) > 0 {
		extensions = append(extensions, byte(extensionSignatureAlgorithms>>8), byte(extensionSignatureAlgorithms))
		sigAlgosLen := len(m.signatureAlgorithms) * 2
		extensions = append(extensions, byte((sigAlgosLen+2)>>8), byte(sigAlgosLen+2))
		extensions = append(extensions, byte(sigAlgosLen>>8), byte(sigAlgosLen))
		for _, algo := range m.signatureAlgorithms {
			extensions = append(extensions, byte(algo>>8), byte(algo))
		}
	}

	if len(m.alpnProtocols) > 0 {
		var list []byte
		for _, proto := range m.alpnProtocols {
			list = append(list, byte(len(proto)))
			list = append(list, proto...)
		}
		extensions = append(extensions, byte(extensionALPN>>8), byte(extensionALPN))
		extensions = append(extensions, byte((len(list)+2)>>8), byte(len(list)+2))
		extensions = append(extensions, byte(len(list)>>8), byte(len(list)))
		extensions = append(extensions, list...)
	}

	if len(m.keyShares) > 0 {
		extensions = append(extensions, byte(extensionKeyShare>>8), byte(extensionKeyShare))
		var keySharesLen uint16
		for _, ks := range m.keyShares {
			keySharesLen += 2 + 2 + uint16(len(ks.data))
		}
		extensions = append(extensions, byte((keySharesLen+2)>>8), byte(keySharesLen+2))
		extensions = append(extensions, byte(keySharesLen>>8), byte(keySharesLen))
		for _, ks := range m.keyShares {
			extensions = append(extensions, byte(ks.group>>8), byte(ks.group))
			extensions = append(extensions, byte(len(ks.data)>>8), byte(len(ks.data)))
			extensions = append(extensions, ks.data...)
		}
	}

	b = append(b, byte(len(extensions)>>8), byte(len(extensions)))
	b = append(b, extensions...)

	putUint24(b[1:4], uint32(len(b)-4))

	record := []byte{recordTypeHandshake, 0x03, 0x03, byte(len(b) >> 8), byte(len(b))}
	record = append(record, b...)
	return record
}

// helloRetryRequestRandom is the magic ServerHello.random value that marks a
// HelloRetryRequest (RFC 8446, section 4.1.3).
var helloRetryRequestRandom = []byte{
	0xcf, 0x21, 0xad, 0x74, 0xe5, 0x9a, 0x61, 0x11,
	0xbe, 0x1d, 0x8c, 0x02, 0x1e, 0x65, 0xb8, 0x91,
	0xc2, 0xa2, 0x11, 0x16, 0x7a, 0xbb, 0x8c, 0x5e,
	0x07, 0x9e, 0x09, 0xe2, 0xc8, 0xa8, 0x33, 0x9c,
}

// parseServerHello extracts the negotiated cipher suite and the server's
// X25519 key share from a ServerHello handshake message (without record
// header).
func parseServerHello(data []byte) (uint16, *ecdh.PublicKey, error) {
	if len(data) < 40 {
		return 0, nil, fmt.Errorf("ServerHello too short: %d bytes", len(data))
	}
	if handshakeType(data[0]) != typeServerHello {
		return 0, nil, fmt.Errorf("expected ServerHello message type 2, got %d", data[0])
	}

	random := data[6:38]
	if bytes.Equal(random, helloRetryRequestRandom) {
		return 0, nil, fmt.Errorf("server sent HelloRetryRequest: not supported")
	}

	sessionIDLen := int(data[38])
	offset := 39 + sessionIDLen
	if offset+2 > len(data) {
		return 0, nil, fmt.Errorf("invalid ServerHello: missing cipher suite")
	}

	cipherSuite := uint16(data[offset])<<8 | uint16(data[offset+1])
	offset += 2

	// Skip compression method
	offset++

	if offset+2 > len(data) {
		return 0, nil, fmt.Errorf("invalid ServerHello: missing extensions length")
	}
	extensionsLen := int(data[offset])<<8 | int(data[offset+1])
	offset += 2
	if offset+extensionsLen > len(data) {
		return 0, nil, fmt.Errorf("invalid ServerHello: truncated extensions")
	}

	serverPublicKey, err := parseKeyShareExtension(data[offset : offset+extensionsLen])
	if err != nil {
		return 0, nil, fmt.Errorf("parse key_share: %w", err)
	}

	return cipherSuite, serverPublicKey, nil
}

func parseKeyShareExtension(extensionsData []byte) (*ecdh.PublicKey, error) {
	offset := 0
	for offset+4 <= len(extensionsData) {
		extType := uint16(extensionsData[offset])<<8 | uint16(extensionsData[offset+1])
		extLen := int(extensionsData[offset+2])<<8 | int(extensionsData[offset+3])
		offset += 4

		if offset+extLen > len(extensionsData) {
			return nil, fmt.Errorf("truncated extension %d", extType)
		}
		if extType == extensionKeyShare {
			return parseKeyShare(extensionsData[offset : offset+extLen])
		}
		offset += extLen
	}
	return nil, fmt.Errorf("key_share extension not found")
}

func parseKeyShare(data []byte) (*ecdh.PublicKey, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("key_share data too short")
	}

	group := uint16(data[0])<<8 | uint16(data[1])
	keyLen := int(data[2])<<8 | int(data[3])

	if group != groupX25519 {
		return nil, fmt.Errorf("unsupported key share group: 0x%04x", group)
	}
	if len(data) < 4+keyLen {
		return nil, fmt.Errorf("invalid key_share length")
	}

	publicKey, err := ecdh.X25519().NewPublicKey(data[4 : 4+keyLen])
	if err != nil {
		return nil, fmt.Errorf("parse server public key: %w", err)
	}
	return publicKey, nil
}
