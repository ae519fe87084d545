package tls13

import (
	"fmt"

	"tls-session/session"
)

// Cipher is the negotiated application-phase record protection: the client
// write half encrypts outbound records, the server write half feeds the
// inbound record parser. It implements session.Cipher.
type Cipher struct {
	suite uint16
	out   *aead // client application traffic
	in    *aead // server application traffic
}

// Suite returns the negotiated cipher suite identifier.
func (c *Cipher) Suite() uint16 {
	return c.suite
}

// MaxChunkLen is the largest cleartext chunk one record may carry.
func (c *Cipher) MaxChunkLen() int {
	return maxCleartext
}

// RecordLen returns the full wire size of a record carrying cleartextLen
// bytes: header, cleartext, the inner content type byte and the AEAD tag.
func (c *Cipher) RecordLen(cleartextLen int) int {
	return recordHeaderLen + cleartextLen + 1 + c.out.overhead()
}

// EncryptRecord appends one application-data record carrying cleartext to
// dst. The record header doubles as the AEAD additional data.
func (c *Cipher) EncryptRecord(dst, cleartext []byte) ([]byte, error) {
	if len(cleartext) > maxCleartext {
		return nil, fmt.Errorf("cleartext chunk too large: %d > %d", len(cleartext), maxCleartext)
	}

	// TLSInnerPlaintext: content || type, no padding
	inner := make([]byte, 0, len(cleartext)+1)
	inner = append(inner, cleartext...)
	inner = append(inner, recordTypeApplicationData)

	ciphertextLen := len(inner) + c.out.overhead()
	header := []byte{recordTypeApplicationData, 0x03, 0x03, byte(ciphertextLen >> 8), byte(ciphertextLen)}

	dst = append(dst, header...)
	return c.out.seal(dst, inner, header), nil
}

// NewParser returns a parser over records protected by the server's half of
// this cipher.
func (c *Cipher) NewParser() session.RecordParser {
	return &recordParser{in: c.in}
}

// recordParser extracts complete records from the front of a receive view.
// Decrypt state (the server sequence number) persists across calls.
type recordParser struct {
	in *aead
}

func (p *recordParser) Next(buf []byte) (*session.Record, int, error) {
	if len(buf) < recordHeaderLen {
		return nil, 0, nil
	}

	typ := buf[0]
	length := int(buf[3])<<8 | int(buf[4])
	if length > maxCiphertext {
		return nil, 0, fmt.Errorf("record overflow: %d byte fragment", length)
	}
	if len(buf) < recordHeaderLen+length {
		return nil, 0, nil
	}

	consumed := recordHeaderLen + length
	header := buf[:recordHeaderLen]
	payload := buf[recordHeaderLen:consumed]

	switch typ {
	case recordTypeApplicationData:
		plaintext, err := p.in.open(payload, header)
		if err != nil {
			return nil, 0, fmt.Errorf("record decrypt: %w", err)
		}
		content, innerType, err := stripInnerPlaintext(plaintext)
		if err != nil {
			return nil, 0, err
		}
		return &session.Record{Type: innerType, Payload: content}, consumed, nil

	default:
		// Unprotected record in the data phase: a plaintext alert is the
		// only legitimate case, but the session decides what to do with
		// each content type, so hand it up as-is.
		return &session.Record{Type: typ, Payload: payload}, consumed, nil
	}
}

// stripInnerPlaintext removes TLS 1.3 record padding and splits off the real
// content type (RFC 8446, section 5.4): zeros are padding, the last non-zero
// byte is the type.
func stripInnerPlaintext(plaintext []byte) ([]byte, byte, error) {
	i := len(plaintext) - 1
	for i >= 0 && plaintext[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, 0, fmt.Errorf("record is all padding")
	}
	return plaintext[:i], plaintext[i], nil
}
