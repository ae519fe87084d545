package tls13

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"fmt"

	"tls-session/session"
)

// Handshake progress, client side only.
type stage int

const (
	stageWaitServerHello stage = iota
	stageWaitEncryptedFlight
	stageDone
)

// Engine is a TLS 1.3 client handshake engine. It never touches the network:
// the owning session feeds it inbound bytes via Consume and drains outbound
// flights via ProduceFlight. Engine implements session.HandshakeEngine.
type Engine struct {
	cfg   *Config
	stage stage

	// pending holds outbound flights not yet drained via ProduceFlight.
	// The handshake is only complete once this is empty, so that a
	// session observing completion has really flushed the final flight.
	pending [][]byte

	privateKey *ecdh.PrivateKey
	ks         *keySchedule
	clientHS   *aead // encrypts the client's handshake flight
	serverHS   *aead // decrypts the server's handshake flight

	transcript []byte // handshake messages only, no record headers
	msgBuf     []byte // reassembled handshake messages from decrypted records
	cipher     *Cipher
}

var _ session.HandshakeEngine = (*Engine)(nil)

// NewEngine builds an engine with its ClientHello already queued as the
// first outbound flight.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	privateKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 key: %w", err)
	}

	hello := &clientHelloMsg{
		random:            make([]byte, 32),
		sessionID:         make([]byte, 32),
		cipherSuites:      cfg.cipherSuites(),
		serverName:        cfg.ServerName,
		alpnProtocols:     cfg.NextProtos,
		supportedGroups:   []uint16{groupX25519},
		supportedVersions: []uint16{0x0304},
		signatureAlgorithms: []uint16{
			rsaPSSRSAESHA256,
			ecdsaSecp256r1SHA256,
			rsaPSSRSAESHA384,
			ecdsaSecp384r1SHA384,
			rsaPSSRSAESHA512,
		},
		keyShares: []keyShare{
			{group: groupX25519, data: privateKey.PublicKey().Bytes()},
		},
	}
	if _, err := rand.Read(hello.random); err != nil {
		return nil, fmt.Errorf("generate random: %w", err)
	}
	if _, err := rand.Read(hello.sessionID); err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	record := hello.marshal()

	e := &Engine{
		cfg:        cfg,
		stage:      stageWaitServerHello,
		privateKey: privateKey,
	}
	e.transcript = append(e.transcript, record[recordHeaderLen:]...)
	e.pending = append(e.pending, record)
	return e, nil
}

// Factory adapts NewEngine to the session package's engine factory binding.
func Factory() session.EngineFactory {
	return func(opts session.EngineOptions) (session.HandshakeEngine, error) {
		return NewEngine(&Config{
			ServerName:         opts.ServerName,
			CipherSuites:       opts.CipherSuites,
			NextProtos:         opts.NextProtos,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		})
	}
}

// ProduceFlight pops the next outbound flight, or nil when there is nothing
// to send.
func (e *Engine) ProduceFlight() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	flight := e.pending[0]
	e.pending = e.pending[1:]
	return flight, nil
}

// Consume eats as many complete records from b as the current stage allows
// and reports how many bytes it advanced past. A trailing partial record is
// not an error; the caller retains it and calls again with more data.
func (e *Engine) Consume(b []byte) (int, error) {
	n := 0
	for e.stage != stageDone {
		rest := b[n:]
		if len(rest) < recordHeaderLen {
			break
		}
		length := int(rest[3])<<8 | int(rest[4])
		if length > maxCiphertext {
			return n, fmt.Errorf("record overflow: %d byte fragment", length)
		}
		if len(rest) < recordHeaderLen+length {
			break
		}
		if err := e.consumeRecord(rest[:recordHeaderLen+length]); err != nil {
			return n, err
		}
		n += recordHeaderLen + length
	}
	return n, nil
}

// Complete reports whether the handshake finished AND the final flight has
// been drained, so completion can be observed from a send-completion
// callback.
func (e *Engine) Complete() bool {
	return e.stage == stageDone && len(e.pending) == 0
}

// Cipher returns the negotiated application-phase record cipher.
func (e *Engine) Cipher() (session.Cipher, error) {
	if !e.Complete() {
		return nil, fmt.Errorf("handshake not complete")
	}
	return e.cipher, nil
}

// Close releases the engine's key material. The negotiated cipher, once
// handed out, stays valid.
func (e *Engine) Close() {
	e.privateKey = nil
	e.ks = nil
	e.clientHS = nil
	e.serverHS = nil
	e.pending = nil
	e.msgBuf = nil
	e.transcript = nil
}

func (e *Engine) consumeRecord(record []byte) error {
	header := record[:recordHeaderLen]
	payload := record[recordHeaderLen:]

	switch record[0] {
	case recordTypeChangeCipherSpec:
		// Middlebox compatibility filler, ignored
		return nil

	case recordTypeAlert:
		if len(payload) < 2 {
			return fmt.Errorf("malformed alert record")
		}
		return fmt.Errorf("handshake alert: %s", alertDescriptionString(payload[1]))

	case recordTypeHandshake:
		if e.stage != stageWaitServerHello {
			return fmt.Errorf("unexpected plaintext handshake record in stage %d", e.stage)
		}
		return e.processServerHello(payload)

	case recordTypeApplicationData:
		if e.stage != stageWaitEncryptedFlight {
			return fmt.Errorf("unexpected encrypted record in stage %d", e.stage)
		}
		plaintext, err := e.serverHS.open(payload, header)
		if err != nil {
			return fmt.Errorf("handshake decrypt: %w", err)
		}
		content, innerType, err := stripInnerPlaintext(plaintext)
		if err != nil {
			return err
		}
		switch innerType {
		case recordTypeHandshake:
			e.msgBuf = append(e.msgBuf, content...)
			return e.processMsgBuf()
		case recordTypeAlert:
			if len(content) < 2 {
				return fmt.Errorf("malformed alert record")
			}
			return fmt.Errorf("handshake alert: %s", alertDescriptionString(content[1]))
		default:
			return fmt.Errorf("unexpected content type %d during handshake", innerType)
		}

	default:
		return fmt.Errorf("unknown record type %d", record[0])
	}
}

// processServerHello handles the one plaintext handshake record of the
// flight and switches the engine to the handshake keys.
func (e *Engine) processServerHello(payload []byte) error {
	if len(payload) < 4 {
		return fmt.Errorf("handshake record too short")
	}
	msgLen := int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if len(payload) != 4+msgLen {
		// ServerHello split across records or coalesced with later
		// messages; no real stack does this before the key change.
		return fmt.Errorf("fragmented ServerHello not supported")
	}

	e.transcript = append(e.transcript, payload...)

	suite, serverPublicKey, err := parseServerHello(payload)
	if err != nil {
		return err
	}

	sharedSecret, err := e.privateKey.ECDH(serverPublicKey)
	if err != nil {
		return fmt.Errorf("ECDH: %w", err)
	}

	e.ks, err = newKeySchedule(suite)
	if err != nil {
		return err
	}
	e.ks.deriveHandshakeKeys(sharedSecret, e.ks.transcriptHash(e.transcript))

	if e.clientHS, err = e.ks.clientHandshakeAEAD(); err != nil {
		return fmt.Errorf("client handshake AEAD: %w", err)
	}
	if e.serverHS, err = e.ks.serverHandshakeAEAD(); err != nil {
		return fmt.Errorf("server handshake AEAD: %w", err)
	}

	e.stage = stageWaitEncryptedFlight
	return nil
}

// processMsgBuf drains every complete handshake message reassembled so far.
// Messages may span records and records may carry several messages.
func (e *Engine) processMsgBuf() error {
	for e.stage != stageDone {
		if len(e.msgBuf) < 4 {
			return nil
		}
		msgLen := int(e.msgBuf[1])<<16 | int(e.msgBuf[2])<<8 | int(e.msgBuf[3])
		total := 4 + msgLen
		if len(e.msgBuf) < total {
			return nil
		}

		msg := e.msgBuf[:total]
		err := e.processHandshakeMessage(msg)
		e.msgBuf = e.msgBuf[total:]
		if err != nil {
			return err
		}
	}
	if len(e.msgBuf) > 0 {
		return fmt.Errorf("trailing handshake data after Finished")
	}
	return nil
}

func (e *Engine) processHandshakeMessage(msg []byte) error {
	switch handshakeType(msg[0]) {
	case typeEncryptedExtensions:
		e.transcript = append(e.transcript, msg...)

	case typeCertificate:
		chain, err := parseCertificateMsg(msg[4:])
		if err != nil {
			return err
		}
		if !e.cfg.InsecureSkipVerify {
			if err := verifyChain(chain, e.cfg.ServerName, e.cfg.RootCAs); err != nil {
				return err
			}
		}
		e.transcript = append(e.transcript, msg...)

	case typeCertificateVerify:
		// The chain is verified against the roots above; checking the
		// CertificateVerify signature itself is a known gap.
		e.transcript = append(e.transcript, msg...)

	case typeFinished:
		return e.processServerFinished(msg)

	default:
		e.transcript = append(e.transcript, msg...)
	}
	return nil
}

// processServerFinished verifies the server's verify_data, queues the
// client Finished as the final flight and derives the application cipher.
func (e *Engine) processServerFinished(msg []byte) error {
	serverVerifyData := msg[4:]
	expected := e.ks.finishedVerifyData(e.ks.serverFinishedKey, e.ks.transcriptHash(e.transcript))
	if !hmac.Equal(serverVerifyData, expected) {
		return fmt.Errorf("server Finished verify_data mismatch")
	}

	e.transcript = append(e.transcript, msg...)

	// Client Finished covers the transcript through the server Finished.
	verifyData := e.ks.finishedVerifyData(e.ks.clientFinishedKey, e.ks.transcriptHash(e.transcript))
	fin := make([]byte, 4+len(verifyData))
	fin[0] = byte(typeFinished)
	putUint24(fin[1:4], uint32(len(verifyData)))
	copy(fin[4:], verifyData)
	e.pending = append(e.pending, e.encryptHandshakeRecord(fin))

	// Application keys also hash ClientHello..server Finished; the client
	// Finished is deliberately not part of that transcript.
	if err := e.ks.deriveApplicationKeys(e.ks.transcriptHash(e.transcript)); err != nil {
		return err
	}
	out, err := e.ks.clientApplicationAEAD()
	if err != nil {
		return fmt.Errorf("client application AEAD: %w", err)
	}
	in, err := e.ks.serverApplicationAEAD()
	if err != nil {
		return fmt.Errorf("server application AEAD: %w", err)
	}
	e.cipher = &Cipher{suite: e.ks.cipherSuite, out: out, in: in}

	e.stage = stageDone
	return nil
}

// encryptHandshakeRecord wraps msg in an encrypted application_data record
// under the client handshake keys.
func (e *Engine) encryptHandshakeRecord(msg []byte) []byte {
	inner := make([]byte, 0, len(msg)+1)
	inner = append(inner, msg...)
	inner = append(inner, recordTypeHandshake)

	ciphertextLen := len(inner) + e.clientHS.overhead()
	header := []byte{recordTypeApplicationData, 0x03, 0x03, byte(ciphertextLen >> 8), byte(ciphertextLen)}

	record := make([]byte, 0, recordHeaderLen+ciphertextLen)
	record = append(record, header...)
	return e.clientHS.seal(record, inner, header)
}
