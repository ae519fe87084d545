package tls13

import (
	"bytes"
	"testing"

	"tls-session/session"
)

// testCipherPair builds a client-side Cipher plus a mirror that plays the
// server: what the mirror encrypts, the client-side parser must decrypt.
func testCipherPair(t *testing.T, suite uint16) (client, server *Cipher) {
	t.Helper()
	ks, err := newKeySchedule(suite)
	if err != nil {
		t.Fatalf("newKeySchedule: %v", err)
	}
	clientKey := bytes.Repeat([]byte{0xc1}, ks.keyLen())
	serverKey := bytes.Repeat([]byte{0x5e}, ks.keyLen())
	clientIV := bytes.Repeat([]byte{0x01}, ivLen)
	serverIV := bytes.Repeat([]byte{0x02}, ivLen)

	mk := func(key, iv []byte) *aead {
		a, err := newAEAD(key, iv, suite)
		if err != nil {
			t.Fatalf("newAEAD: %v", err)
		}
		return a
	}

	client = &Cipher{suite: suite, out: mk(clientKey, clientIV), in: mk(serverKey, serverIV)}
	server = &Cipher{suite: suite, out: mk(serverKey, serverIV), in: mk(clientKey, clientIV)}
	return client, server
}

func TestRecordRoundTrip(t *testing.T) {
	for _, suite := range allSuites {
		t.Run(suiteName(suite), func(t *testing.T) {
			client, server := testCipherPair(t, suite)
			parser := client.NewParser()

			for _, cleartext := range [][]byte{
				[]byte("hello"),
				{},
				[]byte("a"),
				bytes.Repeat([]byte{0xab}, maxCleartext),
			} {
				record, err := server.EncryptRecord(nil, cleartext)
				if err != nil {
					t.Fatalf("EncryptRecord(%d bytes): %v", len(cleartext), err)
				}
				if len(record) != server.RecordLen(len(cleartext)) {
					t.Errorf("record length = %d, want RecordLen = %d",
						len(record), server.RecordLen(len(cleartext)))
				}

				rec, consumed, err := parser.Next(record)
				if err != nil {
					t.Fatalf("Next: %v", err)
				}
				if rec == nil {
					t.Fatal("parser wanted more data for a complete record")
				}
				if consumed != len(record) {
					t.Errorf("consumed = %d, want %d", consumed, len(record))
				}
				if rec.Type != session.ContentTypeApplicationData {
					t.Errorf("record type = %d, want application data", rec.Type)
				}
				if !bytes.Equal(rec.Payload, cleartext) {
					t.Errorf("payload roundtrip failed for %d bytes", len(cleartext))
				}
			}
		})
	}
}

func TestEncryptRecordRejectsOversizedChunk(t *testing.T) {
	client, _ := testCipherPair(t, TLS_AES_128_GCM_SHA256)
	if _, err := client.EncryptRecord(nil, make([]byte, maxCleartext+1)); err == nil {
		t.Fatal("expected error for cleartext above the record limit")
	}
}

func TestParserPartialRecord(t *testing.T) {
	client, server := testCipherPair(t, TLS_AES_128_GCM_SHA256)
	parser := client.NewParser()

	record, err := server.EncryptRecord(nil, []byte("partial delivery"))
	if err != nil {
		t.Fatalf("EncryptRecord: %v", err)
	}

	for _, cut := range []int{0, 1, recordHeaderLen - 1, recordHeaderLen, len(record) - 1} {
		rec, consumed, err := parser.Next(record[:cut])
		if err != nil {
			t.Fatalf("Next(%d bytes): %v", cut, err)
		}
		if rec != nil || consumed != 0 {
			t.Fatalf("Next(%d bytes) = (%v, %d), want (nil, 0)", cut, rec, consumed)
		}
	}

	rec, consumed, err := parser.Next(record)
	if err != nil || rec == nil || consumed != len(record) {
		t.Fatalf("full record parse = (%v, %d, %v)", rec, consumed, err)
	}
}

func TestParserSequentialRecords(t *testing.T) {
	client, server := testCipherPair(t, TLS_CHACHA20_POLY1305_SHA256)
	parser := client.NewParser()

	var stream []byte
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range payloads {
		record, err := server.EncryptRecord(nil, p)
		if err != nil {
			t.Fatalf("EncryptRecord: %v", err)
		}
		stream = append(stream, record...)
	}

	offset := 0
	for i, want := range payloads {
		rec, consumed, err := parser.Next(stream[offset:])
		if err != nil {
			t.Fatalf("Next record %d: %v", i, err)
		}
		if rec == nil {
			t.Fatalf("record %d incomplete", i)
		}
		if !bytes.Equal(rec.Payload, want) {
			t.Errorf("record %d payload = %q, want %q", i, rec.Payload, want)
		}
		offset += consumed
	}
	if offset != len(stream) {
		t.Errorf("consumed %d of %d stream bytes", offset, len(stream))
	}
}

func TestParserRejectsOversizedFragment(t *testing.T) {
	client, _ := testCipherPair(t, TLS_AES_128_GCM_SHA256)
	parser := client.NewParser()

	length := maxCiphertext + 1
	header := []byte{recordTypeApplicationData, 3, 3, byte(length >> 8), byte(length)}
	if _, _, err := parser.Next(header); err == nil {
		t.Fatal("expected record overflow error")
	}
}

func TestParserRejectsTamperedRecord(t *testing.T) {
	client, server := testCipherPair(t, TLS_AES_256_GCM_SHA384)
	parser := client.NewParser()

	record, err := server.EncryptRecord(nil, []byte("integrity"))
	if err != nil {
		t.Fatalf("EncryptRecord: %v", err)
	}
	record[len(record)-1] ^= 0x01

	if _, _, err := parser.Next(record); err == nil {
		t.Fatal("expected decrypt failure for a tampered record")
	}
}

func TestParserPassesPlaintextAlertThrough(t *testing.T) {
	client, _ := testCipherPair(t, TLS_AES_128_GCM_SHA256)
	parser := client.NewParser()

	alert := []byte{recordTypeAlert, 3, 3, 0, 2, alertLevelFatal, alertHandshakeFailure}
	rec, consumed, err := parser.Next(alert)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec == nil || rec.Type != session.ContentTypeAlert {
		t.Fatalf("rec = %+v, want an alert record", rec)
	}
	if consumed != len(alert) {
		t.Errorf("consumed = %d, want %d", consumed, len(alert))
	}
	if !bytes.Equal(rec.Payload, []byte{alertLevelFatal, alertHandshakeFailure}) {
		t.Errorf("alert payload = %v", rec.Payload)
	}
}

func TestStripInnerPlaintext(t *testing.T) {
	cases := []struct {
		name    string
		in      []byte
		content []byte
		typ     byte
		wantErr bool
	}{
		{name: "no padding", in: []byte{'h', 'i', 23}, content: []byte("hi"), typ: 23},
		{name: "padded", in: []byte{'h', 'i', 23, 0, 0, 0}, content: []byte("hi"), typ: 23},
		{name: "empty content", in: []byte{21}, content: []byte{}, typ: 21},
		{name: "all padding", in: []byte{0, 0, 0}, wantErr: true},
		{name: "empty", in: []byte{}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			content, typ, err := stripInnerPlaintext(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("stripInnerPlaintext: %v", err)
			}
			if typ != tc.typ {
				t.Errorf("type = %d, want %d", typ, tc.typ)
			}
			if !bytes.Equal(content, tc.content) {
				t.Errorf("content = %v, want %v", content, tc.content)
			}
		})
	}
}
