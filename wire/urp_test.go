package wire

import (
	"bytes"
	"testing"
)

func TestURPRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		seq     uint32
		payload []byte
	}{
		{"empty payload", 0, nil},
		{"small payload", 1, []byte{0xDE, 0xAD}},
		{"max payload", 1 << 20, bytes.Repeat([]byte{0x55}, MaxPayloadURP)},
		{"seq wrap boundary", 0xFFFFFFFF, []byte{0x01}},
	}

	buf := make([]byte, MaxFrameLenURP)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := EncodeURP(buf, testDst, testSrc, tt.seq, tt.payload)
			if err != nil {
				t.Fatalf("EncodeURP: %v", err)
			}
			if want := MinFrameLenURP + len(tt.payload); n != want {
				t.Fatalf("frame length = %d, want %d", n, want)
			}

			f, err := DecodeURP(buf[:n])
			if err != nil {
				t.Fatalf("DecodeURP: %v", err)
			}
			if f.Seq != tt.seq || f.Opcode != OpcodeURPData {
				t.Errorf("header = %+v", f.URPHeader)
			}
			if !bytes.Equal(f.Payload, tt.payload) {
				t.Errorf("payload mismatch: %x != %x", f.Payload, tt.payload)
			}
		})
	}
}

func TestURPWireLayout(t *testing.T) {
	buf := make([]byte, MaxFrameLenURP)
	n, err := EncodeURP(buf, testDst, testSrc, 0x0A0B0C0D, []byte{0x7F})
	if err != nil {
		t.Fatalf("EncodeURP: %v", err)
	}

	want := []byte{
		0x02, 0x00, 0x00, 0x00, 0x00, 0x01,
		0x02, 0x00, 0x00, 0x00, 0x00, 0x02,
		0x88, 0xB6, // ether_type
		0x0A, 0x0B, 0x0C, 0x0D, // seq first in URP
		0x00, 0x01, // version
		0x00, 0x20, // opcode
		0x00, 0x01, // payload_len
		0x7F,
	}
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("wire bytes\n got %x\nwant %x", buf[:n], want)
	}
}

func TestURPEncodeTooLarge(t *testing.T) {
	buf := make([]byte, MaxFrameLenURP)
	payload := make([]byte, MaxPayloadURP+1)
	if _, err := EncodeURP(buf, testDst, testSrc, 0, payload); err != ErrFrameTooLarge {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestURPDecodeMalformed(t *testing.T) {
	valid := make([]byte, MaxFrameLenURP)
	n, err := EncodeURP(valid, testDst, testSrc, 1, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("EncodeURP: %v", err)
	}
	valid = valid[:n]

	corrupt := func(mutate func(b []byte)) []byte {
		b := append([]byte(nil), valid...)
		mutate(b)
		return b
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{"short", valid[:MinFrameLenURP-1]},
		{"sig ether_type rejected", corrupt(func(b []byte) { b[13] = 0xB5 })},
		{"wrong version", corrupt(func(b []byte) { b[19] = 9 })},
		{"payload_len beyond frame", corrupt(func(b []byte) { b[22], b[23] = 0x04, 0x00 })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeURP(tt.frame); err != ErrMalformedFrame {
				t.Fatalf("err = %v, want ErrMalformedFrame", err)
			}
		})
	}
}
