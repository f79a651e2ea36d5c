package wire

import (
	"bytes"
	"testing"
)

var (
	testDst = MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testSrc = MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func TestSIGRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		channel uint16
		seq     uint32
		opcode  uint16
		payload []byte
	}{
		{"empty payload", 0, 0, OpcodeSIGAck, nil},
		{"small payload", 1, 0, OpcodeSIGData, []byte{0x01, 0x02, 0x03}},
		{"max payload", 65535, 7, OpcodeSIGData, bytes.Repeat([]byte{0xAA}, MaxPayloadSIG)},
		{"seq wrap boundary", 42, 0xFFFFFFFF, OpcodeSIGData, []byte{0xFF}},
	}

	buf := make([]byte, MaxFrameLenSIG)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := EncodeSIG(buf, testDst, testSrc, tt.channel, tt.seq, tt.opcode, tt.payload)
			if err != nil {
				t.Fatalf("EncodeSIG: %v", err)
			}
			if want := MinFrameLenSIG + len(tt.payload); n != want {
				t.Fatalf("frame length = %d, want %d", n, want)
			}

			f, err := DecodeSIG(buf[:n])
			if err != nil {
				t.Fatalf("DecodeSIG: %v", err)
			}
			if f.Dst != testDst || f.Src != testSrc {
				t.Errorf("addresses = %v -> %v, want %v -> %v", f.Src, f.Dst, testSrc, testDst)
			}
			if f.Channel != tt.channel || f.Seq != tt.seq || f.Opcode != tt.opcode {
				t.Errorf("header = %+v", f.SIGHeader)
			}
			if int(f.PayloadLen) != len(tt.payload) {
				t.Errorf("payload_len = %d, want %d", f.PayloadLen, len(tt.payload))
			}
			if !bytes.Equal(f.Payload, tt.payload) {
				t.Errorf("payload mismatch: %x != %x", f.Payload, tt.payload)
			}
		})
	}
}

func TestSIGWireLayout(t *testing.T) {
	buf := make([]byte, MaxFrameLenSIG)
	n, err := EncodeSIG(buf, testDst, testSrc, 0x0102, 0x03040506, OpcodeSIGData, []byte{0xEE})
	if err != nil {
		t.Fatalf("EncodeSIG: %v", err)
	}

	want := []byte{
		0x02, 0x00, 0x00, 0x00, 0x00, 0x01, // dst
		0x02, 0x00, 0x00, 0x00, 0x00, 0x02, // src
		0x88, 0xB5, // ether_type
		0x00, 0x01, // version
		0x01, 0x02, // channel
		0x03, 0x04, 0x05, 0x06, // seq
		0x00, 0x10, // opcode
		0x00, 0x01, // payload_len
		0xEE,
	}
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("wire bytes\n got %x\nwant %x", buf[:n], want)
	}
}

func TestSIGEncodeTooLarge(t *testing.T) {
	buf := make([]byte, MaxFrameLenSIG)
	payload := make([]byte, MaxPayloadSIG+1)
	if _, err := EncodeSIG(buf, testDst, testSrc, 0, 0, OpcodeSIGData, payload); err != ErrFrameTooLarge {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}

	// Short destination buffer is also a caller error.
	short := make([]byte, MinFrameLenSIG-1)
	if _, err := EncodeSIG(short, testDst, testSrc, 0, 0, OpcodeSIGAck, nil); err != ErrFrameTooLarge {
		t.Fatalf("short buf err = %v, want ErrFrameTooLarge", err)
	}
}

func TestSIGDecodeMalformed(t *testing.T) {
	valid := make([]byte, MaxFrameLenSIG)
	n, err := EncodeSIG(valid, testDst, testSrc, 3, 9, OpcodeSIGData, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("EncodeSIG: %v", err)
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
		{"empty", nil},
		{"short", valid[:MinFrameLenSIG-1]},
		{"wrong ether_type", corrupt(func(b []byte) { b[13] = 0xB6 })},
		{"wrong version", corrupt(func(b []byte) { b[15] = 2 })},
		{"payload_len beyond frame", corrupt(func(b []byte) { b[24], b[25] = 0x00, 0x30 })},
		{"payload_len beyond max", corrupt(func(b []byte) { b[24], b[25] = 0xFF, 0xFF })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeSIG(tt.frame); err != ErrMalformedFrame {
				t.Fatalf("err = %v, want ErrMalformedFrame", err)
			}
		})
	}
}
