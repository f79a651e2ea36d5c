package wire

import "encoding/binary"

// SIGHeader is the protocol header of a SIG frame. Version and PayloadLen
// are filled in by the encoder and validated by the decoder.
type SIGHeader struct {
	Version    uint16
	Channel    uint16
	Seq        uint32
	Opcode     uint16
	PayloadLen uint16
}

// SIGFrame is a decoded SIG frame. Payload aliases the decoded buffer and is
// only valid until the underlying frame buffer is released.
type SIGFrame struct {
	Dst MAC
	Src MAC
	SIGHeader
	Payload []byte
}

// EncodeSIG writes a complete SIG frame into buf and returns the frame
// length. The payload must not exceed MaxPayloadSIG and buf must be able to
// hold the Ethernet header, the SIG header and the payload; otherwise
// ErrFrameTooLarge is returned and buf is untouched.
func EncodeSIG(buf []byte, dst, src MAC, channel uint16, seq uint32, opcode uint16, payload []byte) (int, error) {
	if len(payload) > MaxPayloadSIG {
		return 0, ErrFrameTooLarge
	}
	frameLen := MinFrameLenSIG + len(payload)
	if len(buf) < frameLen {
		return 0, ErrFrameTooLarge
	}

	copy(buf[0:6], dst[:])
	copy(buf[6:12], src[:])
	binary.BigEndian.PutUint16(buf[12:14], EtherTypeSIG)

	h := buf[EthHeaderLen:]
	binary.BigEndian.PutUint16(h[0:2], Version)
	binary.BigEndian.PutUint16(h[2:4], channel)
	binary.BigEndian.PutUint32(h[4:8], seq)
	binary.BigEndian.PutUint16(h[8:10], opcode)
	binary.BigEndian.PutUint16(h[10:12], uint16(len(payload)))

	if len(payload) > 0 {
		copy(h[SIGHeaderLen:], payload)
	}
	return frameLen, nil
}

// DecodeSIG parses a received SIG frame. It validates the frame length, the
// EtherType, the version and the declared payload length before returning;
// any violation yields ErrMalformedFrame.
func DecodeSIG(frame []byte) (SIGFrame, error) {
	var f SIGFrame
	if len(frame) < MinFrameLenSIG {
		return f, ErrMalformedFrame
	}
	if binary.BigEndian.Uint16(frame[12:14]) != EtherTypeSIG {
		return f, ErrMalformedFrame
	}
	h := frame[EthHeaderLen:]
	if binary.BigEndian.Uint16(h[0:2]) != Version {
		return f, ErrMalformedFrame
	}

	payloadLen := binary.BigEndian.Uint16(h[10:12])
	if int(payloadLen) > MaxPayloadSIG || MinFrameLenSIG+int(payloadLen) > len(frame) {
		return f, ErrMalformedFrame
	}

	copy(f.Dst[:], frame[0:6])
	copy(f.Src[:], frame[6:12])
	f.Version = Version
	f.Channel = binary.BigEndian.Uint16(h[2:4])
	f.Seq = binary.BigEndian.Uint32(h[4:8])
	f.Opcode = binary.BigEndian.Uint16(h[8:10])
	f.PayloadLen = payloadLen
	f.Payload = h[SIGHeaderLen : SIGHeaderLen+int(payloadLen)]
	return f, nil
}
