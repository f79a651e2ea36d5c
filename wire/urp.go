package wire

import "encoding/binary"

// URPHeader is the protocol header of a URP frame. Note the field order
// differs from SIG: seq leads.
type URPHeader struct {
	Seq        uint32
	Version    uint16
	Opcode     uint16
	PayloadLen uint16
}

// URPFrame is a decoded URP frame. Payload aliases the decoded buffer.
type URPFrame struct {
	Dst MAC
	Src MAC
	URPHeader
	Payload []byte
}

// EncodeURP writes a complete URP DATA frame into buf and returns the frame
// length. Fails with ErrFrameTooLarge if the payload exceeds MaxPayloadURP
// or buf is too short.
func EncodeURP(buf []byte, dst, src MAC, seq uint32, payload []byte) (int, error) {
	if len(payload) > MaxPayloadURP {
		return 0, ErrFrameTooLarge
	}
	frameLen := MinFrameLenURP + len(payload)
	if len(buf) < frameLen {
		return 0, ErrFrameTooLarge
	}

	copy(buf[0:6], dst[:])
	copy(buf[6:12], src[:])
	binary.BigEndian.PutUint16(buf[12:14], EtherTypeURP)

	h := buf[EthHeaderLen:]
	binary.BigEndian.PutUint32(h[0:4], seq)
	binary.BigEndian.PutUint16(h[4:6], Version)
	binary.BigEndian.PutUint16(h[6:8], OpcodeURPData)
	binary.BigEndian.PutUint16(h[8:10], uint16(len(payload)))

	if len(payload) > 0 {
		copy(h[URPHeaderLen:], payload)
	}
	return frameLen, nil
}

// DecodeURP parses a received URP frame, validating length, EtherType,
// version and the declared payload length. Violations yield
// ErrMalformedFrame.
func DecodeURP(frame []byte) (URPFrame, error) {
	var f URPFrame
	if len(frame) < MinFrameLenURP {
		return f, ErrMalformedFrame
	}
	if binary.BigEndian.Uint16(frame[12:14]) != EtherTypeURP {
		return f, ErrMalformedFrame
	}
	h := frame[EthHeaderLen:]
	if binary.BigEndian.Uint16(h[4:6]) != Version {
		return f, ErrMalformedFrame
	}

	payloadLen := binary.BigEndian.Uint16(h[8:10])
	if int(payloadLen) > MaxPayloadURP || MinFrameLenURP+int(payloadLen) > len(frame) {
		return f, ErrMalformedFrame
	}

	copy(f.Dst[:], frame[0:6])
	copy(f.Src[:], frame[6:12])
	f.Seq = binary.BigEndian.Uint32(h[0:4])
	f.Version = Version
	f.Opcode = binary.BigEndian.Uint16(h[6:8])
	f.PayloadLen = payloadLen
	f.Payload = h[URPHeaderLen : URPHeaderLen+int(payloadLen)]
	return f, nil
}
