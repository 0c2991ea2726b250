package linkmesh

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"

	"github.com/google/uuid"
)

// frameHeaderSize is the fixed 24-byte header in front of every frame,
// on both the stream and the datagram transport (spec §6).
const frameHeaderSize = 16 + 4 + 4

// ProtocolVersion is this repo's wire protocol version (spec §6).
// Mismatched versions refuse the handshake.
var ProtocolVersion = VersionData{Major: 0, Minor: 1, Build: 1, Revision: 0}

// VersionData is the first field of the INITIALIZATION payload.
type VersionData struct {
	Major, Minor, Build, Revision uint32
}

func (v VersionData) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// Equal reports whether two versions match exactly. The spec has no
// notion of compatible-but-different versions: any mismatch refuses
// the handshake.
func (v VersionData) Equal(o VersionData) bool {
	return v == o
}

// writeFrameHeader encodes the 24-byte frame header into buf[:24].
// buf must have length >= frameHeaderSize.
func writeFrameHeader(buf []byte, sender uuid.UUID, pt PacketType, dataLen int) {
	copy(buf[0:16], sender[:])
	binary.LittleEndian.PutUint32(buf[16:20], uint32(pt))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(dataLen))
}

// readFrameHeader decodes a 24-byte frame header from buf[:24].
func readFrameHeader(buf []byte) (sender uuid.UUID, pt PacketType, dataLen uint32) {
	copy(sender[:], buf[0:16])
	pt = PacketType(binary.LittleEndian.Uint32(buf[16:20]))
	dataLen = binary.LittleEndian.Uint32(buf[20:24])
	return
}

// encodeFrame writes a complete frame (header + payload) to w.
func encodeFrame(w io.Writer, sender uuid.UUID, pt PacketType, payload []byte) error {
	var hdr [frameHeaderSize]byte
	writeFrameHeader(hdr[:], sender, pt, len(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("linkmesh: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("linkmesh: write frame payload: %w", err)
		}
	}
	return nil
}

// decodedFrame is a fully decoded frame, header plus payload bytes.
type decodedFrame struct {
	Sender  uuid.UUID
	Type    PacketType
	Payload []byte
}

// readStreamFrame reads exactly one length-prefixed frame from r
// (stream transport framing, spec §4.2): first frameHeaderSize bytes,
// then header.data_length payload bytes. buf is reused across calls
// when it has enough capacity.
func readStreamFrame(r io.Reader, buf []byte) (decodedFrame, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return decodedFrame{}, buf, err
	}
	sender, pt, dataLen := readFrameHeader(hdr[:])
	if dataLen > udpMax {
		return decodedFrame{}, buf, fmt.Errorf("linkmesh: frame payload too large (%d bytes)", dataLen)
	}
	if cap(buf) < int(dataLen) {
		buf = make([]byte, dataLen)
	} else {
		buf = buf[:dataLen]
	}
	if dataLen > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return decodedFrame{}, buf, fmt.Errorf("linkmesh: incomplete frame payload: %w", err)
		}
	}
	payload := make([]byte, dataLen)
	copy(payload, buf)
	return decodedFrame{Sender: sender, Type: pt, Payload: payload}, buf, nil
}

// decodeDatagramFrame decodes one full frame out of a single datagram
// (datagram transport framing, spec §4.2: every completed receive is
// one full frame).
func decodeDatagramFrame(raw []byte) (decodedFrame, error) {
	if len(raw) < frameHeaderSize {
		return decodedFrame{}, fmt.Errorf("linkmesh: datagram shorter than frame header (%d bytes)", len(raw))
	}
	sender, pt, dataLen := readFrameHeader(raw[:frameHeaderSize])
	payload := raw[frameHeaderSize:]
	if uint32(len(payload)) != dataLen {
		return decodedFrame{}, fmt.Errorf("linkmesh: datagram length mismatch: header says %d, got %d", dataLen, len(payload))
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return decodedFrame{Sender: sender, Type: pt, Payload: out}, nil
}

// --- initialization (handshake) payload ---
//
// VersionData (4 x little-endian uint32) followed by RemoteData: a
// 16-byte remote id, then the stream endpoint and the datagram
// endpoint, each serialized as [1-byte address family][4-byte IPv4
// address][2-byte port], address and port big-endian on the wire
// (spec §6).

const (
	addrFamilyIPv4 byte = 4
)

func appendEndpoint(buf []byte, ep netip.AddrPort) ([]byte, error) {
	addr := ep.Addr()
	if !addr.Is4() {
		return nil, fmt.Errorf("linkmesh: endpoint %s is not IPv4", ep)
	}
	buf = append(buf, addrFamilyIPv4)
	a4 := addr.As4()
	buf = append(buf, a4[:]...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], ep.Port())
	buf = append(buf, portBuf[:]...)
	return buf, nil
}

func readEndpoint(r *bytes.Reader) (netip.AddrPort, error) {
	fam, err := r.ReadByte()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("linkmesh: read endpoint family: %w", err)
	}
	if fam != addrFamilyIPv4 {
		return netip.AddrPort{}, fmt.Errorf("linkmesh: unsupported address family %d", fam)
	}
	var a4 [4]byte
	if _, err := io.ReadFull(r, a4[:]); err != nil {
		return netip.AddrPort{}, fmt.Errorf("linkmesh: read endpoint address: %w", err)
	}
	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return netip.AddrPort{}, fmt.Errorf("linkmesh: read endpoint port: %w", err)
	}
	port := binary.BigEndian.Uint16(portBuf[:])
	return netip.AddrPortFrom(netip.AddrFrom4(a4), port), nil
}

// handshakeBody is the decoded INITIALIZATION payload.
type handshakeBody struct {
	Version  VersionData
	SenderID uuid.UUID
	Stream   netip.AddrPort
	Datagram netip.AddrPort
}

// encodeHandshake builds the INITIALIZATION payload bytes.
func encodeHandshake(h handshakeBody) ([]byte, error) {
	buf := make([]byte, 0, 16+16+2*7)
	var verBuf [16]byte
	binary.LittleEndian.PutUint32(verBuf[0:4], h.Version.Major)
	binary.LittleEndian.PutUint32(verBuf[4:8], h.Version.Minor)
	binary.LittleEndian.PutUint32(verBuf[8:12], h.Version.Build)
	binary.LittleEndian.PutUint32(verBuf[12:16], h.Version.Revision)
	buf = append(buf, verBuf[:]...)
	buf = append(buf, h.SenderID[:]...)

	var err error
	buf, err = appendEndpoint(buf, h.Stream)
	if err != nil {
		return nil, fmt.Errorf("linkmesh: encode handshake stream endpoint: %w", err)
	}
	buf, err = appendEndpoint(buf, h.Datagram)
	if err != nil {
		return nil, fmt.Errorf("linkmesh: encode handshake datagram endpoint: %w", err)
	}
	return buf, nil
}

// decodeHandshake parses an INITIALIZATION payload.
func decodeHandshake(payload []byte) (handshakeBody, error) {
	if len(payload) < 16+16 {
		return handshakeBody{}, fmt.Errorf("linkmesh: handshake payload too short (%d bytes)", len(payload))
	}
	var h handshakeBody
	h.Version.Major = binary.LittleEndian.Uint32(payload[0:4])
	h.Version.Minor = binary.LittleEndian.Uint32(payload[4:8])
	h.Version.Build = binary.LittleEndian.Uint32(payload[8:12])
	h.Version.Revision = binary.LittleEndian.Uint32(payload[12:16])
	copy(h.SenderID[:], payload[16:32])

	r := bytes.NewReader(payload[32:])
	var err error
	h.Stream, err = readEndpoint(r)
	if err != nil {
		return handshakeBody{}, fmt.Errorf("linkmesh: decode handshake stream endpoint: %w", err)
	}
	h.Datagram, err = readEndpoint(r)
	if err != nil {
		return handshakeBody{}, fmt.Errorf("linkmesh: decode handshake datagram endpoint: %w", err)
	}
	return h, nil
}
