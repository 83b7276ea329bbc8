package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic          uint32 = 0x53435031 // "SCP1"
	Version        uint16 = 1
	FixedHeaderLen uint16 = 32

	FlagOneway uint32 = 0x01
)

// MessageType distinguishes requests from responses on a connection.
type MessageType uint8

const (
	TypeRequest  MessageType = 1
	TypeResponse MessageType = 2
)

var (
	ErrShortHeader       = errors.New("wire: short fixed header")
	ErrBadMagic          = errors.New("wire: bad magic")
	ErrUnsupported       = errors.New("wire: unsupported protocol version")
	ErrHeaderLenTooSmall = errors.New("wire: header_len smaller than fixed header")
	ErrPayloadTooLarge   = errors.New("wire: payload too large")
	ErrUnexpectedType    = errors.New("wire: unexpected message type")
)

// Header is the fixed frame header. Every field is big-endian on the wire.
type Header struct {
	Magic         uint32
	Version       uint16
	HeaderLen     uint16
	CorrelationID uint64
	Type          MessageType
	Status        Status
	Flags         uint32
	PayloadLen    uint64
}

// Frame is one complete message: header plus body bytes.
type Frame struct {
	Header Header
	Body   []byte
}

// Limits constrains decode memory use.
type Limits struct {
	MaxPayloadBytes uint64
	MaxNameBytes    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
		MaxNameBytes:    4 * 1024,
	}
}

func (l Limits) orDefault() Limits {
	d := DefaultLimits()
	if l.MaxPayloadBytes == 0 {
		l.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if l.MaxNameBytes == 0 {
		l.MaxNameBytes = d.MaxNameBytes
	}
	return l
}

// ReadFrame reads one frame. A clean close before any header byte yields io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	limits = limits.orDefault()
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupported, h.Version)
	}
	if h.HeaderLen < FixedHeaderLen {
		return Frame{}, ErrHeaderLenTooSmall
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	// header extension bytes are reserved; skip them
	if extra := int64(h.HeaderLen - FixedHeaderLen); extra > 0 {
		if _, err := io.CopyN(io.Discard, r, extra); err != nil {
			return Frame{}, err
		}
	}

	body := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Body: body}, nil
}

// WriteFrame writes f with a single Write call so that a caller holding a
// per-connection lock emits whole frames.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	limits = limits.orDefault()
	bodyLen := uint64(len(f.Body))
	if bodyLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen
	h.PayloadLen = bodyLen

	buf := make([]byte, 0, int(FixedHeaderLen)+len(f.Body))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Body...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.CorrelationID)
	buf[16] = byte(h.Type)
	buf[17] = byte(h.Status)
	// 18:20 reserved
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("wire: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:         binary.BigEndian.Uint32(b[0:4]),
		Version:       binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:     binary.BigEndian.Uint16(b[6:8]),
		CorrelationID: binary.BigEndian.Uint64(b[8:16]),
		Type:          MessageType(b[16]),
		Status:        Status(b[17]),
		Flags:         binary.BigEndian.Uint32(b[20:24]),
		PayloadLen:    binary.BigEndian.Uint64(b[24:32]),
	}, nil
}
