package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolVersion 二进制帧协议版本
const ProtocolVersion = 0b0001

// MessageType 帧类型
type MessageType uint8

const (
	FullClientRequest  MessageType = 0b0001
	AudioOnlyRequest   MessageType = 0b0010
	FullServerResponse MessageType = 0b1001
	ErrorMessage       MessageType = 0b1111
)

// MessageFlags 序号标志（低两位）
type MessageFlags uint8

const (
	NoSequenceNumber       MessageFlags = 0b0000
	PositiveSequenceNumber MessageFlags = 0b0001
	LastPacketNoSequence   MessageFlags = 0b0010
	NegativeSequenceNumber MessageFlags = 0b0011
)

// Serialization 序列化方法
type Serialization uint8

const (
	NoSerialization   Serialization = 0b0000
	JSONSerialization Serialization = 0b0001
)

// Compression 压缩方法
type Compression uint8

const (
	NoCompression   Compression = 0b0000
	GzipCompression Compression = 0b0001
)

// Header is the fixed 4-byte frame header.
type Header struct {
	Version       uint8
	Size          uint8 // in 4-byte words
	Type          MessageType
	Flags         MessageFlags
	Serialization Serialization
	Compression   Compression
}

// Frame is one binary websocket message of the streaming ASR protocol.
type Frame struct {
	Header    Header
	Sequence  int32
	ErrorCode uint32
	Payload   []byte
}

func newHeader(t MessageType, flags MessageFlags, ser Serialization, comp Compression) Header {
	return Header{
		Version:       ProtocolVersion,
		Size:          1,
		Type:          t,
		Flags:         flags,
		Serialization: ser,
		Compression:   comp,
	}
}

func (h Header) bytes() [4]byte {
	return [4]byte{
		h.Version<<4 | h.Size,
		uint8(h.Type)<<4 | uint8(h.Flags),
		uint8(h.Serialization)<<4 | uint8(h.Compression),
		0,
	}
}

func (h Header) hasSequence() bool {
	switch h.Flags & 0b0011 {
	case PositiveSequenceNumber, NegativeSequenceNumber:
		return true
	}
	return false
}

// IsLast reports whether the frame closes the stream.
func (f *Frame) IsLast() bool {
	switch f.Header.Flags & 0b0011 {
	case LastPacketNoSequence, NegativeSequenceNumber:
		return true
	}
	return false
}

// Encode serialises the frame; the payload is written as-is.
func (f *Frame) Encode() []byte {
	var buf bytes.Buffer
	hdr := f.Header.bytes()
	buf.Write(hdr[:])
	if f.Header.hasSequence() {
		_ = binary.Write(&buf, binary.BigEndian, f.Sequence)
	}
	if f.Header.Type == ErrorMessage {
		_ = binary.Write(&buf, binary.BigEndian, f.ErrorCode)
	}
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(f.Payload)))
	buf.Write(f.Payload)
	return buf.Bytes()
}

// DecodeFrame parses one frame from data.
func DecodeFrame(data []byte) (*Frame, error) {
	r := bytes.NewReader(data)

	var raw [4]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	h := Header{
		Version:       raw[0] >> 4,
		Size:          raw[0] & 0x0F,
		Type:          MessageType(raw[1] >> 4),
		Flags:         MessageFlags(raw[1] & 0x0F),
		Serialization: Serialization(raw[2] >> 4),
		Compression:   Compression(raw[2] & 0x0F),
	}
	if h.Version != ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	if extra := int(h.Size)*4 - 4; extra > 0 {
		if _, err := r.Seek(int64(extra), io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("skip extended header: %w", err)
		}
	}

	f := &Frame{Header: h}
	if h.hasSequence() {
		if err := binary.Read(r, binary.BigEndian, &f.Sequence); err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
	}
	if h.Type == ErrorMessage {
		if err := binary.Read(r, binary.BigEndian, &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("read payload size: %w", err)
	}
	if int64(size) > int64(r.Len()) {
		return nil, fmt.Errorf("payload truncated: want %d bytes, have %d", size, r.Len())
	}
	f.Payload = make([]byte, size)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return f, nil
}

// Body returns the payload decompressed according to the header.
func (f *Frame) Body() ([]byte, error) {
	switch f.Header.Compression {
	case NoCompression:
		return f.Payload, nil
	case GzipCompression:
		zr, err := gzip.NewReader(bytes.NewReader(f.Payload))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", f.Header.Compression)
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// NewFullClientRequest frames the gzip-compressed JSON session request.
func NewFullClientRequest(jsonPayload []byte) (*Frame, error) {
	payload, err := gzipBytes(jsonPayload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Header:  newHeader(FullClientRequest, NoSequenceNumber, JSONSerialization, GzipCompression),
		Payload: payload,
	}, nil
}

// NewAudioFrame frames one gzip-compressed audio chunk. The last chunk
// carries a negative sequence number.
func NewAudioFrame(chunk []byte, sequence int32, last bool) (*Frame, error) {
	payload, err := gzipBytes(chunk)
	if err != nil {
		return nil, err
	}
	flags := PositiveSequenceNumber
	if last {
		flags = NegativeSequenceNumber
		sequence = -sequence
	}
	return &Frame{
		Header:   newHeader(AudioOnlyRequest, flags, NoSerialization, GzipCompression),
		Sequence: sequence,
		Payload:  payload,
	}, nil
}

// NewServerResponse frames a JSON server result. Used by test doubles of the service.
func NewServerResponse(jsonPayload []byte, sequence int32, last bool) (*Frame, error) {
	payload, err := gzipBytes(jsonPayload)
	if err != nil {
		return nil, err
	}
	flags := PositiveSequenceNumber
	if last {
		flags = NegativeSequenceNumber
		sequence = -sequence
	}
	return &Frame{
		Header:   newHeader(FullServerResponse, flags, JSONSerialization, GzipCompression),
		Sequence: sequence,
		Payload:  payload,
	}, nil
}
