// Package frame implements the length-prefixed envelope codec used on the broker socket.
//
// Wire layout: a 4-byte big-endian length covering the envelope, followed by the
// protobuf encoded envelope {1: payloadType, 2: payload, 3: clientMsgId}.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cowanweks/ctrader-go/errs"
)

const (
	// LengthPrefixSize is the size of the big-endian length header.
	LengthPrefixSize = 4
	// DefaultMaxFrameSize bounds a single envelope when no limit is configured.
	DefaultMaxFrameSize = 4 * 1024 * 1024

	fieldPayloadType protowire.Number = 1
	fieldPayload     protowire.Number = 2
	fieldClientMsgID protowire.Number = 3
)

// ErrIncomplete reports that the buffer does not yet hold a whole frame.
var ErrIncomplete = errors.New("frame: incomplete")

// Frame is one decoded protocol message.
type Frame struct {
	PayloadType    uint32
	Payload        []byte
	ClientMsgID    uint64
	HasClientMsgID bool
}

// Encode serialises one frame including its length prefix.
func Encode(payloadType uint32, payload []byte, msgID uint64, hasID bool) ([]byte, error) {
	return AppendEncode(nil, payloadType, payload, msgID, hasID)
}

// AppendEncode appends the encoded frame to dst.
func AppendEncode(dst []byte, payloadType uint32, payload []byte, msgID uint64, hasID bool) ([]byte, error) {
	envelope := encodeEnvelope(payloadType, payload, msgID, hasID)
	if uint64(len(envelope)) > uint64(^uint32(0)) {
		return nil, errs.New("frame", errs.CodeInvalid, errs.WithMessage("envelope exceeds 4 GiB length field"))
	}
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(envelope)))
	dst = append(dst, prefix[:]...)
	return append(dst, envelope...), nil
}

// EncodeFrame is a convenience wrapper around Encode for an already assembled frame.
func EncodeFrame(f Frame) ([]byte, error) {
	return Encode(f.PayloadType, f.Payload, f.ClientMsgID, f.HasClientMsgID)
}

func encodeEnvelope(payloadType uint32, payload []byte, msgID uint64, hasID bool) []byte {
	size := protowire.SizeTag(fieldPayloadType) + protowire.SizeVarint(uint64(payloadType))
	if len(payload) > 0 {
		size += protowire.SizeTag(fieldPayload) + protowire.SizeBytes(len(payload))
	}
	var id string
	if hasID {
		id = strconv.FormatUint(msgID, 10)
		size += protowire.SizeTag(fieldClientMsgID) + protowire.SizeBytes(len(id))
	}
	buf := make([]byte, 0, size)
	buf = protowire.AppendTag(buf, fieldPayloadType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(payloadType))
	if len(payload) > 0 {
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, payload)
	}
	if hasID {
		buf = protowire.AppendTag(buf, fieldClientMsgID, protowire.BytesType)
		buf = protowire.AppendString(buf, id)
	}
	return buf
}

// Decode parses one frame from the head of buf.
//
// It returns ErrIncomplete when more bytes are needed and keeps no state between
// calls; the caller owns the accumulation buffer. consumed is the number of bytes
// that belong to the returned frame. Any other error is a framing error and the
// stream cannot be resynchronised.
func Decode(buf []byte, maxFrameSize int) (Frame, int, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if len(buf) < LengthPrefixSize {
		return Frame{}, 0, ErrIncomplete
	}
	declared := binary.BigEndian.Uint32(buf[:LengthPrefixSize])
	if declared == 0 {
		return Frame{}, 0, framingError("zero length frame", nil)
	}
	if uint64(declared) > uint64(maxFrameSize) {
		return Frame{}, 0, framingError(
			fmt.Sprintf("declared length %d exceeds max frame size %d", declared, maxFrameSize), nil)
	}
	total := LengthPrefixSize + int(declared)
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}
	f, err := decodeEnvelope(buf[LengthPrefixSize:total])
	if err != nil {
		return Frame{}, 0, err
	}
	return f, total, nil
}

// DeclaredLength reports the envelope length announced by a buffered prefix.
func DeclaredLength(buf []byte) (int, bool) {
	if len(buf) < LengthPrefixSize {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(buf[:LengthPrefixSize])), true
}

func decodeEnvelope(b []byte) (Frame, error) {
	var (
		f       Frame
		hasType bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, framingError("malformed envelope tag", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldPayloadType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Frame{}, framingError("malformed payload type", protowire.ParseError(m))
			}
			if v > uint64(^uint32(0)) {
				return Frame{}, framingError("payload type overflows uint32", nil)
			}
			f.PayloadType = uint32(v)
			hasType = true
			b = b[m:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Frame{}, framingError("malformed payload", protowire.ParseError(m))
			}
			f.Payload = append([]byte(nil), v...)
			b = b[m:]
		case num == fieldClientMsgID && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Frame{}, framingError("malformed client message id", protowire.ParseError(m))
			}
			// Ids the engine did not mint cannot be correlated; treat them as absent.
			if id, err := strconv.ParseUint(string(v), 10, 64); err == nil {
				f.ClientMsgID = id
				f.HasClientMsgID = true
			}
			b = b[m:]
		case num == fieldPayloadType || num == fieldPayload || num == fieldClientMsgID:
			return Frame{}, framingError(fmt.Sprintf("field %d has wire type %d", num, typ), nil)
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return Frame{}, framingError("malformed unknown field", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	if !hasType {
		return Frame{}, framingError("envelope missing payload type", nil)
	}
	return f, nil
}

func framingError(msg string, cause error) error {
	opts := []errs.Option{errs.WithMessage(msg)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("frame", errs.CodeFraming, opts...)
}
