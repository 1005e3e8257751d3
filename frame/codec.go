package frame

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// header is {typeId, length, streamId}, little-endian, matching the
// host's wire framing.
type header struct {
	typeID   uint32
	length   uint32
	streamID uint64
}

const headerSize = 4 + 4 + 8

func writeHeader(w io.Writer, k Kind, length int, streamID uint64) error {
	var h [headerSize]byte
	binary.LittleEndian.PutUint32(h[0:4], uint32(k))
	binary.LittleEndian.PutUint32(h[4:8], uint32(length))
	binary.LittleEndian.PutUint64(h[8:16], streamID)
	_, err := w.Write(h[:])
	return errors.Wrap(err, "frame: write header")
}

func readHeader(r io.Reader) (header, error) {
	var h [headerSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return header{}, errors.Wrap(err, "frame: read header")
	}
	return header{
		typeID:   binary.LittleEndian.Uint32(h[0:4]),
		length:   binary.LittleEndian.Uint32(h[4:8]),
		streamID: binary.LittleEndian.Uint64(h[8:16]),
	}, nil
}

func putUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func putUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func takeUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, errors.New("frame: short uint64")
	}
	return binary.LittleEndian.Uint64(b[:8]), b[8:], nil
}

func takeUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errors.New("frame: short uint32")
	}
	return binary.LittleEndian.Uint32(b[:4]), b[4:], nil
}

// absentStringLen marks an optional string field as not present, as
// distinct from a present-but-empty string.
const absentStringLen uint32 = 0xFFFFFFFF

func putOptionalString(buf []byte, s *string) []byte {
	if s == nil {
		return putUint32(buf, absentStringLen)
	}
	buf = putUint32(buf, uint32(len(*s)))
	return append(buf, *s...)
}

func takeOptionalString(b []byte) (*string, []byte, error) {
	n, rest, err := takeUint32(b)
	if err != nil {
		return nil, nil, err
	}
	if n == absentStringLen {
		return nil, rest, nil
	}
	if uint32(len(rest)) < n {
		return nil, nil, errors.New("frame: short optional string")
	}
	s := string(rest[:n])
	return &s, rest[n:], nil
}

// EncodeBeginExtension encodes the TLS-specific BEGIN extension:
// {hostname?, applicationProtocol?}.
func EncodeBeginExtension(hostname, applicationProtocol *string) []byte {
	var buf []byte
	buf = putOptionalString(buf, hostname)
	buf = putOptionalString(buf, applicationProtocol)
	return buf
}

// DecodeBeginExtension decodes the TLS-specific BEGIN extension.
func DecodeBeginExtension(b []byte) (hostname, applicationProtocol *string, err error) {
	hostname, b, err = takeOptionalString(b)
	if err != nil {
		return nil, nil, err
	}
	applicationProtocol, _, err = takeOptionalString(b)
	if err != nil {
		return nil, nil, err
	}
	return hostname, applicationProtocol, nil
}

// EncodeRouteExtension encodes the TLS route extension:
// {store?, hostname?, applicationProtocol?}.
func EncodeRouteExtension(store, hostname, applicationProtocol *string) []byte {
	var buf []byte
	buf = putOptionalString(buf, store)
	buf = putOptionalString(buf, hostname)
	buf = putOptionalString(buf, applicationProtocol)
	return buf
}

// DecodeRouteExtension decodes the TLS route extension.
func DecodeRouteExtension(b []byte) (store, hostname, applicationProtocol *string, err error) {
	store, b, err = takeOptionalString(b)
	if err != nil {
		return nil, nil, nil, err
	}
	hostname, b, err = takeOptionalString(b)
	if err != nil {
		return nil, nil, nil, err
	}
	applicationProtocol, _, err = takeOptionalString(b)
	if err != nil {
		return nil, nil, nil, err
	}
	return store, hostname, applicationProtocol, nil
}

// Encode serializes f into its wire form: header followed by a
// kind-specific body.
func Encode(w io.Writer, f Frame) error {
	body := encodeBody(f)
	if err := writeHeader(w, f.Kind(), len(body), f.GetStreamID()); err != nil {
		return err
	}
	_, err := w.Write(body)
	return errors.Wrap(err, "frame: write body")
}

func encodeBody(f Frame) []byte {
	var buf []byte
	switch m := f.(type) {
	case Begin:
		buf = putUint64(buf, m.RouteID)
		buf = putUint64(buf, m.TraceID)
		buf = putUint64(buf, m.Authorization)
		buf = putUint64(buf, m.CorrelationID)
		buf = putUint32(buf, uint32(len(m.Extension)))
		buf = append(buf, m.Extension...)
	case Data:
		buf = putUint64(buf, m.RouteID)
		buf = putUint64(buf, m.TraceID)
		buf = putUint32(buf, m.GroupID)
		buf = putUint32(buf, m.Padding)
		buf = putUint64(buf, m.Authorization)
		buf = putUint32(buf, uint32(len(m.Payload)))
		buf = append(buf, m.Payload...)
	case End:
		buf = putUint64(buf, m.RouteID)
		buf = putUint64(buf, m.TraceID)
		buf = putUint64(buf, m.Authorization)
	case Abort:
		buf = putUint64(buf, m.RouteID)
		buf = putUint64(buf, m.TraceID)
		buf = putUint64(buf, m.Authorization)
	case Window:
		buf = putUint64(buf, m.RouteID)
		buf = putUint64(buf, m.TraceID)
		buf = putUint32(buf, m.Credit)
		buf = putUint32(buf, m.Padding)
		buf = putUint32(buf, m.GroupID)
	case Reset:
		buf = putUint64(buf, m.RouteID)
		buf = putUint64(buf, m.TraceID)
	case Signal:
		buf = putUint64(buf, m.RouteID)
		buf = putUint64(buf, m.TraceID)
		buf = putUint64(buf, m.SignalID)
	default:
		panic("frame: unknown frame type")
	}
	return buf
}

// Decode reads one frame from r.
func Decode(r io.Reader) (Frame, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	body := make([]byte, h.length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "frame: read body")
	}

	return decodeBody(Kind(h.typeID), h.streamID, body)
}

func decodeBody(k Kind, streamID uint64, b []byte) (Frame, error) {
	switch k {
	case KindBegin:
		routeID, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		traceID, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		authorization, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		correlationID, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		extLen, b, err := takeUint32(b)
		if err != nil {
			return nil, err
		}
		if uint32(len(b)) < extLen {
			return nil, errors.New("frame: short BEGIN extension")
		}
		return Begin{
			RouteID: routeID, StreamID: streamID, TraceID: traceID,
			Authorization: authorization, CorrelationID: correlationID,
			Extension: append([]byte(nil), b[:extLen]...),
		}, nil
	case KindData:
		routeID, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		traceID, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		groupID, b, err := takeUint32(b)
		if err != nil {
			return nil, err
		}
		padding, b, err := takeUint32(b)
		if err != nil {
			return nil, err
		}
		authorization, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		payloadLen, b, err := takeUint32(b)
		if err != nil {
			return nil, err
		}
		if uint32(len(b)) < payloadLen {
			return nil, errors.New("frame: short DATA payload")
		}
		return Data{
			RouteID: routeID, StreamID: streamID, TraceID: traceID,
			GroupID: groupID, Padding: padding, Authorization: authorization,
			Payload: append([]byte(nil), b[:payloadLen]...),
		}, nil
	case KindEnd:
		routeID, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		traceID, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		authorization, _, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		return End{RouteID: routeID, StreamID: streamID, TraceID: traceID, Authorization: authorization}, nil
	case KindAbort:
		routeID, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		traceID, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		authorization, _, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		return Abort{RouteID: routeID, StreamID: streamID, TraceID: traceID, Authorization: authorization}, nil
	case KindWindow:
		routeID, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		traceID, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		credit, b, err := takeUint32(b)
		if err != nil {
			return nil, err
		}
		padding, b, err := takeUint32(b)
		if err != nil {
			return nil, err
		}
		groupID, _, err := takeUint32(b)
		if err != nil {
			return nil, err
		}
		return Window{RouteID: routeID, StreamID: streamID, TraceID: traceID, Credit: credit, Padding: padding, GroupID: groupID}, nil
	case KindReset:
		routeID, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		traceID, _, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		return Reset{RouteID: routeID, StreamID: streamID, TraceID: traceID}, nil
	case KindSignal:
		routeID, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		traceID, b, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		signalID, _, err := takeUint64(b)
		if err != nil {
			return nil, err
		}
		return Signal{RouteID: routeID, StreamID: streamID, TraceID: traceID, SignalID: signalID}, nil
	default:
		return nil, errors.Errorf("frame: unknown type id %#x", uint32(k))
	}
}
