package nitrite

import (
	"encoding/binary"
	"fmt"
	"math"
)

func float64Bits(f float64) uint64 { return math.Float64bits(f) }
func bitsFloat64(u uint64) float64 { return math.Float64frombits(u) }

// EncodeDocument serializes a Document into a binary-tagged tree: every
// Value variant carries its Kind tag, so the encoding round-trips without
// an external schema. It is what a Collection's primary storage.Map
// stores as the value half of its NitriteId->Document entries.
func EncodeDocument(d *Document) []byte {
	buf := make([]byte, 0, 128)
	buf = appendUint32(buf, uint32(len(d.order)))
	for _, field := range d.order {
		buf = appendString(buf, field)
		buf = appendValue(buf, d.values[field])
	}
	return buf
}

// DecodeDocument deserializes the form EncodeDocument produces.
func DecodeDocument(data []byte) (*Document, error) {
	d := NewDocument()
	r := &byteReader{buf: data}
	count, err := r.uint32()
	if err != nil {
		return nil, wrapErr(KindIOError, "decode document field count", err)
	}
	for i := uint32(0); i < count; i++ {
		field, err := r.string()
		if err != nil {
			return nil, wrapErr(KindIOError, "decode document field name", err)
		}
		v, err := decodeValue(r)
		if err != nil {
			return nil, wrapErr(KindIOError, "decode document field value", err)
		}
		d.setRaw(field, v)
	}
	return d, nil
}

func appendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Kind()))
	switch v.Kind() {
	case KindNull:
		// no payload
	case KindBool:
		if v.AsBool() {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindI32:
		buf = appendUint32(buf, uint32(v.AsI32()))
	case KindI64, KindDateTime:
		buf = appendUint64(buf, uint64(v.AsI64()))
	case KindID:
		buf = appendUint64(buf, uint64(v.AsID()))
	case KindF64:
		bits := float64Bits(v.AsF64())
		buf = appendUint64(buf, bits)
	case KindString:
		buf = appendString(buf, v.AsString())
	case KindBytes:
		buf = appendBytes(buf, v.AsBytes())
	case KindArray:
		arr := v.AsArray()
		buf = appendUint32(buf, uint32(len(arr)))
		for _, e := range arr {
			buf = appendValue(buf, e)
		}
	case KindDocument:
		if v.AsDocument() == nil {
			buf = appendUint32(buf, 0)
		} else {
			enc := EncodeDocument(v.AsDocument())
			buf = appendBytes(buf, enc)
		}
	}
	return buf
}

func decodeValue(r *byteReader) (Value, error) {
	kindByte, err := r.byte()
	if err != nil {
		return Null, err
	}
	switch Kind(kindByte) {
	case KindNull:
		return Null, nil
	case KindBool:
		b, err := r.byte()
		if err != nil {
			return Null, err
		}
		return Bool(b != 0), nil
	case KindI32:
		n, err := r.uint32()
		if err != nil {
			return Null, err
		}
		return I32(int32(n)), nil
	case KindI64:
		n, err := r.uint64()
		if err != nil {
			return Null, err
		}
		return I64(int64(n)), nil
	case KindDateTime:
		n, err := r.uint64()
		if err != nil {
			return Null, err
		}
		return DateTimeMillis(int64(n)), nil
	case KindID:
		n, err := r.uint64()
		if err != nil {
			return Null, err
		}
		return IDValue(NitriteID(n)), nil
	case KindF64:
		bits, err := r.uint64()
		if err != nil {
			return Null, err
		}
		return F64(bitsFloat64(bits)), nil
	case KindString:
		s, err := r.string()
		if err != nil {
			return Null, err
		}
		return Str(s), nil
	case KindBytes:
		b, err := r.bytes()
		if err != nil {
			return Null, err
		}
		return Binary(b), nil
	case KindArray:
		n, err := r.uint32()
		if err != nil {
			return Null, err
		}
		vals := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := decodeValue(r)
			if err != nil {
				return Null, err
			}
			vals = append(vals, v)
		}
		return Array(vals...), nil
	case KindDocument:
		b, err := r.bytes()
		if err != nil {
			return Null, err
		}
		if len(b) == 0 {
			return DocumentValue(nil), nil
		}
		doc, err := DecodeDocument(b)
		if err != nil {
			return Null, err
		}
		return DocumentValue(doc), nil
	default:
		return Null, fmt.Errorf("unknown value kind byte %d", kindByte)
	}
}

func appendUint32(buf []byte, n uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], n)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, n uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], n)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// byteReader is a minimal forward-only cursor over an encoded buffer.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("unexpected end of buffer")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) uint32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, fmt.Errorf("unexpected end of buffer reading uint32")
	}
	n := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return n, nil
}

func (r *byteReader) uint64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("unexpected end of buffer reading uint64")
	}
	n := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return n, nil
}

func (r *byteReader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *byteReader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, fmt.Errorf("unexpected end of buffer reading bytes")
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return append([]byte(nil), b...), nil
}
