package ghost

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformedMessage = errors.New("malformed exchange message")

// Field numbers of the exchange messages. Every message is a flat protobuf
// message so peers built from different versions can skip unknown fields.
const (
	boundsOwnedField protowire.Number = 1
	boundsRoundField protowire.Number = 2

	countField protowire.Number = 1

	coordsField protowire.Number = 1

	payloadElementField protowire.Number = 1
	elementTypeField    protowire.Number = 1
	elementCoordsField  protowire.Number = 2
	elementValuesField  protowire.Number = 3

	idMapField protowire.Number = 1
)

// wireElement is an element as it travels between peers: points are carried
// by coordinates because point indices are local to a mesh.
type wireElement struct {
	Type   CellType
	Coords [][3]float64
	Values []float64
}

// roundBounds is what peers announce at the start of a round: the box around
// what they own and the box around the points they are about to send.
type roundBounds struct {
	Owned Bounds
	Round Bounds
}

func encodeBounds(rb roundBounds) []byte {
	var b []byte
	for _, f := range []struct {
		num    protowire.Number
		bounds Bounds
	}{{boundsOwnedField, rb.Owned}, {boundsRoundField, rb.Round}} {
		if !f.bounds.Valid {
			continue
		}
		vals := append(f.bounds.Min[:], f.bounds.Max[:]...)
		b = protowire.AppendTag(b, f.num, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPackedDoubles(nil, vals))
	}
	return b
}

func decodeBounds(b []byte) (roundBounds, error) {
	var rb roundBounds
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		var dst *Bounds
		switch num {
		case boundsOwnedField:
			dst = &rb.Owned
		case boundsRoundField:
			dst = &rb.Round
		default:
			return skip(num, typ, v)
		}
		raw, n, err := consumeBytes(typ, v)
		if err != nil {
			return 0, err
		}
		vals, err := decodePackedDoubles(raw)
		if err != nil {
			return 0, err
		}
		if len(vals) != 6 {
			return 0, fmt.Errorf("%w: bounds with %d values", ErrMalformedMessage, len(vals))
		}
		copy(dst.Min[:], vals[:3])
		copy(dst.Max[:], vals[3:])
		dst.Valid = true
		return n, nil
	})
	return rb, err
}

func encodeCount(n int) []byte {
	b := protowire.AppendTag(nil, countField, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(n))
}

func decodeCount(b []byte) (int, error) {
	var count int
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != countField || typ != protowire.VarintType {
			return skip(num, typ, v)
		}
		c, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		if c > math.MaxInt32 {
			return 0, fmt.Errorf("%w: point count %d", ErrMalformedMessage, c)
		}
		count = int(c)
		return n, nil
	})
	return count, err
}

func encodeCoords(points [][3]float64) []byte {
	if len(points) == 0 {
		return []byte{}
	}
	b := protowire.AppendTag(nil, coordsField, protowire.BytesType)
	return protowire.AppendBytes(b, appendPackedPoints(nil, points))
}

func decodeCoords(b []byte) ([][3]float64, error) {
	var points [][3]float64
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != coordsField {
			return skip(num, typ, v)
		}
		raw, n, err := consumeBytes(typ, v)
		if err != nil {
			return 0, err
		}
		p, err := decodePackedPoints(raw)
		if err != nil {
			return 0, err
		}
		points = append(points, p...)
		return n, nil
	})
	return points, err
}

func encodePayload(elements []wireElement) []byte {
	var b []byte
	for _, e := range elements {
		var eb []byte
		eb = protowire.AppendTag(eb, elementTypeField, protowire.VarintType)
		eb = protowire.AppendVarint(eb, uint64(e.Type))
		if len(e.Coords) > 0 {
			eb = protowire.AppendTag(eb, elementCoordsField, protowire.BytesType)
			eb = protowire.AppendBytes(eb, appendPackedPoints(nil, e.Coords))
		}
		if len(e.Values) > 0 {
			eb = protowire.AppendTag(eb, elementValuesField, protowire.BytesType)
			eb = protowire.AppendBytes(eb, appendPackedDoubles(nil, e.Values))
		}
		b = protowire.AppendTag(b, payloadElementField, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

func decodePayload(b []byte) ([]wireElement, error) {
	var elements []wireElement
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != payloadElementField {
			return skip(num, typ, v)
		}
		raw, n, err := consumeBytes(typ, v)
		if err != nil {
			return 0, err
		}
		e, err := decodeElement(raw)
		if err != nil {
			return 0, err
		}
		elements = append(elements, e)
		return n, nil
	})
	return elements, err
}

func decodeElement(b []byte) (wireElement, error) {
	var e wireElement
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case elementTypeField:
			if typ != protowire.VarintType {
				return 0, fmt.Errorf("%w: element type has wire type %d", ErrMalformedMessage, typ)
			}
			t, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			e.Type = CellType(t)
			return n, nil
		case elementCoordsField:
			raw, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			if e.Coords, err = decodePackedPoints(raw); err != nil {
				return 0, err
			}
			return n, nil
		case elementValuesField:
			raw, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			if e.Values, err = decodePackedDoubles(raw); err != nil {
				return 0, err
			}
			return n, nil
		default:
			return skip(num, typ, v)
		}
	})
	if err != nil {
		return wireElement{}, err
	}
	if want := e.Type.NumPoints(); want == 0 || want != len(e.Coords) {
		return wireElement{}, fmt.Errorf("%w: %s with %d points", ErrMalformedMessage, e.Type, len(e.Coords))
	}
	return e, nil
}

func encodeIDMap(ids []int64) []byte {
	if len(ids) == 0 {
		return []byte{}
	}
	var packed []byte
	for _, id := range ids {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(id))
	}
	b := protowire.AppendTag(nil, idMapField, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func decodeIDMap(b []byte) ([]int64, error) {
	var ids []int64
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != idMapField {
			return skip(num, typ, v)
		}
		raw, n, err := consumeBytes(typ, v)
		if err != nil {
			return 0, err
		}
		for len(raw) > 0 {
			x, m := protowire.ConsumeVarint(raw)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			ids = append(ids, protowire.DecodeZigZag(x))
			raw = raw[m:]
		}
		return n, nil
	})
	return ids, err
}

// walk calls fn for every field of the message in b. fn receives the bytes
// following the tag and returns how many of them the value used.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			if errors.Is(err, ErrMalformedMessage) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: expected length delimited field, got wire type %d", ErrMalformedMessage, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func appendPackedDoubles(b []byte, vals []float64) []byte {
	for _, v := range vals {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

func appendPackedPoints(b []byte, points [][3]float64) []byte {
	for _, p := range points {
		b = appendPackedDoubles(b, p[:])
	}
	return b
}

func decodePackedDoubles(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: packed doubles of %d bytes", ErrMalformedMessage, len(b))
	}
	vals := make([]float64, 0, len(b)/8)
	for len(b) > 0 {
		x, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		vals = append(vals, math.Float64frombits(x))
		b = b[n:]
	}
	return vals, nil
}

func decodePackedPoints(b []byte) ([][3]float64, error) {
	vals, err := decodePackedDoubles(b)
	if err != nil {
		return nil, err
	}
	if len(vals)%3 != 0 {
		return nil, fmt.Errorf("%w: %d coordinates is not a whole number of points", ErrMalformedMessage, len(vals))
	}
	points := make([][3]float64, len(vals)/3)
	for i := range points {
		copy(points[i][:], vals[3*i:3*i+3])
	}
	return points, nil
}
