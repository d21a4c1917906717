// Package wire implements the length-prefixed, tag-exact wire codec for the
// two top-level envelopes (ToServer, FromServer) described in spec §6. No
// .proto compiler is available in this build (see DESIGN.md), so the codec
// walks each message's `wire:"<field-number>"` struct tags with reflection
// and emits the standard protobuf wire format (varint tags, wiretypes 0 and
// 2) directly — the numeric tags callers see in the struct definitions are
// exactly the bytes that go over the wire, which is what spec §6's
// byte-exactness requirement actually constrains.
//
// The codec is registered with gRPC as a custom encoding.Codec (see grpc.go)
// so transport stays real gRPC bidirectional streaming; only the on-wire
// message representation is ours to control.
package wire

import (
	"fmt"
	"reflect"
	"sync"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ankaios-go/ankaios/shared/model"
)

const (
	wireVarint = 0
	wireLen    = 2
)

// timestampType lets the codec special-case *timestamppb.Timestamp fields:
// it is a real generated protobuf message, so its own fields carry
// `protobuf:"..."` tags rather than our `wire:"N"` convention and would
// otherwise encode as an empty submessage. Its wire layout (field 1 =
// seconds varint, field 2 = nanos varint) is fixed by the
// google.protobuf.Timestamp well-known type, so it's reproduced directly
// rather than walked generically.
var timestampType = reflect.TypeOf((*timestamppb.Timestamp)(nil))

// executionStateType lets setScalar special-case model.ExecutionState: the
// reserved gap in its wire values (spec §9) must collapse to EXEC_UNKNOWN at
// decode time, not just in the standalone helper that documents the rule.
var executionStateType = reflect.TypeOf(model.ExecUnknown)

// fieldInfo describes one struct field tagged for wire encoding.
type fieldInfo struct {
	num   int
	index int
}

var fieldCache sync.Map // reflect.Type -> []fieldInfo

// fieldsOf returns the wire-tagged fields of t (a struct type), computed
// once per type and cached.
func fieldsOf(t reflect.Type) []fieldInfo {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]fieldInfo)
	}
	var fields []fieldInfo
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag, ok := sf.Tag.Lookup("wire")
		if !ok || tag == "-" {
			continue
		}
		var num int
		if _, err := fmt.Sscanf(tag, "%d", &num); err != nil || num == 0 {
			continue
		}
		fields = append(fields, fieldInfo{num: num, index: i})
	}
	fieldCache.Store(t, fields)
	return fields
}

func fieldByNum(t reflect.Type, num int) (int, bool) {
	for _, f := range fieldsOf(t) {
		if f.num == num {
			return f.index, true
		}
	}
	return 0, false
}

// Marshal encodes v (a pointer to a wire-tagged struct) into the protobuf
// wire format.
func Marshal(v any) ([]byte, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("wire: Marshal: expected struct, got %s", rv.Kind())
	}
	return encodeMessage(rv), nil
}

// Unmarshal decodes data into v (a pointer to a wire-tagged struct).
func Unmarshal(data []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("wire: Unmarshal: v must be a non-nil pointer")
	}
	return decodeMessage(data, rv.Elem())
}

// ─── Encoding ─────────────────────────────────────────────────────────────

func encodeMessage(rv reflect.Value) []byte {
	var out []byte
	t := rv.Type()
	for _, f := range fieldsOf(t) {
		out = appendField(out, f.num, rv.Field(f.index))
	}
	return out
}

// appendField encodes one struct field's value, handling scalars, slices
// (repeated), and maps (repeated key/value submessages) per protobuf wire
// conventions.
func appendField(out []byte, num int, fv reflect.Value) []byte {
	if fv.Type() == timestampType {
		if fv.IsNil() {
			return out
		}
		return appendLenDelim(out, num, encodeTimestamp(fv.Interface().(*timestamppb.Timestamp)))
	}

	switch fv.Kind() {
	case reflect.String:
		if fv.Len() == 0 {
			return out
		}
		return appendLenDelim(out, num, []byte(fv.String()))

	case reflect.Bool:
		if !fv.Bool() {
			return out
		}
		return appendVarintField(out, num, 1)

	case reflect.Int, reflect.Int32, reflect.Int64:
		n := fv.Int()
		if n == 0 {
			return out
		}
		return appendVarintField(out, num, uint64(n))

	case reflect.Slice:
		if fv.Type().Elem().Kind() == reflect.Uint8 {
			// []byte
			b := fv.Bytes()
			if len(b) == 0 {
				return out
			}
			return appendLenDelim(out, num, b)
		}
		for i := 0; i < fv.Len(); i++ {
			out = appendRepeatedElem(out, num, fv.Index(i))
		}
		return out

	case reflect.Map:
		keys := fv.MapKeys()
		for _, k := range keys {
			entry := encodeMapEntry(k, fv.MapIndex(k))
			out = appendLenDelim(out, num, entry)
		}
		return out

	case reflect.Struct:
		sub := encodeMessage(fv)
		return appendLenDelim(out, num, sub)

	case reflect.Ptr:
		if fv.IsNil() {
			return out
		}
		return appendField(out, num, fv.Elem())

	default:
		return out
	}
}

// appendRepeatedElem encodes one element of a repeated (slice) field.
func appendRepeatedElem(out []byte, num int, ev reflect.Value) []byte {
	switch ev.Kind() {
	case reflect.String:
		return appendLenDelim(out, num, []byte(ev.String()))
	case reflect.Struct:
		return appendLenDelim(out, num, encodeMessage(ev))
	case reflect.Ptr:
		if ev.IsNil() {
			return out
		}
		return appendLenDelim(out, num, encodeMessage(ev.Elem()))
	case reflect.Int, reflect.Int32, reflect.Int64:
		return appendVarintField(out, num, uint64(ev.Int()))
	default:
		return out
	}
}

// encodeMapEntry encodes a map[K]V entry as a protobuf map-entry submessage:
// field 1 is the key, field 2 is the value.
func encodeMapEntry(k, v reflect.Value) []byte {
	var entry []byte
	entry = appendField(entry, 1, k)
	entry = appendField(entry, 2, v)
	return entry
}

func encodeTimestamp(ts *timestamppb.Timestamp) []byte {
	var out []byte
	if ts.Seconds != 0 {
		out = appendVarintField(out, 1, uint64(ts.Seconds))
	}
	if ts.Nanos != 0 {
		out = appendVarintField(out, 2, uint64(ts.Nanos))
	}
	return out
}

func appendVarintField(out []byte, num int, value uint64) []byte {
	out = appendVarint(out, uint64(num)<<3|wireVarint)
	out = appendVarint(out, value)
	return out
}

func appendLenDelim(out []byte, num int, payload []byte) []byte {
	out = appendVarint(out, uint64(num)<<3|wireLen)
	out = appendVarint(out, uint64(len(payload)))
	return append(out, payload...)
}

func appendVarint(out []byte, v uint64) []byte {
	for v >= 0x80 {
		out = append(out, byte(v)|0x80)
		v >>= 7
	}
	return append(out, byte(v))
}

// ─── Decoding ─────────────────────────────────────────────────────────────

func decodeMessage(data []byte, rv reflect.Value) error {
	t := rv.Type()
	for len(data) > 0 {
		tag, n, err := readVarint(data)
		if err != nil {
			return err
		}
		data = data[n:]
		num := int(tag >> 3)
		wiretype := int(tag & 0x7)

		idx, known := fieldByNum(t, num)

		switch wiretype {
		case wireVarint:
			val, n, err := readVarint(data)
			if err != nil {
				return err
			}
			data = data[n:]
			if known {
				if err := setScalar(rv.Field(idx), val); err != nil {
					return err
				}
			}

		case wireLen:
			length, n, err := readVarint(data)
			if err != nil {
				return err
			}
			data = data[n:]
			if uint64(len(data)) < length {
				return fmt.Errorf("wire: truncated length-delimited field %d", num)
			}
			payload := data[:length]
			data = data[length:]
			if known {
				if err := setLenDelim(rv.Field(idx), payload); err != nil {
					return fmt.Errorf("wire: field %d: %w", num, err)
				}
			}

		default:
			return fmt.Errorf("wire: unsupported wiretype %d on field %d", wiretype, num)
		}
	}
	return nil
}

func setScalar(fv reflect.Value, val uint64) error {
	if fv.Type() == executionStateType {
		fv.SetInt(int64(model.DecodeExecutionState(int32(val))))
		return nil
	}
	switch fv.Kind() {
	case reflect.Bool:
		fv.SetBool(val != 0)
	case reflect.Int, reflect.Int32, reflect.Int64:
		fv.SetInt(int64(val))
	default:
		return fmt.Errorf("wire: cannot assign varint to kind %s", fv.Kind())
	}
	return nil
}

func setLenDelim(fv reflect.Value, payload []byte) error {
	if fv.Type() == timestampType {
		ts := &timestamppb.Timestamp{}
		if err := decodeTimestamp(payload, ts); err != nil {
			return err
		}
		fv.Set(reflect.ValueOf(ts))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(string(payload))
		return nil

	case reflect.Slice:
		elemType := fv.Type().Elem()
		if elemType.Kind() == reflect.Uint8 {
			fv.SetBytes(append([]byte(nil), payload...))
			return nil
		}
		elem := reflect.New(elemType).Elem()
		switch elemType.Kind() {
		case reflect.String:
			elem.SetString(string(payload))
		case reflect.Struct:
			if err := decodeMessage(payload, elem); err != nil {
				return err
			}
		case reflect.Ptr:
			inner := reflect.New(elemType.Elem())
			if err := decodeMessage(payload, inner.Elem()); err != nil {
				return err
			}
			elem = inner
		default:
			return fmt.Errorf("wire: unsupported repeated element kind %s", elemType.Kind())
		}
		fv.Set(reflect.Append(fv, elem))
		return nil

	case reflect.Map:
		return decodeMapEntry(fv, payload)

	case reflect.Struct:
		return decodeMessage(payload, fv)

	case reflect.Ptr:
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		return decodeMessage(payload, fv.Elem())

	default:
		return fmt.Errorf("wire: cannot assign length-delimited value to kind %s", fv.Kind())
	}
}

// decodeTimestamp reads the two well-known-type fields (seconds, nanos) of
// a google.protobuf.Timestamp submessage directly, mirroring encodeTimestamp.
func decodeTimestamp(data []byte, ts *timestamppb.Timestamp) error {
	for len(data) > 0 {
		tag, n, err := readVarint(data)
		if err != nil {
			return err
		}
		data = data[n:]
		num := int(tag >> 3)
		wiretype := int(tag & 0x7)
		if wiretype != wireVarint {
			return fmt.Errorf("wire: unsupported timestamp wiretype %d", wiretype)
		}
		val, n, err := readVarint(data)
		if err != nil {
			return err
		}
		data = data[n:]
		switch num {
		case 1:
			ts.Seconds = int64(val)
		case 2:
			ts.Nanos = int32(val)
		}
	}
	return nil
}

// decodeMapEntry decodes a protobuf map-entry submessage (field 1 = key,
// field 2 = value) and inserts it into the map field fv, initializing the
// map if necessary.
func decodeMapEntry(fv reflect.Value, payload []byte) error {
	if fv.IsNil() {
		fv.Set(reflect.MakeMap(fv.Type()))
	}
	keyType := fv.Type().Key()
	valType := fv.Type().Elem()
	key := reflect.New(keyType).Elem()
	val := reflect.New(valType).Elem()

	data := payload
	for len(data) > 0 {
		tag, n, err := readVarint(data)
		if err != nil {
			return err
		}
		data = data[n:]
		num := int(tag >> 3)
		wiretype := int(tag & 0x7)

		switch wiretype {
		case wireVarint:
			v, n, err := readVarint(data)
			if err != nil {
				return err
			}
			data = data[n:]
			if num == 1 {
				if err := setScalar(key, v); err != nil {
					return err
				}
			} else if num == 2 {
				if err := setScalar(val, v); err != nil {
					return err
				}
			}
		case wireLen:
			length, n, err := readVarint(data)
			if err != nil {
				return err
			}
			data = data[n:]
			if uint64(len(data)) < length {
				return fmt.Errorf("wire: truncated map entry")
			}
			sub := data[:length]
			data = data[length:]
			if num == 1 {
				if err := setLenDelim(key, sub); err != nil {
					return err
				}
			} else if num == 2 {
				if err := setLenDelim(val, sub); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("wire: unsupported map-entry wiretype %d", wiretype)
		}
	}
	fv.SetMapIndex(key, val)
	return nil
}

func readVarint(data []byte) (uint64, int, error) {
	var val uint64
	var shift uint
	for i := 0; i < len(data); i++ {
		b := data[i]
		val |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return val, i + 1, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, fmt.Errorf("wire: varint overflow")
		}
	}
	return 0, 0, fmt.Errorf("wire: truncated varint")
}
