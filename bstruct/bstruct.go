// Package bstruct converts structs to and from packed binary.
//
// Fields are encoded in declaration order with no padding. Integer
// and bool fields use their natural size. String and []byte fields are
// prefixed with their length as a uint32. Nested structs are encoded
// in place. Unexported fields are not supported.
package bstruct

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"reflect"
)

// DefaultExitFn is invoked by functions and methods ending in
// the "OrExit" suffix when an error occurs.
var DefaultExitFn = func(err error) {
	log.Fatalln(err)
}

// ErrShortBuffer means a buffer ended before every field was decoded.
var ErrShortBuffer = errors.New("buffer is too short")

// FieldInfo describes one encoded field.
type FieldInfo struct {
	Index int
	Name  string
	Type  string
	Value []byte
}

// FieldLogger returns a function for ToBytes that logs each
// field to logger.
func FieldLogger(logger *log.Logger) func(FieldInfo) error {
	return func(info FieldInfo) error {
		logger.Printf("bstruct - field: %d | name: %q | type: %s | value:\n%s",
			info.Index, info.Name, info.Type, hex.Dump(info.Value))
		return nil
	}
}

// ToBytesOrExit calls ToBytes. It calls DefaultExitFn if an
// error occurs.
func ToBytesOrExit(bo binary.ByteOrder, s interface{}, optFn func(FieldInfo) error) []byte {
	b, err := ToBytes(bo, s, optFn)
	if err != nil {
		DefaultExitFn(err)
	}

	return b
}

// ToBytes encodes s, which must be a struct or a pointer to one.
// optFn, when non-nil, is called with each top-level field after
// it is encoded.
func ToBytes(bo binary.ByteOrder, s interface{}, optFn func(FieldInfo) error) ([]byte, error) {
	structValue, err := structOf(s)
	if err != nil {
		return nil, err
	}

	structType := structValue.Type()

	var b []byte

	for i := 0; i < structValue.NumField(); i++ {
		field := structType.Field(i)
		at := len(b)

		b, err = appendValue(bo, b, structValue.Field(i))
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %q (index %d) - %w", field.Name, i, err)
		}

		if optFn != nil {
			err := optFn(FieldInfo{
				Index: i,
				Name:  field.Name,
				Type:  field.Type.String(),
				Value: b[at:],
			})
			if err != nil {
				return nil, err
			}
		}
	}

	return b, nil
}

func structOf(s interface{}) (reflect.Value, error) {
	if s == nil {
		return reflect.Value{}, errors.New("struct is nil")
	}

	v := reflect.ValueOf(s)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, errors.New("struct pointer is nil")
		}

		v = v.Elem()
	}

	if v.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("expected a struct - got %s", v.Type())
	}

	return v, nil
}

func appendValue(bo binary.ByteOrder, b []byte, v reflect.Value) ([]byte, error) {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return append(b, 1), nil
		}
		return append(b, 0), nil
	case reflect.Uint8:
		return append(b, uint8(v.Uint())), nil
	case reflect.Int8:
		return append(b, uint8(v.Int())), nil
	case reflect.Uint16, reflect.Int16:
		b = append(b, make([]byte, 2)...)
		bo.PutUint16(b[len(b)-2:], uint16(integer(v)))
	case reflect.Uint32, reflect.Int32:
		b = append(b, make([]byte, 4)...)
		bo.PutUint32(b[len(b)-4:], uint32(integer(v)))
	case reflect.Uint64, reflect.Int64:
		b = append(b, make([]byte, 8)...)
		bo.PutUint64(b[len(b)-8:], integer(v))
	case reflect.String:
		return appendBytes(bo, b, []byte(v.String()))
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return nil, fmt.Errorf("unsupported slice type %s", v.Type())
		}
		return appendBytes(bo, b, v.Bytes())
	case reflect.Struct:
		var err error
		for i := 0; i < v.NumField(); i++ {
			b, err = appendValue(bo, b, v.Field(i))
			if err != nil {
				return nil, fmt.Errorf("field %q - %w", v.Type().Field(i).Name, err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported data type %s", v.Type())
	}

	return b, nil
}

func integer(v reflect.Value) uint64 {
	if v.CanUint() {
		return v.Uint()
	}

	return uint64(v.Int())
}

func appendBytes(bo binary.ByteOrder, b []byte, p []byte) ([]byte, error) {
	if uint64(len(p)) > math.MaxUint32 {
		return nil, fmt.Errorf("0x%x bytes is too long to encode", len(p))
	}

	b = append(b, make([]byte, 4)...)
	bo.PutUint32(b[len(b)-4:], uint32(len(p)))

	return append(b, p...), nil
}

// FromBytes decodes b into the struct that ptr points to and returns
// the number of bytes consumed.
func FromBytes(bo binary.ByteOrder, b []byte, ptr interface{}) (int, error) {
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return 0, errors.New("expected a non-nil struct pointer")
	}

	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("expected a struct pointer - got %T", ptr)
	}

	d := decoder{bo: bo, b: b}

	err := d.value(v)
	if err != nil {
		return d.off, err
	}

	return d.off, nil
}

type decoder struct {
	bo  binary.ByteOrder
	b   []byte
	off int
}

func (o *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(o.b)-o.off < n {
		return nil, fmt.Errorf("need 0x%x bytes at offset 0x%x of 0x%x - %w",
			n, o.off, len(o.b), ErrShortBuffer)
	}

	p := o.b[o.off : o.off+n]
	o.off += n

	return p, nil
}

func (o *decoder) value(v reflect.Value) error {
	size := 0

	switch v.Kind() {
	case reflect.Bool, reflect.Uint8, reflect.Int8:
		size = 1
	case reflect.Uint16, reflect.Int16:
		size = 2
	case reflect.Uint32, reflect.Int32:
		size = 4
	case reflect.Uint64, reflect.Int64:
		size = 8
	case reflect.String, reflect.Slice:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("unsupported slice type %s", v.Type())
		}

		raw, err := o.take(4)
		if err != nil {
			return err
		}

		p, err := o.take(int(o.bo.Uint32(raw)))
		if err != nil {
			return err
		}

		if v.Kind() == reflect.String {
			v.SetString(string(p))
		} else {
			v.SetBytes(append([]byte(nil), p...))
		}

		return nil
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			err := o.value(v.Field(i))
			if err != nil {
				return fmt.Errorf("field %q - %w", v.Type().Field(i).Name, err)
			}
		}

		return nil
	default:
		return fmt.Errorf("unsupported data type %s", v.Type())
	}

	raw, err := o.take(size)
	if err != nil {
		return err
	}

	var u uint64
	switch size {
	case 1:
		u = uint64(raw[0])
	case 2:
		u = uint64(o.bo.Uint16(raw))
	case 4:
		u = uint64(o.bo.Uint32(raw))
	case 8:
		u = o.bo.Uint64(raw)
	}

	switch v.Kind() {
	case reflect.Bool:
		v.SetBool(u != 0)
	case reflect.Int8:
		v.SetInt(int64(int8(u)))
	case reflect.Int16:
		v.SetInt(int64(int16(u)))
	case reflect.Int32:
		v.SetInt(int64(int32(u)))
	case reflect.Int64:
		v.SetInt(int64(u))
	default:
		v.SetUint(u)
	}

	return nil
}
