package bstruct

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

type status int64

type inner struct {
	A uint16
	B int32
}

type everything struct {
	Flag   bool
	Small  int8
	Status status
	Inner  inner
	Name   string
	Data   []byte
	Last   uint64
}

func TestRoundTrip(t *testing.T) {
	exp := everything{
		Flag:   true,
		Small:  -2,
		Status: -0x3ffffffb,
		Inner:  inner{A: 0xbeef, B: -1},
		Name:   `C:\Windows\notepad.exe`,
		Data:   []byte{1, 2, 3},
		Last:   0xffffa00000001000,
	}

	b, err := ToBytes(binary.LittleEndian, &exp, nil)
	if err != nil {
		t.Fatal(err)
	}

	expLen := 1 + 1 + 8 + 2 + 4 + 4 + len(exp.Name) + 4 + len(exp.Data) + 8
	if len(b) != expLen {
		t.Fatalf("expected %d bytes - got %d", expLen, len(b))
	}

	var got everything
	n, err := FromBytes(binary.LittleEndian, append(b, 0xaa), &got)
	if err != nil {
		t.Fatal(err)
	}

	if n != expLen {
		t.Fatalf("expected %d bytes to be consumed - got %d", expLen, n)
	}

	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("expected %+v - got %+v", exp, got)
	}
}

func TestFromBytes_Short(t *testing.T) {
	b := ToBytesOrExit(binary.BigEndian, everything{Name: "abc"}, nil)

	var got everything
	_, err := FromBytes(binary.BigEndian, b[:len(b)-1], &got)
	if !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer - got %v", err)
	}
}

func TestToBytes_Unsupported(t *testing.T) {
	_, err := ToBytes(binary.LittleEndian, struct{ F float64 }{}, nil)
	if err == nil {
		t.Fatal("expected a float field to fail")
	}

	_, err = ToBytes(binary.LittleEndian, 5, nil)
	if err == nil {
		t.Fatal("expected a non-struct to fail")
	}

	_, err = FromBytes(binary.LittleEndian, nil, everything{})
	if err == nil {
		t.Fatal("expected a non-pointer to fail")
	}
}

func TestToBytes_FieldInfo(t *testing.T) {
	var infos []FieldInfo

	_, err := ToBytes(binary.BigEndian, inner{A: 0x0102, B: 0x03040506}, func(info FieldInfo) error {
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(infos) != 2 {
		t.Fatalf("expected 2 fields - got %d", len(infos))
	}

	if infos[1].Name != "B" || infos[1].Type != "int32" || !bytes.Equal(infos[1].Value, []byte{3, 4, 5, 6}) {
		t.Fatalf("unexpected field info: %+v", infos[1])
	}

	stop := errors.New("stop")
	_, err = ToBytes(binary.BigEndian, inner{}, func(FieldInfo) error {
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected the field function's error - got %v", err)
	}
}
