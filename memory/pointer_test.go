package memory

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestParsePointer(t *testing.T) {
	type pointerCase struct {
		str string
		exp uint64
	}

	cases := []pointerCase{
		{str: "0xdeadbeef", exp: 0xdeadbeef},
		{str: "DEADBEEF", exp: 0xdeadbeef},
		{str: "fffff800`12345678", exp: 0xfffff80012345678},
		{str: " 0x0000_7ff6_0000_1000 ", exp: 0x7ff600001000},
	}

	for _, c := range cases {
		p, err := ParsePointer(c.str)
		if err != nil {
			t.Fatalf("'%s' - %s", c.str, err)
		}

		if p.Uint() != c.exp {
			t.Fatalf("'%s': expected 0x%x - got 0x%x", c.str, c.exp, p.Uint())
		}
	}
}

func TestParsePointer_Invalid(t *testing.T) {
	for _, str := range []string{"", "0x", "0x10000000000000000", "wat"} {
		_, err := ParsePointer(str)
		if err == nil {
			t.Fatalf("expected '%s' to fail", str)
		}
	}
}

func TestPointer_Bytes(t *testing.T) {
	p := Pointer(0x00000000deadbeef)
	exp := []byte{0xef, 0xbe, 0xad, 0xde, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(p.Bytes(), exp) {
		t.Fatalf("expected 0x%x - got 0x%x", exp, p.Bytes())
	}
}

func TestPointer_String(t *testing.T) {
	p := Pointer(0xfffff80012345678)
	if p.String() != "fffff800`12345678" {
		t.Fatalf("expected 'fffff800`12345678' - got '%s'", p.String())
	}

	if p.HexString() != "0xfffff80012345678" {
		t.Fatalf("expected '0xfffff80012345678' - got '%s'", p.HexString())
	}
}

func TestPointer_JSON(t *testing.T) {
	type doc struct {
		Root Pointer `json:"root"`
	}

	raw, err := json.Marshal(doc{Root: 0xfffff80012345678})
	if err != nil {
		t.Fatal(err)
	}

	if string(raw) != `{"root":"0xfffff80012345678"}` {
		t.Fatalf("unexpected json: %s", raw)
	}

	var d doc
	err = json.Unmarshal([]byte(`{"root":"fffff800`+"`"+`12345678"}`), &d)
	if err != nil {
		t.Fatal(err)
	}

	if d.Root != 0xfffff80012345678 {
		t.Fatalf("expected 0xfffff80012345678 - got %s", d.Root.HexString())
	}
}
