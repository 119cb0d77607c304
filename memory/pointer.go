package memory

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// ParsePointerOrExit calls ParsePointer. It calls DefaultExitFn
// if an error occurs.
func ParsePointerOrExit(str string) Pointer {
	p, err := ParsePointer(str)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to parse pointer - %w", err))
	}
	return p
}

// ParsePointer parses a hexadecimal 64-bit address. The "0x" prefix
// is optional, and the "`" and "_" separators are ignored so that
// addresses copied from a kernel debugger (fffff800`12345678) can
// be used as is.
func ParsePointer(str string) (Pointer, error) {
	cleaned := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(str)), "0x")
	cleaned = strings.NewReplacer("`", "", "_", "").Replace(cleaned)

	if len(cleaned) == 0 {
		return 0, fmt.Errorf("hex string cannot be zero-length")
	}

	if len(cleaned) > 16 {
		return 0, fmt.Errorf("hex string cannot be longer than 16 chars - it is %d chars long",
			len(cleaned))
	}

	v, err := strconv.ParseUint(cleaned, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to hex decode '%s' - %w", str, err)
	}

	return Pointer(v), nil
}

// Pointer is a 64-bit virtual or physical address.
type Pointer uint64

func (o Pointer) Uint() uint64 {
	return uint64(o)
}

// Bytes returns the pointer in little endian byte order.
func (o Pointer) Bytes() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(o))
	return b
}

func (o Pointer) HexString() string {
	return fmt.Sprintf("0x%016x", uint64(o))
}

// String formats the pointer the way a kernel debugger does.
func (o Pointer) String() string {
	return fmt.Sprintf("%08x`%08x", uint64(o)>>32, uint64(o)&0xffffffff)
}

// MarshalText encodes the pointer as a "0x" prefixed hex string.
func (o Pointer) MarshalText() ([]byte, error) {
	return []byte(o.HexString()), nil
}

func (o *Pointer) UnmarshalText(text []byte) error {
	p, err := ParsePointer(string(text))
	if err != nil {
		return err
	}

	*o = p
	return nil
}
