// Package pattern provides byte signatures with wildcards and the
// functions needed to find them in a buffer.
//
// A signature is written as space separated hex bytes. A "?" or "??"
// matches any byte:
//
//	48 8B 05 ?? ?? ?? ?? 48 85 C0
//
// The separators may be omitted when every byte is written as two
// characters ("488B05????????4885C0").
package pattern

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
)

// DefaultExitFn is invoked by functions and methods ending in
// the "OrExit" suffix when an error occurs.
var DefaultExitFn = func(err error) {
	log.Fatalln(err)
}

// ParseOrExit calls Parse. It calls DefaultExitFn if an error occurs.
func ParseOrExit(str string) Signature {
	sig, err := Parse(str)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to parse signature - %w", err))
	}
	return sig
}

// Parse parses a signature string.
func Parse(str string) (Signature, error) {
	tokens := strings.Fields(str)
	if len(tokens) == 1 && len(tokens[0]) > 2 {
		tokens = splitPacked(tokens[0])
	}

	if len(tokens) == 0 {
		return Signature{}, fmt.Errorf("signature cannot be empty")
	}

	sig := Signature{
		Bytes: make([]byte, len(tokens)),
		Mask:  make([]bool, len(tokens)),
	}

	for i, token := range tokens {
		token = strings.TrimPrefix(strings.ToLower(token), "0x")

		if token == "?" || token == "??" {
			continue
		}

		if len(token) != 2 {
			return Signature{}, fmt.Errorf("token %d ('%s') is not a byte", i, token)
		}

		b, err := hex.DecodeString(token)
		if err != nil {
			return Signature{}, fmt.Errorf("failed to hex decode token %d ('%s') - %w", i, token, err)
		}

		sig.Bytes[i] = b[0]
		sig.Mask[i] = true
	}

	if sig.Wildcards() == sig.Len() {
		return Signature{}, fmt.Errorf("signature must contain at least one exact byte")
	}

	return sig, nil
}

func splitPacked(str string) []string {
	if len(str)%2 != 0 {
		return []string{str}
	}

	tokens := make([]string, 0, len(str)/2)
	for i := 0; i < len(str); i += 2 {
		tokens = append(tokens, str[i:i+2])
	}

	return tokens
}

// Exact returns a signature that matches b exactly.
func Exact(b []byte) Signature {
	sig := Signature{
		Bytes: make([]byte, len(b)),
		Mask:  make([]bool, len(b)),
	}

	copy(sig.Bytes, b)
	for i := range sig.Mask {
		sig.Mask[i] = true
	}

	return sig
}

// Signature is a sequence of bytes. Mask[i] is false when the
// byte at i is a wildcard.
type Signature struct {
	Bytes []byte
	Mask  []bool
}

func (o Signature) Len() int {
	return len(o.Bytes)
}

// Wildcards returns the number of wildcard bytes.
func (o Signature) Wildcards() int {
	n := 0
	for _, exact := range o.Mask {
		if !exact {
			n++
		}
	}

	return n
}

func (o Signature) String() string {
	var b strings.Builder

	for i := range o.Bytes {
		if i > 0 {
			b.WriteByte(' ')
		}

		if o.Mask[i] {
			fmt.Fprintf(&b, "%02X", o.Bytes[i])
		} else {
			b.WriteString("??")
		}
	}

	return b.String()
}

// anchor returns the longest run of exact bytes and its offset
// in the signature.
func (o Signature) anchor() (int, []byte) {
	bestStart, bestLen := 0, 0

	for i := 0; i < len(o.Mask); {
		if !o.Mask[i] {
			i++
			continue
		}

		start := i
		for i < len(o.Mask) && o.Mask[i] {
			i++
		}

		if i-start > bestLen {
			bestStart, bestLen = start, i-start
		}
	}

	return bestStart, o.Bytes[bestStart : bestStart+bestLen]
}

// MatchAt reports whether the signature matches data at offset i.
func (o Signature) MatchAt(data []byte, i int) bool {
	if i < 0 || i+len(o.Bytes) > len(data) {
		return false
	}

	for j, b := range o.Bytes {
		if o.Mask[j] && data[i+j] != b {
			return false
		}
	}

	return true
}

// Index returns the offset of the first match in data, or -1.
func (o Signature) Index(data []byte) int {
	return o.indexFrom(data, 0)
}

func (o Signature) indexFrom(data []byte, from int) int {
	if len(o.Bytes) == 0 || len(o.Mask) != len(o.Bytes) {
		return -1
	}

	anchorOff, anchor := o.anchor()

	for from+len(o.Bytes) <= len(data) {
		searchStart := from + anchorOff
		searchEnd := len(data) - (len(o.Bytes) - anchorOff - len(anchor))

		if searchStart > searchEnd {
			return -1
		}

		found := bytes.Index(data[searchStart:searchEnd], anchor)
		if found < 0 {
			return -1
		}

		candidate := searchStart + found - anchorOff
		if o.MatchAt(data, candidate) {
			return candidate
		}

		from = candidate + 1
	}

	return -1
}

// IndexAll returns the offset of every match in data. Matches
// may overlap.
func (o Signature) IndexAll(data []byte) []int {
	var matches []int

	for from := 0; ; {
		i := o.indexFrom(data, from)
		if i < 0 {
			return matches
		}

		matches = append(matches, i)
		from = i + 1
	}
}
