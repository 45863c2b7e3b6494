package memory

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// Encoding selects how string bytes are interpreted.
type Encoding int

const (
	UTF8 Encoding = iota
	UTF16
	ASCII
)

func (e Encoding) String() string {
	switch e {
	case UTF8:
		return "utf8"
	case UTF16:
		return "utf16"
	case ASCII:
		return "ascii"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// unitSize returns the width of one code unit.
func (e Encoding) unitSize() int {
	if e == UTF16 {
		return 2
	}
	return 1
}

// StringLayout describes a runtime string object: an int32 character count
// followed by UTF-16 code units.
type StringLayout struct {
	LengthOffset uint32 `yaml:"lengthOffset" json:"lengthOffset"`
	CharsOffset  uint32 `yaml:"charsOffset" json:"charsOffset"`
}

// DecodeString converts raw bytes to a string, stopping at the first
// terminator of the given encoding.
func DecodeString(buf []byte, enc Encoding) (string, error) {
	switch enc {
	case UTF16:
		end := len(buf) &^ 1
		for i := 0; i+1 < len(buf); i += 2 {
			if buf[i] == 0 && buf[i+1] == 0 {
				end = i
				break
			}
		}
		out, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(buf[:end])
		if err != nil {
			return "", fmt.Errorf("decode utf16: %w", err)
		}
		return string(out), nil
	case ASCII:
		s := cutNul(buf)
		b := make([]byte, len(s))
		for i, c := range s {
			if c > 0x7F {
				c = '?'
			}
			b[i] = c
		}
		return string(b), nil
	case UTF8:
		return strings.ToValidUTF8(string(cutNul(buf)), "\uFFFD"), nil
	default:
		return "", fmt.Errorf("unknown string encoding %s", enc)
	}
}

func cutNul(buf []byte) []byte {
	for i, c := range buf {
		if c == 0 {
			return buf[:i]
		}
	}
	return buf
}

// ReadString reads at most maxLen code units at addr and decodes them.
func (r *Reader) ReadString(addr Address, maxLen int, enc Encoding, cached bool) (string, error) {
	if maxLen <= 0 {
		return "", nil
	}
	buf, err := r.ReadBytes(addr, maxLen*enc.unitSize(), cached)
	if err != nil {
		return "", err
	}
	return DecodeString(buf, enc)
}

// ReadManagedString reads a runtime string object at addr. Strings longer
// than maxLen characters are truncated.
func (r *Reader) ReadManagedString(addr Address, maxLen int, lay StringLayout) (string, error) {
	n, err := ReadValue[int32](r, addr.Add(uint64(lay.LengthOffset)), false)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("%w: string length %d at %s", ErrCorruptStructure, n, addr)
	}
	if int(n) > maxLen {
		n = int32(maxLen)
	}
	if n == 0 {
		return "", nil
	}
	buf, err := r.ReadBytes(addr.Add(uint64(lay.CharsOffset)), int(n)*2, false)
	if err != nil {
		return "", err
	}
	return DecodeString(buf, UTF16)
}

// DecodeManagedString decodes a runtime string object already read into buf,
// as produced by a scatter read of CharsOffset+2*maxLen bytes.
func DecodeManagedString(buf []byte, maxLen int, lay StringLayout) (string, error) {
	if int(lay.LengthOffset)+4 > len(buf) {
		return "", fmt.Errorf("%w: string header outside %d byte buffer", ErrCorruptStructure, len(buf))
	}
	n := int(int32(binary.LittleEndian.Uint32(buf[lay.LengthOffset:])))
	if n < 0 {
		return "", fmt.Errorf("%w: string length %d", ErrCorruptStructure, n)
	}
	if n > maxLen {
		n = maxLen
	}
	start := int(lay.CharsOffset)
	end := start + n*2
	if end > len(buf) {
		end = len(buf) &^ 1
	}
	if start > end {
		return "", nil
	}
	return DecodeString(buf[start:end], UTF16)
}
