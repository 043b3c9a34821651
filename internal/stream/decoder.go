package stream

import "unicode/utf8"

// Decoder converts byte chunks to text without splitting a multi-byte rune
// across two chunks. An incomplete trailing rune is held back until the next
// chunk completes it.
type Decoder struct {
	carry []byte
}

// Decode returns the text of p that forms complete runes, prefixed by any
// bytes carried over from the previous call.
func (d *Decoder) Decode(p []byte) string {
	buf := make([]byte, 0, len(d.carry)+len(p))
	buf = append(buf, d.carry...)
	buf = append(buf, p...)

	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}

	d.carry = append([]byte(nil), buf[cut:]...)
	return string(buf[:cut])
}

// Flush returns whatever bytes are still held back, as-is.
func (d *Decoder) Flush() string {
	s := string(d.carry)
	d.carry = nil
	return s
}
