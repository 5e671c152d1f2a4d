package protocol

import (
	"errors"
)

// Every raw byte is masked before being split into 6-bit fragments and every
// fragment is biased into the printable range. The encoded alphabet is
// 0x3B..0x7A, so it never contains a frame marker ('#', '!', '*') or a digit.
const (
	cipherMask = 0xEB
	cipherBias = 0x3B
)

var (
	// ErrMalformedFrame is returned when an encoded region cannot be decoded.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrShortFrame is returned when a decoded frame cannot hold a header.
	ErrShortFrame = errors.New("protocol: frame too short")
)

// EncodedLen returns the number of bytes Encode produces for n input bytes.
func EncodedLen(n int) int {
	out := n / 3 * 4
	switch n % 3 {
	case 1:
		out += 2
	case 2:
		out += 3
	}
	return out
}

// DecodedLen returns the number of bytes Decode produces for n encoded bytes.
// A dangling single byte carries no data and is not counted.
func DecodedLen(n int) int {
	out := n / 4 * 3
	switch n % 4 {
	case 2:
		out++
	case 3:
		out += 2
	}
	return out
}

// Encode expands src, three bytes into four, after masking each byte.
// A tail of one or two bytes is flushed as a group of two or three.
func Encode(src []byte) []byte {
	dst := make([]byte, EncodedLen(len(src)))
	di := 0
	si := 0
	for ; si+3 <= len(src); si += 3 {
		a := src[si] ^ cipherMask
		b := src[si+1] ^ cipherMask
		c := src[si+2] ^ cipherMask
		dst[di] = a>>2 + cipherBias
		dst[di+1] = (a&0x03)<<4 | b>>4 + cipherBias
		dst[di+2] = (b&0x0F)<<2 | c>>6 + cipherBias
		dst[di+3] = c&0x3F + cipherBias
		di += 4
	}

	switch len(src) - si {
	case 1:
		a := src[si] ^ cipherMask
		dst[di] = a>>2 + cipherBias
		dst[di+1] = (a&0x03)<<4 + cipherBias
	case 2:
		a := src[si] ^ cipherMask
		b := src[si+1] ^ cipherMask
		dst[di] = a>>2 + cipherBias
		dst[di+1] = (a&0x03)<<4 | b>>4 + cipherBias
		dst[di+2] = (b&0x0F)<<2 + cipherBias
	}
	return dst
}

// Decode reverses Encode. Trailing groups of two or three encoded bytes yield
// one or two decoded bytes.
func Decode(src []byte) ([]byte, error) {
	if len(src)%4 == 1 {
		return nil, ErrMalformedFrame
	}

	dst := make([]byte, DecodedLen(len(src)))
	var frag [4]byte
	di := 0
	for si := 0; si < len(src); si += 4 {
		n := len(src) - si
		if n > 4 {
			n = 4
		}
		for i := 0; i < n; i++ {
			v := src[si+i] - cipherBias
			if src[si+i] < cipherBias || v > 0x3F {
				return nil, ErrMalformedFrame
			}
			frag[i] = v
		}

		dst[di] = (frag[0]<<2 | frag[1]>>4) ^ cipherMask
		di++
		if n >= 3 {
			dst[di] = (frag[1]<<4 | frag[2]>>2) ^ cipherMask
			di++
		}
		if n == 4 {
			dst[di] = (frag[2]<<6 | frag[3]) ^ cipherMask
			di++
		}
	}
	return dst[:di], nil
}

// DecodeFrame decodes the region between '#' and '!'. Older peers put a
// single message-number digit in front of the encoded bytes; it is skipped.
func DecodeFrame(region []byte) ([]byte, error) {
	if len(region) > 0 && region[0] >= '0' && region[0] <= '9' {
		region = region[1:]
	}
	return Decode(region)
}

// EncodeFrame wraps the encoded form of raw in frame markers. A seq digit in
// '0'..'9' is written after '#' for peers that expect message numbering;
// pass 0 to omit it.
func EncodeFrame(raw []byte, seq byte) []byte {
	enc := Encode(raw)
	out := make([]byte, 0, len(enc)+3)
	out = append(out, FrameStart)
	if seq >= '0' && seq <= '9' {
		out = append(out, seq)
	}
	out = append(out, enc...)
	return append(out, FrameEnd)
}
