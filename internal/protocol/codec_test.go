package protocol

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_KnownVectors(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want string
	}{
		{"empty", []byte{}, ""},
		{"one byte tail", []byte{0x00}, "uk"},
		{"two byte tail", []byte{0x01, 0x02}, "ui_"},
		{"full group zero", []byte{0x00, 0x00, 0x00}, "uyjf"},
		{"full group ascii", []byte("abc"), "]caC"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, string(Encode(tc.in)))
		})
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for n := 0; n <= 300; n++ {
		src := make([]byte, n)
		rng.Read(src)

		enc := Encode(src)
		assert.Len(t, enc, EncodedLen(n))

		dec, err := Decode(enc)
		require.NoError(t, err, "length %d", n)
		assert.Equal(t, src, dec, "length %d", n)
		assert.Equal(t, n, DecodedLen(len(enc)))
	}
}

func TestCodec_EveryByteValue(t *testing.T) {
	for v := 0; v < 256; v++ {
		for _, src := range [][]byte{{byte(v)}, {byte(v), byte(v)}, {byte(v), 0xFF, byte(v)}} {
			dec, err := Decode(Encode(src))
			require.NoError(t, err)
			assert.Equal(t, src, dec)
		}
	}
}

func TestEncode_AlphabetAvoidsMarkers(t *testing.T) {
	src := make([]byte, 256*3)
	for i := range src {
		src[i] = byte(i)
	}
	for _, b := range Encode(src) {
		assert.GreaterOrEqual(t, b, byte(cipherBias))
		assert.LessOrEqual(t, b, byte(cipherBias+0x3F))
		assert.NotContains(t, "#!*0123456789", string(b))
	}
}

func TestDecodeFrame_SkipsLeadingDigit(t *testing.T) {
	src := []byte("hello, cluster")
	enc := Encode(src)

	for d := byte('0'); d <= '9'; d++ {
		withDigit := append([]byte{d}, enc...)
		got, err := DecodeFrame(withDigit)
		require.NoError(t, err)
		assert.Equal(t, src, got)
	}

	got, err := DecodeFrame(enc)
	require.NoError(t, err)
	assert.Equal(t, src, got)
}

func TestDecode_Malformed(t *testing.T) {
	t.Run("dangling single byte", func(t *testing.T) {
		enc := Encode([]byte("abc"))
		_, err := Decode(append(enc, 'u'))
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("byte below alphabet", func(t *testing.T) {
		_, err := Decode([]byte("uy*f"))
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("byte above alphabet", func(t *testing.T) {
		_, err := Decode([]byte{0x75, 0x7B})
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})
}

func TestEncodeFrame_Markers(t *testing.T) {
	raw := []byte{1, 2, 3, 4}

	plain := EncodeFrame(raw, 0)
	assert.Equal(t, byte('#'), plain[0])
	assert.Equal(t, byte('!'), plain[len(plain)-1])
	assert.Equal(t, string(Encode(raw)), string(plain[1:len(plain)-1]))

	numbered := EncodeFrame(raw, '7')
	assert.Equal(t, byte('7'), numbered[1])
	dec, err := DecodeFrame(numbered[1 : len(numbered)-1])
	require.NoError(t, err)
	assert.Equal(t, raw, dec)
}
