package encoding_test

import (
	"bytes"
	"testing"

	"github.com/knhk/go-bft/internal/encoding"
	"github.com/stretchr/testify/require"
)

type testValue struct {
	Value  string
	Counts map[string]int
	Blob   []byte
}

func TestCBOR(t *testing.T) {
	subject := encoding.NewCBOR[testValue]()
	data := testValue{Value: "fish", Counts: map[string]int{"b": 2, "a": 1}, Blob: []byte{1, 2}}
	encoded, err := subject.Encode(data)
	require.NoError(t, err)
	var decoded testValue
	require.NoError(t, subject.Decode(encoded, &decoded))
	require.Equal(t, data, decoded)
}

func TestCBOR_Deterministic(t *testing.T) {
	subject := encoding.NewCBOR[testValue]()
	counts := map[string]int{}
	for _, k := range []string{"z", "y", "x", "w", "v", "u"} {
		counts[k] = len(k)
	}
	first, err := subject.Encode(testValue{Counts: counts})
	require.NoError(t, err)
	for range 10 {
		again, err := subject.Encode(testValue{Counts: counts})
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestCBOR_DecodeGarbage(t *testing.T) {
	subject := encoding.NewCBOR[testValue]()
	var decoded testValue
	require.Error(t, subject.Decode([]byte{0xff, 0x00, 0x13}, &decoded))
}

func TestZSTD(t *testing.T) {
	encoder, err := encoding.NewZSTD[testValue]()
	require.NoError(t, err)
	data := testValue{Value: "lobster", Blob: bytes.Repeat([]byte{7}, 4096)}
	encoded, err := encoder.Encode(data)
	require.NoError(t, err)
	require.Less(t, len(encoded), 4096)
	var decoded testValue
	require.NoError(t, encoder.Decode(encoded, &decoded))
	require.Equal(t, data, decoded)
}

func TestZSTD_TooLarge(t *testing.T) {
	encoder, err := encoding.NewZSTD[testValue]()
	require.NoError(t, err)
	_, err = encoder.Encode(testValue{Blob: make([]byte, 1<<20)})
	require.Error(t, err)
}
