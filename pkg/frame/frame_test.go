package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	cases := []struct {
		in   any
		want ID
	}{
		{0x7B3, ID(0x7B3)},
		{"1971", ID(1971)},
		{"0x7B3", ID(0x7B3)},
		{"0X7b3", ID(0x7B3)},
		{ID(42), ID(42)},
	}
	for _, c := range cases {
		got, err := ParseID(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestParseIDInvalid(t *testing.T) {
	for _, in := range []any{"not-an-id", -1, 3.14, nil} {
		_, err := ParseID(in)
		assert.ErrorIs(t, err, ErrInvalidID)
	}
}

func TestDLCPadClassical(t *testing.T) {
	out := DLCPad([]byte{1, 2, 3}, 0xAA)
	assert.Equal(t, []byte{1, 2, 3}, out)
}

func TestDLCPadFD(t *testing.T) {
	out := DLCPad(make([]byte, 10), 0xAA)
	assert.Len(t, out, 12)
	assert.Equal(t, byte(0xAA), out[10])
	assert.Equal(t, byte(0xAA), out[11])
}

func TestDLCPadExactStep(t *testing.T) {
	out := DLCPad(make([]byte, 16), 0x55)
	assert.Len(t, out, 16)
}

func TestDLCPadRoundsUpToNextLargeFDStep(t *testing.T) {
	out := DLCPad(make([]byte, 40), 0)
	assert.Len(t, out, 48)
}

func TestCRC16CANFDDeterministic(t *testing.T) {
	a := CRC16CANFD([]byte{0x01, 0x02, 0x03, 0x04})
	b := CRC16CANFD([]byte{0x01, 0x02, 0x03, 0x04})
	assert.Equal(t, a, b)
}

func TestCRCSuffixMasksTopNibble(t *testing.T) {
	suffix := CRCSuffix(0x7B3)
	assert.Equal(t, uint16(0xFB3), suffix)
}

func TestCRCInputLayout(t *testing.T) {
	b := []byte{0xAA, 0xBB, 0x01, 0x02, 0x03}
	input := CRCInput(0x123, b)
	suffix := CRCSuffix(0x123)
	want := []byte{0x01, 0x02, 0x03, byte(suffix & 0xFF), byte(suffix >> 8)}
	assert.Equal(t, want, input)
}
