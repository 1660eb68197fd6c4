package tensorboard

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_MaskedCRC(t *testing.T) {
	// crc32c("") is 0, crc32c("123456789") is 0xe3069283
	assert.Equal(t, uint32(0xa282ead8), maskedCRC(nil))
	crc := uint32(0xe3069283)
	assert.Equal(t, ((crc>>15)|(crc<<17))+0xa282ead8, maskedCRC([]byte("123456789")))
}

func Test_Record_Framing(t *testing.T) {
	b := appendRecord(nil, []byte("hello"))
	require.Len(t, b, 8+4+5+4)
	assert.Equal(t, uint64(5), binary.LittleEndian.Uint64(b[:8]))
	assert.Equal(t, maskedCRC(b[:8]), binary.LittleEndian.Uint32(b[8:12]))
	assert.Equal(t, []byte("hello"), b[12:17])
	assert.Equal(t, maskedCRC([]byte("hello")), binary.LittleEndian.Uint32(b[17:]))

	b = appendRecord(b, []byte{})
	r := bytes.NewReader(b)
	first, err := readRecord(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), first)
	second, err := readRecord(r)
	require.NoError(t, err)
	assert.Empty(t, second)
	_, err = readRecord(r)
	assert.ErrorIs(t, err, io.EOF)
}

func Test_Record_Corrupt(t *testing.T) {
	b := appendRecord(nil, []byte("hello"))
	corrupt := bytes.Clone(b)
	corrupt[13] ^= 0xff
	_, err := readRecord(bytes.NewReader(corrupt))
	assert.ErrorContains(t, err, "data checksum")

	corrupt = bytes.Clone(b)
	corrupt[0] = 6
	_, err = readRecord(bytes.NewReader(corrupt))
	assert.ErrorContains(t, err, "length checksum")

	_, err = readRecord(bytes.NewReader(b[:len(b)-2]))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func Test_Event_RoundTrip(t *testing.T) {
	e := &Event{WallTime: 1700000000.5, Step: 42, Scalars: []Scalar{{Tag: "val_loss", Value: 0.25}, {Tag: "val_acc", Value: 0.75}}}
	decoded, err := UnmarshalEvent(e.Marshal())
	require.NoError(t, err)
	assert.Equal(t, e, decoded)

	version := &Event{WallTime: 1, FileVersion: fileVersion}
	decoded, err = UnmarshalEvent(version.Marshal())
	require.NoError(t, err)
	assert.Equal(t, version, decoded)

	_, err = UnmarshalEvent([]byte{0x0a})
	assert.Error(t, err)
}

func Test_Event_WireFormat(t *testing.T) {
	e := &Event{WallTime: 0, Step: 1, Scalars: []Scalar{{Tag: "a", Value: 1}}}
	want := []byte{
		0x09, 0, 0, 0, 0, 0, 0, 0, 0, // wall_time
		0x10, 0x01, // step
		0x2a, 0x0a, // summary, 10 bytes
		0x0a, 0x08, // value, 8 bytes
		0x0a, 0x01, 'a', // tag
		0x15, 0x00, 0x00, 0x80, 0x3f, // simple_value 1.0
	}
	assert.Equal(t, want, e.Marshal())
}
