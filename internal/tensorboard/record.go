package tensorboard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// maskedCRC is the checksum TFRecord stores for lengths and payloads
func maskedCRC(b []byte) uint32 {
	crc := crc32.Checksum(b, crc32c)
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}

// appendRecord frames data as a TFRecord:
// uint64 length, masked crc of the length, data, masked crc of the data (little endian)
func appendRecord(b, data []byte) []byte {
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], uint64(len(data)))
	b = append(b, header[:]...)
	b = binary.LittleEndian.AppendUint32(b, maskedCRC(header[:]))
	b = append(b, data...)
	return binary.LittleEndian.AppendUint32(b, maskedCRC(data))
}

// readRecord reads one TFRecord, returning io.EOF at a clean end of input
func readRecord(r io.Reader) ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated record header: %w", err)
		}
		return nil, err
	}
	if got, want := binary.LittleEndian.Uint32(header[8:]), maskedCRC(header[:8]); got != want {
		return nil, fmt.Errorf("record length checksum mismatch: %08x != %08x", got, want)
	}
	length := binary.LittleEndian.Uint64(header[:8])
	data := make([]byte, length+4)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("truncated record: %w", err)
	}
	payload := data[:length]
	if got, want := binary.LittleEndian.Uint32(data[length:]), maskedCRC(payload); got != want {
		return nil, fmt.Errorf("record data checksum mismatch: %08x != %08x", got, want)
	}
	return payload, nil
}
