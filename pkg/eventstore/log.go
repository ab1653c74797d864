package eventstore

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Log file layout:
//
//	magic   "SEVT"            4 bytes
//	version u8                1 byte
//	schema  u16 len + bytes   feature schema id the log was opened under
//
// followed by records, each:
//
//	length  u32 big-endian    payload byte count
//	crc     u32 big-endian    IEEE CRC-32 of the payload
//	payload JSON              one ClassifiedEvent
const (
	logMagic   = "SEVT"
	logVersion = 1
)

type logHeader struct {
	version  uint8
	schemaID string
	size     int64
}

func writeHeader(w io.Writer, schemaID string) (int64, error) {
	buf := make([]byte, 0, 7+len(schemaID))
	buf = append(buf, logMagic...)
	buf = append(buf, logVersion)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(schemaID)))
	buf = append(buf, schemaID...)
	if _, err := w.Write(buf); err != nil {
		return 0, errors.Wrap(errors.KindInternal, err, "writing log header")
	}
	return int64(len(buf)), nil
}

func readHeader(r io.Reader) (logHeader, error) {
	fixed := make([]byte, 7)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return logHeader{}, errors.Wrap(errors.KindCorruption, err, "reading log header")
	}
	if string(fixed[:4]) != logMagic {
		return logHeader{}, errors.New(errors.KindCorruption, "bad log magic %q", fixed[:4])
	}
	version := fixed[4]
	if version != logVersion {
		return logHeader{}, errors.New(errors.KindCorruption, "unsupported log version %d", version)
	}
	idLen := binary.BigEndian.Uint16(fixed[5:7])
	id := make([]byte, idLen)
	if _, err := io.ReadFull(r, id); err != nil {
		return logHeader{}, errors.Wrap(errors.KindCorruption, err, "reading log schema id")
	}
	return logHeader{version: version, schemaID: string(id), size: int64(7 + int(idLen))}, nil
}

func encodeRecord(ev *seismic.ClassifiedEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "encoding event %s", ev.ID)
	}
	buf := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	return append(buf, payload...), nil
}

// readRecordAt decodes the record starting at off. io.EOF and short reads at
// the file tail mean a torn final write, reported as io.ErrUnexpectedEOF so
// the opener can truncate.
func readRecordAt(f *os.File, off int64) (*seismic.ClassifiedEvent, int64, error) {
	head := make([]byte, 8)
	if _, err := f.ReadAt(head, off); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, io.ErrUnexpectedEOF
	}
	length := binary.BigEndian.Uint32(head[0:4])
	wantCRC := binary.BigEndian.Uint32(head[4:8])

	payload := make([]byte, length)
	if _, err := f.ReadAt(payload, off+8); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, 0, errors.New(errors.KindCorruption, "crc mismatch at offset %d", off)
	}
	var ev seismic.ClassifiedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, 0, errors.Wrap(errors.KindCorruption, err, "decoding record at offset %d", off)
	}
	return &ev, int64(8 + int(length)), nil
}
