package tlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/page"
)

// On-disk record kinds. The exact wire format is an internal convention
// of this engine (the original binary format is out of scope per spec);
// what matters is that FileWriter/FileReader agree and that LocalTLogScanner
// can recompute the same bytes a SCOCRC/TLogCRC entry was computed over.
const (
	recLoc    byte = 0
	recSCOCRC byte = 1
	recTLogCRC byte = 2
	recSyncTC byte = 3

	locRecSize = 1 + 8 + 8 + cmn.HashSize // kind + CA + CL + Hash
	crcRecSize = 1 + 4                    // kind + crc32
	syncRecSize = 1
)

// encodeLoc returns the exact bytes a Loc entry occupies on disk, used both
// by FileWriter and by LocalTLogScanner's CRC recomputation so the two
// agree on what a SCOCRC/TLogCRC was computed over.
func encodeLoc(ca cmn.CA, clh page.CLH) []byte {
	buf := make([]byte, locRecSize)
	buf[0] = recLoc
	binary.BigEndian.PutUint64(buf[1:], uint64(ca))
	binary.BigEndian.PutUint64(buf[9:], uint64(clh.CL))
	copy(buf[17:17+cmn.HashSize], clh.Hash[:])
	return buf
}

// ComputeSCOCRC computes the checksum a SCOCRC entry must carry for the
// given sequence of Loc entries, over the same bytes FileReader recomputes
// from disk - the one place both the writer and LocalTLogScanner agree on
// what "the SCO's CRC" means.
func ComputeSCOCRC(locs []Entry) uint32 {
	h := crc32.NewIEEE()
	for _, e := range locs {
		h.Write(encodeLoc(e.CA, e.CLH))
	}
	return h.Sum32()
}

// FileWriter appends TLog entries to a local file - used by tests to build
// fixtures and, in production, by the data path's TLog-append step
// (out of scope here beyond the shape LocalTLogScanner needs).
type FileWriter struct {
	f *os.File
}

func CreateFile(path string) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &FileWriter{f: f}, nil
}

func (w *FileWriter) WriteLoc(ca cmn.CA, clh page.CLH) error {
	_, err := w.f.Write(encodeLoc(ca, clh))
	return err
}

func (w *FileWriter) WriteSCOCRC(crc uint32) error {
	return w.writeCRCRecord(recSCOCRC, crc)
}

func (w *FileWriter) WriteTLogCRC(crc uint32) error {
	return w.writeCRCRecord(recTLogCRC, crc)
}

func (w *FileWriter) writeCRCRecord(kind byte, crc uint32) error {
	buf := make([]byte, crcRecSize)
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:], crc)
	_, err := w.f.Write(buf)
	return err
}

func (w *FileWriter) WriteSyncTC() error {
	_, err := w.f.Write([]byte{recSyncTC})
	return err
}

func (w *FileWriter) Close() error { return w.f.Close() }

// FileReader reads TLog entries back from a local file, tracking the byte
// offset after each successfully parsed record so LocalTLogScanner can
// truncate to the last known-good boundary on a CRC failure.
type FileReader struct {
	f      *os.File
	offset int64
	last   []byte // raw bytes of the most recently returned entry
}

var _ Reader = (*FileReader)(nil)

func OpenFileReader(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &FileReader{f: f}, nil
}

// Offset reports the byte position immediately after the last entry
// successfully returned by Next - the safe truncation point.
func (r *FileReader) Offset() int64 { return r.offset }

// LastEntryBytes returns the raw encoding of the most recent Loc entry
// returned by Next, for CRC recomputation.
func (r *FileReader) LastEntryBytes() []byte { return r.last }

func (r *FileReader) Next() (Entry, bool, error) {
	var kindBuf [1]byte
	if _, err := io.ReadFull(r.f, kindBuf[:]); err != nil {
		if err == io.EOF {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("tlog file: read kind: %w", err)
	}
	switch kindBuf[0] {
	case recLoc:
		rest := make([]byte, locRecSize-1)
		if _, err := io.ReadFull(r.f, rest); err != nil {
			return Entry{}, false, fmt.Errorf("tlog file: read loc: %w", err)
		}
		ca := cmn.CA(binary.BigEndian.Uint64(rest[0:8]))
		cl := cmn.CL(binary.BigEndian.Uint64(rest[8:16]))
		var h cmn.Hash
		copy(h[:], rest[16:16+cmn.HashSize])
		r.offset += locRecSize
		r.last = append([]byte{recLoc}, rest...)
		return Entry{Kind: KindLoc, CA: ca, CLH: page.CLH{CL: cl, Hash: h}}, true, nil
	case recSCOCRC, recTLogCRC:
		rest := make([]byte, crcRecSize-1)
		if _, err := io.ReadFull(r.f, rest); err != nil {
			return Entry{}, false, fmt.Errorf("tlog file: read crc: %w", err)
		}
		crc := binary.BigEndian.Uint32(rest)
		r.offset += crcRecSize
		kind := KindSCOCRC
		if kindBuf[0] == recTLogCRC {
			kind = KindTLogCRC
		}
		return Entry{Kind: kind, CRC: crc}, true, nil
	case recSyncTC:
		r.offset += syncRecSize
		return Entry{Kind: KindSyncTC}, true, nil
	default:
		return Entry{}, false, fmt.Errorf("tlog file: unknown record kind %d at offset %d", kindBuf[0], r.offset)
	}
}

func (r *FileReader) Close() error { return r.f.Close() }
