package streams

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"math"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
)

// ZIP record signatures and field values. Entries use the streaming flag so
// sizes and CRC-32 travel in a data descriptor after the content.
const (
	zipLocalHeaderSig   = 0x04034b50
	zipDescriptorSig    = 0x08074b50
	zipCentralHeaderSig = 0x02014b50
	zipEndSig           = 0x06054b50

	zipVersion       = 20
	zipFlagStreaming = 0x0008
	zipFlagUTF8      = 0x0800
	zipMethodStore   = 0
	zipMethodDeflate = 8

	zipChunkSize = 32 * 1024
)

var errZipTooLarge = errors.New("zip: archive exceeds 4 GiB without zip64 support")

// ZipEntry is one named byte source in an archive. Either Stream is set or
// Open is called when the encoder reaches the entry. Names ending in "/" are
// written as empty directory entries.
type ZipEntry struct {
	Name     string
	Modified time.Time
	Stream   Stream
	Open     func() (Stream, error)
}

type zipRecord struct {
	name     string
	method   uint16
	flags    uint16
	modTime  uint16
	modDate  uint16
	crc      uint32
	csize    uint64
	usize    uint64
	offset   uint64
	dataFrom uint64
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// ZipStream encodes its entries into a ZIP archive on the fly. Each entry is
// read once; DEFLATE and CRC-32 are computed per chunk as the source is
// pulled, and the central directory is emitted after the last entry.
type ZipStream struct {
	Base
	entries []ZipEntry
	next    int

	out     bytes.Buffer
	counter countingWriter
	records []zipRecord

	cur      *zipRecord
	curSrc   Stream
	crc      hash.Hash32
	usize    uint64
	deflater *flate.Writer
	chunk    []byte

	finished bool
}

func NewZipStream(entries ...ZipEntry) *ZipStream {
	z := &ZipStream{entries: entries, chunk: make([]byte, zipChunkSize)}
	z.counter.w = &z.out
	return z
}

func (z *ZipStream) Size() int64 { return UnknownSize }

func (z *ZipStream) Read(p []byte) (int, error) {
	if z.done {
		return 0, io.EOF
	}
	for z.out.Len() < len(p) && !z.finished {
		if err := z.step(); err != nil {
			return 0, err
		}
	}
	n, _ := z.out.Read(p)
	var err error
	if z.finished && z.out.Len() == 0 {
		err = io.EOF
	}
	return n, z.emit(p[:n], err)
}

// step advances the encoder by one unit of work: an entry header, one source
// chunk, an entry trailer, or the closing central directory.
func (z *ZipStream) step() error {
	if z.cur != nil {
		return z.pump()
	}
	if z.next < len(z.entries) {
		entry := z.entries[z.next]
		z.next++
		return z.begin(entry)
	}
	if err := z.writeCentralDirectory(); err != nil {
		return err
	}
	z.finished = true
	return nil
}

func (z *ZipStream) begin(entry ZipEntry) error {
	modified := entry.Modified
	if modified.IsZero() {
		modified = time.Now()
	}
	rec := zipRecord{
		name:   entry.Name,
		flags:  zipFlagUTF8,
		offset: z.counter.n,
	}
	rec.modDate, rec.modTime = msDosTime(modified)

	if strings.HasSuffix(entry.Name, "/") {
		rec.method = zipMethodStore
		if err := z.writeLocalHeader(&rec); err != nil {
			return err
		}
		z.records = append(z.records, rec)
		return nil
	}

	src := entry.Stream
	if src == nil {
		if entry.Open == nil {
			return fmt.Errorf("zip: entry %q has no source", entry.Name)
		}
		var err error
		if src, err = entry.Open(); err != nil {
			return fmt.Errorf("zip: open %q: %w", entry.Name, err)
		}
	}

	rec.method = zipMethodDeflate
	rec.flags |= zipFlagStreaming
	if err := z.writeLocalHeader(&rec); err != nil {
		src.Close()
		return err
	}
	rec.dataFrom = z.counter.n

	if z.deflater == nil {
		w, err := flate.NewWriter(&z.counter, flate.DefaultCompression)
		if err != nil {
			src.Close()
			return err
		}
		z.deflater = w
	} else {
		z.deflater.Reset(&z.counter)
	}
	z.cur = &rec
	z.curSrc = src
	z.crc = crc32.NewIEEE()
	z.usize = 0
	return nil
}

// pump moves one chunk of the current entry through CRC-32 and DEFLATE.
func (z *ZipStream) pump() error {
	n, err := fill(z.curSrc, z.chunk)
	if n > 0 {
		z.crc.Write(z.chunk[:n])
		z.usize += uint64(n)
		if _, werr := z.deflater.Write(z.chunk[:n]); werr != nil {
			return werr
		}
	}
	if err == nil {
		return nil
	}
	if err != io.EOF {
		return fmt.Errorf("zip: read %q: %w", z.cur.name, err)
	}
	return z.finishEntry()
}

func (z *ZipStream) finishEntry() error {
	if err := z.deflater.Close(); err != nil {
		return err
	}
	rec := z.cur
	rec.crc = z.crc.Sum32()
	rec.usize = z.usize
	rec.csize = z.counter.n - rec.dataFrom
	if rec.csize > math.MaxUint32 || rec.usize > math.MaxUint32 {
		return errZipTooLarge
	}

	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:], zipDescriptorSig)
	binary.LittleEndian.PutUint32(buf[4:], rec.crc)
	binary.LittleEndian.PutUint32(buf[8:], uint32(rec.csize))
	binary.LittleEndian.PutUint32(buf[12:], uint32(rec.usize))
	if _, err := z.counter.Write(buf[:]); err != nil {
		return err
	}

	z.records = append(z.records, *rec)
	closeErr := z.curSrc.Close()
	z.cur = nil
	z.curSrc = nil
	return closeErr
}

func (z *ZipStream) writeLocalHeader(rec *zipRecord) error {
	if rec.offset > math.MaxUint32 {
		return errZipTooLarge
	}
	var buf [30]byte
	binary.LittleEndian.PutUint32(buf[0:], zipLocalHeaderSig)
	binary.LittleEndian.PutUint16(buf[4:], zipVersion)
	binary.LittleEndian.PutUint16(buf[6:], rec.flags)
	binary.LittleEndian.PutUint16(buf[8:], rec.method)
	binary.LittleEndian.PutUint16(buf[10:], rec.modTime)
	binary.LittleEndian.PutUint16(buf[12:], rec.modDate)
	// crc-32, compressed and uncompressed sizes stay zero: either the entry
	// is empty or they follow in the data descriptor.
	binary.LittleEndian.PutUint16(buf[26:], uint16(len(rec.name)))
	if _, err := z.counter.Write(buf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(&z.counter, rec.name)
	return err
}

func (z *ZipStream) writeCentralDirectory() error {
	start := z.counter.n
	for _, rec := range z.records {
		var buf [46]byte
		binary.LittleEndian.PutUint32(buf[0:], zipCentralHeaderSig)
		binary.LittleEndian.PutUint16(buf[4:], zipVersion)
		binary.LittleEndian.PutUint16(buf[6:], zipVersion)
		binary.LittleEndian.PutUint16(buf[8:], rec.flags)
		binary.LittleEndian.PutUint16(buf[10:], rec.method)
		binary.LittleEndian.PutUint16(buf[12:], rec.modTime)
		binary.LittleEndian.PutUint16(buf[14:], rec.modDate)
		binary.LittleEndian.PutUint32(buf[16:], rec.crc)
		binary.LittleEndian.PutUint32(buf[20:], uint32(rec.csize))
		binary.LittleEndian.PutUint32(buf[24:], uint32(rec.usize))
		binary.LittleEndian.PutUint16(buf[28:], uint16(len(rec.name)))
		if strings.HasSuffix(rec.name, "/") {
			binary.LittleEndian.PutUint32(buf[38:], 0x10) // MS-DOS directory attribute
		}
		binary.LittleEndian.PutUint32(buf[42:], uint32(rec.offset))
		if _, err := z.counter.Write(buf[:]); err != nil {
			return err
		}
		if _, err := io.WriteString(&z.counter, rec.name); err != nil {
			return err
		}
	}
	size := z.counter.n - start
	if start > math.MaxUint32 || size > math.MaxUint32 || len(z.records) > math.MaxUint16 {
		return errZipTooLarge
	}

	var end [22]byte
	binary.LittleEndian.PutUint32(end[0:], zipEndSig)
	binary.LittleEndian.PutUint16(end[8:], uint16(len(z.records)))
	binary.LittleEndian.PutUint16(end[10:], uint16(len(z.records)))
	binary.LittleEndian.PutUint32(end[12:], uint32(size))
	binary.LittleEndian.PutUint32(end[16:], uint32(start))
	_, err := z.counter.Write(end[:])
	return err
}

// Close releases the entry currently being encoded and any entry streams that
// were supplied up front but never reached.
func (z *ZipStream) Close() error {
	var errs []error
	if z.curSrc != nil {
		errs = append(errs, z.curSrc.Close())
		z.curSrc = nil
	}
	for _, e := range z.entries[z.next:] {
		if e.Stream != nil {
			errs = append(errs, e.Stream.Close())
		}
	}
	z.next = len(z.entries)
	return errors.Join(errs...)
}

func msDosTime(t time.Time) (date, clock uint16) {
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	date = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	clock = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return date, clock
}
