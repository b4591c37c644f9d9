package cryptox

import (
	"bufio"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/dmitrijs2005/filedrop/internal/common"
)

// Stream header:
//
//	magic "FDRP" | version | kdf time u32 | kdf memory u32 | kdf threads u8 |
//	salt [16] | nonce prefix [7] | chunk size u32
//
// Every chunk is sealed with nonce = prefix | counter u32 | last flag, and the
// whole header as additional data. Flagging the final chunk makes truncation
// at a chunk boundary detectable.
const (
	streamMagic   = "FDRP"
	streamVersion = 1
	prefixLen     = 7
	headerLen     = 4 + 1 + 4 + 4 + 1 + saltLen + prefixLen + 4
)

type header struct {
	params    KDFParams
	salt      []byte
	prefix    []byte
	chunkSize uint32
}

func (h header) marshal() []byte {
	b := make([]byte, 0, headerLen)
	b = append(b, streamMagic...)
	b = append(b, streamVersion)
	b = binary.BigEndian.AppendUint32(b, h.params.Time)
	b = binary.BigEndian.AppendUint32(b, h.params.MemoryKiB)
	b = append(b, h.params.Threads)
	b = append(b, h.salt...)
	b = append(b, h.prefix...)
	b = binary.BigEndian.AppendUint32(b, h.chunkSize)
	return b
}

func parseHeader(b []byte) (header, error) {
	var h header
	if len(b) != headerLen || string(b[:4]) != streamMagic {
		return h, fmt.Errorf("%w: bad magic", ErrMalformedCiphertext)
	}
	if b[4] != streamVersion {
		return h, fmt.Errorf("%w: unsupported version %d", ErrMalformedCiphertext, b[4])
	}
	h.params.Time = binary.BigEndian.Uint32(b[5:9])
	h.params.MemoryKiB = binary.BigEndian.Uint32(b[9:13])
	h.params.Threads = b[13]
	off := 14
	h.salt = b[off : off+saltLen]
	off += saltLen
	h.prefix = b[off : off+prefixLen]
	off += prefixLen
	h.chunkSize = binary.BigEndian.Uint32(b[off:])
	if err := h.params.validate(); err != nil {
		return h, err
	}
	if h.chunkSize < 1 || h.chunkSize > maxChunkSize {
		return h, fmt.Errorf("%w: chunk size %d out of range", ErrMalformedCiphertext, h.chunkSize)
	}
	return h, nil
}

func chunkNonce(prefix []byte, counter uint32, last bool) []byte {
	n := make([]byte, 0, prefixLen+5)
	n = append(n, prefix...)
	n = binary.BigEndian.AppendUint32(n, counter)
	if last {
		return append(n, 1)
	}
	return append(n, 0)
}

type sealWriter struct {
	dst     io.Writer
	aead    cipher.AEAD
	header  []byte
	prefix  []byte
	counter uint32
	chunk   int
	buf     []byte
	out     []byte
	closed  bool
	err     error
}

// NewSealWriter writes the stream header to dst and returns a writer that
// encrypts everything written to it. Close must be called to emit the final
// chunk; without it the ciphertext will not open.
func (e *Engine) NewSealWriter(dst io.Writer, password []byte) (io.WriteCloser, error) {
	h := header{
		params:    e.params,
		salt:      common.GenerateRandByteArray(saltLen),
		prefix:    common.GenerateRandByteArray(prefixLen),
		chunkSize: uint32(e.chunkSize),
	}

	key := DeriveKey(password, h.salt, h.params)
	defer common.WipeByteArray(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	hb := h.marshal()
	if _, err := dst.Write(hb); err != nil {
		return nil, err
	}

	return &sealWriter{
		dst:    dst,
		aead:   aead,
		header: hb,
		prefix: h.prefix,
		chunk:  e.chunkSize,
		buf:    make([]byte, 0, e.chunkSize),
		out:    make([]byte, 0, e.chunkSize+tagSize),
	}, nil
}

func (w *sealWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, errors.New("write to closed seal writer")
	}

	written := 0
	for len(p) > 0 {
		// a full buffer is flushed only once more data shows up, so the
		// chunk emitted by Close is always the one flagged as last
		if len(w.buf) == w.chunk {
			if err := w.flush(false); err != nil {
				w.err = err
				return written, err
			}
		}
		k := min(w.chunk-len(w.buf), len(p))
		w.buf = append(w.buf, p[:k]...)
		p = p[k:]
		written += k
	}
	return written, nil
}

func (w *sealWriter) flush(last bool) error {
	if !last && w.counter == math.MaxUint32 {
		return errors.New("stream too long")
	}
	w.out = w.aead.Seal(w.out[:0], chunkNonce(w.prefix, w.counter, last), w.buf, w.header)
	if _, err := w.dst.Write(w.out); err != nil {
		return err
	}
	w.counter++
	w.buf = w.buf[:0]
	return nil
}

func (w *sealWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	w.err = w.flush(true)
	common.WipeByteArray(w.buf[:cap(w.buf)])
	return w.err
}

// Seal encrypts src into dst under password and returns the number of
// plaintext bytes consumed.
func (e *Engine) Seal(dst io.Writer, src io.Reader, password []byte) (int64, error) {
	w, err := e.NewSealWriter(dst, password)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, src)
	if err != nil {
		_ = w.Close()
		return n, err
	}
	return n, w.Close()
}

type openReader struct {
	src     *bufio.Reader
	aead    cipher.AEAD
	header  []byte
	prefix  []byte
	counter uint32
	in      []byte
	plain   []byte
	pos     int
	done    bool
	err     error
}

// Open parses the header of src, derives the key from password and
// authenticates the first chunk before returning, so a wrong password fails
// here with common.ErrAuthenticationFailed rather than on the first Read.
// Any later integrity failure is reported by Read with the same error.
func (e *Engine) Open(src io.Reader, password []byte) (io.Reader, error) {
	hb := make([]byte, headerLen)
	if _, err := io.ReadFull(src, hb); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short header", ErrMalformedCiphertext)
		}
		return nil, err
	}
	h, err := parseHeader(hb)
	if err != nil {
		return nil, err
	}

	key := DeriveKey(password, h.salt, h.params)
	defer common.WipeByteArray(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	r := &openReader{
		src:    bufio.NewReaderSize(src, int(h.chunkSize)+tagSize),
		aead:   aead,
		header: hb,
		prefix: h.prefix,
		in:     make([]byte, int(h.chunkSize)+tagSize),
		plain:  make([]byte, 0, h.chunkSize),
	}
	if err := r.next(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *openReader) Read(p []byte) (int, error) {
	for r.pos >= len(r.plain) {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		if err := r.next(); err != nil {
			r.err = err
			return 0, err
		}
	}
	n := copy(p, r.plain[r.pos:])
	r.pos += n
	return n, nil
}

func (r *openReader) next() error {
	n, err := io.ReadFull(r.src, r.in)
	last := false
	switch {
	case errors.Is(err, io.EOF):
		return authFailed("stream ended before final chunk")
	case errors.Is(err, io.ErrUnexpectedEOF):
		last = true
	case err != nil:
		return err
	default:
		if _, perr := r.src.Peek(1); errors.Is(perr, io.EOF) {
			last = true
		} else if perr != nil {
			return perr
		}
	}
	if n < tagSize {
		return authFailed("short chunk")
	}

	plain, err := r.aead.Open(r.plain[:0], chunkNonce(r.prefix, r.counter, last), r.in[:n], r.header)
	if err != nil {
		return authFailed("chunk integrity check failed")
	}
	r.plain = plain
	r.pos = 0
	r.counter++
	r.done = last
	return nil
}
