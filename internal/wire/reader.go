package wire

import (
	"bufio"
	"io"
)

// Reader decodes frames from a byte stream. It owns its buffered reader, so a
// connection must not be read from elsewhere once wrapped.
type Reader struct {
	br  *bufio.Reader
	cfg Config
	hdr []byte
	psw []byte
}

// NewReader wraps r with the given frame layout. bufSize <= 0 uses the
// bufio default.
func NewReader(r io.Reader, cfg Config, bufSize int) *Reader {
	var br *bufio.Reader
	if bufSize > 0 {
		br = bufio.NewReaderSize(r, bufSize)
	} else {
		br = bufio.NewReader(r)
	}
	return &Reader{
		br:  br,
		cfg: cfg,
		hdr: make([]byte, cfg.headerSize()),
		psw: make([]byte, len(cfg.Password)),
	}
}

// Next blocks until a full frame is available and returns its envelope.
// A password mismatch surfaces as ErrBadPassword before the body is decoded;
// the caller is expected to abort the connection.
func (r *Reader) Next() (Envelope, error) {
	if _, err := io.ReadFull(r.br, r.hdr); err != nil {
		return Envelope{}, err
	}
	n, err := r.cfg.parseHeader(r.hdr)
	if err != nil {
		return Envelope{}, err
	}
	if len(r.psw) > 0 {
		if _, err := io.ReadFull(r.br, r.psw); err != nil {
			return Envelope{}, err
		}
		if err := r.cfg.checkPassword(r.psw); err != nil {
			return Envelope{}, err
		}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.br, body); err != nil {
		return Envelope{}, err
	}
	return Decode(body)
}
