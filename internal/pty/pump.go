package pty

import (
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultReadChunk is the pump's read size.
const DefaultReadChunk = 1024

// pump copies terminal output from r into buf until end-of-stream or a read
// error, which it returns (io.EOF for a clean end). It runs on its own
// goroutine and is never cancelled; closing the master side ends it.
func pump(r io.Reader, buf *OutputBuffer, chunk int, onData func(string)) error {
	if chunk <= 0 {
		chunk = DefaultReadChunk
	}
	dec := newTextDecoder()
	raw := make([]byte, chunk)
	for {
		n, err := r.Read(raw)
		if n > 0 {
			emit(buf, onData, dec.decode(raw[:n], false))
		}
		if err == nil && n == 0 {
			err = io.EOF
		}
		if err != nil {
			emit(buf, onData, dec.decode(nil, true))
			return err
		}
	}
}

func emit(buf *OutputBuffer, onData func(string), s string) {
	if s == "" {
		return
	}
	buf.Append(s)
	if onData != nil {
		onData(s)
	}
}

// textDecoder turns a byte stream into valid UTF-8 text. Invalid bytes
// become U+FFFD; a character split across two reads is held back until
// its remaining bytes arrive.
type textDecoder struct {
	t       transform.Transformer
	pending []byte
	dst     []byte
}

func newTextDecoder() *textDecoder {
	return &textDecoder{t: unicode.UTF8.NewDecoder()}
}

func (d *textDecoder) decode(p []byte, atEOF bool) string {
	src := append(d.pending, p...)
	if len(src) == 0 {
		return ""
	}
	// worst case every byte becomes a 3-byte replacement character
	need := 3*len(src) + utf8.UTFMax
	if cap(d.dst) < need {
		d.dst = make([]byte, need)
	}
	nDst, nSrc, _ := d.t.Transform(d.dst[:need], src, atEOF)
	d.pending = append(d.pending[:0], src[nSrc:]...)
	return string(d.dst[:nDst])
}
