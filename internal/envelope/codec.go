// Copyright (c) 2020 Sperax
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

package envelope

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
)

// DefaultMaxFrameSize is the default bound on a single line: 64 KiB.
const DefaultMaxFrameSize = 64 * 1024

// ErrFrameTooLarge is returned by Reader.ReadEnvelope when a line exceeds
// the configured bound. The caller should reply with an error envelope
// and keep the connection open; oversized frames are non-fatal unless
// they repeat.
var ErrFrameTooLarge = errors.New("envelope: frame exceeds maximum size")

// ErrBadEnvelope is returned for malformed JSON or a missing/unsupported
// version/type. Non-fatal: the caller replies with "error" and continues.
var ErrBadEnvelope = errors.New("envelope: malformed frame")

// Reader reads newline-delimited JSON envelopes off a connection,
// bounding each line to MaxFrameSize bytes.
type Reader struct {
	br           *bufio.Reader
	MaxFrameSize int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 4096), MaxFrameSize: DefaultMaxFrameSize}
}

// ReadEnvelope reads one line and decodes it. A too-long line is drained
// through to its terminating newline so the connection doesn't need to
// be torn down just because one frame was oversized.
func (r *Reader) ReadEnvelope() (*Envelope, error) {
	line, err := r.readBoundedLine()
	if err != nil {
		return nil, err
	}

	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, ErrBadEnvelope
	}
	if e.Version != ProtocolVersion || e.Type == "" {
		return nil, ErrBadEnvelope
	}
	return &e, nil
}

func (r *Reader) readBoundedLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.br.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > r.MaxFrameSize {
			// drain the remainder of this (too-long) line before
			// surfacing the error, so the stream resyncs on the next
			// newline instead of desyncing framing entirely.
			for isPrefix {
				_, isPrefix, err = r.br.ReadLine()
				if err != nil {
					return nil, err
				}
			}
			return nil, ErrFrameTooLarge
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

// Writer writes newline-delimited JSON envelopes to a connection.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (w *Writer) WriteEnvelope(e *Envelope) error {
	bts, err := json.Marshal(e)
	if err != nil {
		return err
	}
	bts = append(bts, '\n')
	_, err = w.w.Write(bts)
	return err
}
