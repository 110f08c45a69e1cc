// Package decoder streams the records of a gzip compressed top-level JSON array.
//
// Elements are yielded as soon as their closing brace has been decoded, so memory
// use is bounded by the largest single element, not by the size of the export.
package decoder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/klauspost/compress/gzip"

	pkgsync "github.com/digdir/erproxy-sync/internal/sync"
)

const readBufferSize = 64 * 1024

// Decoder yields top-level array elements from a gzip stream
type Decoder struct {
	gz      *gzip.Reader
	dec     *json.Decoder
	started bool
	done    bool
	err     error
	count   int
}

// New reads the gzip header from r and prepares to decode the array inside.
// The caller still owns r and must close it.
func New(r io.Reader) (*Decoder, error) {
	gz, err := gzip.NewReader(bufio.NewReaderSize(r, readBufferSize))
	if err != nil {
		return nil, &pkgsync.DecodeError{Index: -1, Err: fmt.Errorf("invalid gzip stream: %w", err)}
	}

	return &Decoder{gz: gz, dec: json.NewDecoder(gz)}, nil
}

// Next returns the next element. It returns io.EOF after the closing bracket
// and the end of the compressed stream were read. Any other error is a
// *sync.DecodeError and is returned again on every later call.
func (d *Decoder) Next() (json.RawMessage, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.done {
		return nil, io.EOF
	}

	if !d.started {
		if err := d.expectDelim('['); err != nil {
			return nil, d.fail(-1, err)
		}
		d.started = true
	}

	if !d.dec.More() {
		if err := d.expectDelim(']'); err != nil {
			return nil, d.fail(-1, err)
		}
		if err := d.expectEnd(); err != nil {
			return nil, d.fail(-1, err)
		}
		d.done = true
		return nil, io.EOF
	}

	var raw json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		return nil, d.fail(d.count, err)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, d.fail(d.count, fmt.Errorf("array element is not an object"))
	}

	d.count++
	return raw, nil
}

// All returns an iterator over the remaining elements. Iteration stops after
// the first error, which is yielded with a nil element.
func (d *Decoder) All() iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		for {
			raw, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(raw, err) || err != nil {
				return
			}
		}
	}
}

// Count returns how many elements were yielded so far
func (d *Decoder) Count() int {
	return d.count
}

// Close releases the gzip reader
func (d *Decoder) Close() error {
	return d.gz.Close()
}

func (d *Decoder) expectDelim(want json.Delim) error {
	tok, err := d.dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// expectEnd consumes the rest of the stream, which also verifies the gzip checksum
func (d *Decoder) expectEnd() error {
	tok, err := d.dec.Token()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("unexpected data after array: %v", tok)
}

func (d *Decoder) fail(index int, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	d.err = &pkgsync.DecodeError{Index: index, Offset: d.dec.InputOffset(), Err: err}
	return d.err
}
