// Package splitter provides a fixed-size boundary splitter used by
// cmd/atticore wherever the core needs chunk boundaries to exercise the
// cache and materializer end-to-end.
//
// The content-defined chunker is named in spec.md §1 as an external
// collaborator the core depends on but does not implement; this package
// is not that chunker. It is the CLI's own stand-in, a pure size-based
// split in the shape of the teacher's RotationPolicy ("rotate when Bytes
// crosses a threshold"), generalized from a log-chunk rotation decision to
// a plain byte-stream split. Swapping in a real content-defined chunker
// means replacing this package alone; nothing downstream of Split's
// []byte boundaries cares how they were chosen.
package splitter

import (
	"bufio"
	"fmt"
	"io"
)

// DefaultSize is the boundary size used when the caller has no stronger
// preference: small enough to exercise multiple chunks on a modest test
// file, large enough not to be pathological for real ones.
const DefaultSize = 1 << 20 // 1 MiB

// Split reads r to completion and invokes fn once per boundary with a
// freshly allocated slice holding up to size bytes. The final call may be
// shorter than size. Stops and returns fn's error immediately if it
// returns one.
func Split(r io.Reader, size int, fn func([]byte) error) error {
	if size <= 0 {
		return fmt.Errorf("splitter: size must be positive, got %d", size)
	}
	br := bufio.NewReaderSize(r, size)
	buf := make([]byte, size)
	for {
		n, err := io.ReadFull(br, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if ferr := fn(chunk); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("splitter: read: %w", err)
		}
	}
}
