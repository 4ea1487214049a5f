// Package itemstream decodes the length-delimited stream of per-item
// msgpack maps that makes up an archive's item list, tolerating corruption
// introduced by rare repository damage.
//
// Items are self-delimiting (a msgpack map carries its own length), so the
// unpacker needs no external framing: it decodes one map at a time from
// whatever has been Fed so far. When a frame fails to decode, it drops
// into a resynchronizing substate that scans forward for the next byte
// that could plausibly start a map, trial-decodes there, and only resumes
// normal decoding once a caller-supplied Validator accepts the result.
package itemstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"atticore/internal/item"
)

// Validator gates acceptance of a trial decode made while resynchronizing.
// The default requires the minimal item shape (a non-empty path); callers
// with a narrower expectation (e.g. a known path prefix) can supply a
// tighter one.
type Validator func(item.Item) bool

// DefaultValidator accepts anything item.FromMap itself accepted.
func DefaultValidator(item.Item) bool { return true }

var errShortBuffer = errors.New("itemstream: short buffer")

// Unpacker decodes a stream of item maps fed in arbitrary byte runs.
//
// Not safe for concurrent use.
type Unpacker struct {
	buf       []byte
	validator Validator
	resyncing bool
}

// New creates an Unpacker. A nil validator uses DefaultValidator.
func New(validator Validator) *Unpacker {
	if validator == nil {
		validator = DefaultValidator
	}
	return &Unpacker{validator: validator}
}

// Feed appends newly available bytes to the unpacker's internal buffer.
func (u *Unpacker) Feed(data []byte) {
	u.buf = append(u.buf, data...)
}

// Resyncing reports whether the unpacker is scanning for a restart point
// rather than accepting decoder output directly.
func (u *Unpacker) Resyncing() bool {
	return u.resyncing
}

// Resync forces the resynchronizing substate, e.g. after the caller skips
// a chunk it already knows is damaged.
func (u *Unpacker) Resync() {
	u.resyncing = true
}

// Unit is one element of the decoded stream: either a decoded Item, or,
// while resynchronizing, a single raw byte that never resolved to one.
type Unit struct {
	Item   item.Item
	Byte   byte
	IsItem bool
}

// Next returns the next decoded unit. ok is false when the buffered input
// is exhausted without yielding a complete unit and the caller should Feed
// more data before calling Next again.
func (u *Unpacker) Next() (Unit, bool) {
	for {
		if len(u.buf) == 0 {
			return Unit{}, false
		}

		if !u.resyncing {
			it, consumed, err := u.tryDecode(u.buf)
			switch {
			case err == nil:
				u.buf = u.buf[consumed:]
				return Unit{Item: it, IsItem: true}, true
			case errors.Is(err, errShortBuffer):
				return Unit{}, false
			default:
				u.resyncing = true
				continue
			}
		}

		// Resynchronizing: only attempt a trial decode where the next byte
		// could plausibly start a map of a few fields; anything else is
		// emitted as garbage without wasting a decode attempt on it.
		if !looksLikeMapTag(u.buf[0]) {
			b := u.buf[0]
			u.buf = u.buf[1:]
			return Unit{Byte: b}, true
		}

		it, consumed, err := u.tryDecode(u.buf)
		switch {
		case err == nil && u.validator(it):
			u.buf = u.buf[consumed:]
			u.resyncing = false
			return Unit{Item: it, IsItem: true}, true
		case errors.Is(err, errShortBuffer):
			return Unit{}, false
		default:
			b := u.buf[0]
			u.buf = u.buf[1:]
			return Unit{Byte: b}, true
		}
	}
}

// tryDecode attempts to decode a single item map from the front of buf,
// reporting how many bytes it consumed. bytes.Reader exposes ReadByte and
// UnreadByte, so msgpack.NewDecoder reads directly from it without extra
// buffering, meaning r.Len() before/after is an exact byte count rather
// than an estimate inflated by read-ahead.
func (u *Unpacker) tryDecode(buf []byte) (item.Item, int, error) {
	r := bytes.NewReader(buf)
	dec := msgpack.NewDecoder(r)

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return item.Item{}, 0, errShortBuffer
		}
		return item.Item{}, 0, fmt.Errorf("itemstream: decode: %w", err)
	}

	consumed := len(buf) - r.Len()
	it, err := item.FromMap(m)
	if err != nil {
		return item.Item{}, 0, fmt.Errorf("itemstream: item: %w", err)
	}
	return it, consumed, nil
}

// looksLikeMapTag reports whether b is a msgpack type tag that opens a map
// (fixmap, map16, or map32).
func looksLikeMapTag(b byte) bool {
	return (b >= msgpcode.FixedMapLow && b <= msgpcode.FixedMapHigh) ||
		b == msgpcode.Map16 || b == msgpcode.Map32
}
