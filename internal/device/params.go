package device

import (
	"fmt"
	"strings"

	"github.com/rjboer/usemu/internal/logging"
)

// Recognised parameter keys. A key may also be given with a device path prefix,
// e.g. "/File:0/sequence:tx:aperture:center_element:slice_begin".
const (
	KeySliceBegin = "sequence:tx:aperture:center_element:slice_begin"
	KeySliceEnd   = "sequence:tx:aperture:center_element:slice_end"
)

// Parameters is a set of live parameter writes.
type Parameters map[string]int

type sliceBound int

const (
	boundBegin sliceBound = iota
	boundEnd
)

func parseKey(key string) (sliceBound, bool) {
	switch {
	case key == KeySliceBegin || strings.HasSuffix(key, "/"+KeySliceBegin):
		return boundBegin, true
	case key == KeySliceEnd || strings.HasSuffix(key, "/"+KeySliceEnd):
		return boundEnd, true
	default:
		return 0, false
	}
}

// SetParameters validates and stages a tx slice update. Nothing is staged unless the
// whole call is valid. Staged bounds become live at the start of the next burst.
func (f *File) SetParameters(params Parameters) error {
	bounds := make(map[string]sliceBound, len(params))
	for key := range params {
		bound, ok := parseKey(key)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownParameter, key)
		}
		bounds[key] = bound
	}

	var begin, end *int
	for key, bound := range bounds {
		v := params[key]
		target := &begin
		if bound == boundEnd {
			target = &end
		}
		if *target != nil && **target != v {
			return fmt.Errorf("%w: conflicting values for %q", ErrInvalidSlice, key)
		}
		*target = &v
	}

	f.paramsMu.Lock()
	defer f.paramsMu.Unlock()

	if f.seqLen == 0 {
		return fmt.Errorf("%w: no scheme uploaded", ErrInvalidState)
	}
	for _, v := range []*int{begin, end} {
		if v != nil && (*v < 0 || *v > f.seqLen) {
			return fmt.Errorf("%w: %d not in [0, %d]", ErrOutOfRange, *v, f.seqLen)
		}
	}

	b := f.effectiveLocked(begin, f.pendingBegin, f.txBegin)
	e := f.effectiveLocked(end, f.pendingEnd, f.txEnd)
	if b > e {
		return fmt.Errorf("%w: begin %d > end %d", ErrInvalidSlice, b, e)
	}

	if begin != nil {
		f.pendingBegin = begin
	}
	if end != nil {
		f.pendingEnd = end
	}
	f.logger.Debug("tx slice staged", logging.Field{Key: "begin", Value: b}, logging.Field{Key: "end", Value: e})
	return nil
}

func (f *File) effectiveLocked(requested, pending *int, live int) int {
	switch {
	case requested != nil:
		return *requested
	case pending != nil:
		return *pending
	default:
		return live
	}
}

// promote moves staged bounds into the live slice. It reports whether anything changed.
func (f *File) promote() (begin, end int, promoted bool) {
	f.paramsMu.Lock()
	defer f.paramsMu.Unlock()
	if f.pendingBegin != nil {
		f.txBegin = *f.pendingBegin
		f.pendingBegin = nil
		promoted = true
	}
	if f.pendingEnd != nil {
		f.txEnd = *f.pendingEnd
		f.pendingEnd = nil
		promoted = true
	}
	return f.txBegin, f.txEnd, promoted
}

// Slice returns the live tx slice.
func (f *File) Slice() (begin, end int) {
	f.paramsMu.Lock()
	defer f.paramsMu.Unlock()
	return f.txBegin, f.txEnd
}
