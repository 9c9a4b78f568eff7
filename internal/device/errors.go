package device

import (
	"errors"

	"github.com/rjboer/usemu/internal/aperture"
	"github.com/rjboer/usemu/internal/dataset"
)

var (
	ErrInvalidState         = errors.New("invalid device state")
	ErrSchemeIncompatible   = errors.New("scheme incompatible with dataset")
	ErrDatasetShapeMismatch = dataset.ErrShapeMismatch
	ErrDatasetIO            = dataset.ErrIO
	ErrDatasetEmpty         = dataset.ErrEmpty
	ErrUnknownParameter     = errors.New("unknown parameter")
	ErrOutOfRange           = errors.New("value out of range")
	ErrInvalidSlice         = errors.New("invalid tx slice")
	ErrInconsistentInput    = aperture.ErrInconsistentInput
	ErrMappingOutOfRange    = aperture.ErrMappingOutOfRange
)

// Kind is the wire name of an error class.
type Kind string

const (
	KindNone                 Kind = ""
	KindInvalidState         Kind = "INVALID_STATE"
	KindSchemeIncompatible   Kind = "SCHEME_INCOMPATIBLE"
	KindDatasetShapeMismatch Kind = "DATASET_SHAPE_MISMATCH"
	KindDatasetIO            Kind = "DATASET_IO"
	KindDatasetEmpty         Kind = "DATASET_EMPTY"
	KindUnknownParameter     Kind = "UNKNOWN_PARAMETER"
	KindOutOfRange           Kind = "OUT_OF_RANGE"
	KindInvalidSlice         Kind = "INVALID_SLICE"
	KindInconsistentInput    Kind = "INCONSISTENT_INPUT"
	KindMappingOutOfRange    Kind = "MAPPING_OUT_OF_RANGE"
	KindUnknown              Kind = "UNKNOWN"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidState, KindInvalidState},
	{ErrSchemeIncompatible, KindSchemeIncompatible},
	{ErrDatasetShapeMismatch, KindDatasetShapeMismatch},
	{ErrDatasetIO, KindDatasetIO},
	{ErrDatasetEmpty, KindDatasetEmpty},
	{ErrUnknownParameter, KindUnknownParameter},
	{ErrOutOfRange, KindOutOfRange},
	{ErrInvalidSlice, KindInvalidSlice},
	{ErrInconsistentInput, KindInconsistentInput},
	{ErrMappingOutOfRange, KindMappingOutOfRange},
}

// KindOf classifies err. Unrecognised errors map to KindUnknown, nil to KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}
