// Package aperture rewrites logical TxRx sequences so that no receive aperture claims
// the same physical module channel twice.
//
// A module exposes ops.NumRxChannels physical receive channels while
// ops.NumAddressableChannels logical channels are addressable; logical channel c is
// served by physical channel mapping[c] mod ops.NumRxChannels. An operation whose
// aperture activates two logical channels on one physical channel is split into
// several sub-operations, each re-firing the same transmit.
package aperture

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/rjboer/usemu/internal/ops"
)

// Unavailable marks tensor entries for channels that are not sampled.
const Unavailable = -1

var (
	ErrInconsistentInput = errors.New("inconsistent split input")
	ErrMappingOutOfRange = errors.New("channel mapping out of range")
)

// OpRange is the half-open range of output ops generated for one logical op.
type OpRange struct {
	First int
	Last  int
}

// Len returns the number of output ops in the range.
func (r OpRange) Len() int { return r.Last - r.First }

// SplitResult is the output of Split.
type SplitResult struct {
	// Sequences holds one rewritten sequence per module, all of equal length.
	Sequences []ops.Sequence
	// Frames maps (module, logical op, logical rx channel) to the output op that samples it.
	Frames *Tensor3
	// Channels maps (module, logical op, logical rx channel) to the physical rx channel.
	Channels *Tensor3
	// Constants are the tx delay profiles re-indexed by output op, keyed by module.
	Constants map[int][]*mat.Dense
	// LogicalToPhysicalOp gives, per logical op, the output ops it expanded into.
	LogicalToPhysicalOp []OpRange
}

// Split decomposes every op of seqs so each receive aperture is free of physical channel
// collisions. mappings[m] is the logical-to-module channel mapping of module m and
// txDelayProfiles[m] holds delay matrices with one row per logical op of module m.
// Padding NOPs on frameMetadataModule keep the sample window of the op they pad, so
// that module still acquires a frame per output op.
func Split(seqs []ops.Sequence, mappings [][]uint8, txDelayProfiles map[int][]*mat.Dense, frameMetadataModule int) (*SplitResult, error) {
	if err := validate(seqs, mappings, txDelayProfiles, frameMetadataModule); err != nil {
		return nil, err
	}
	nModules := len(seqs)
	nOps := len(seqs[0])

	res := &SplitResult{
		Sequences:           make([]ops.Sequence, nModules),
		Frames:              NewTensor3(nModules, nOps, ops.NumAddressableChannels, Unavailable),
		Channels:            NewTensor3(nModules, nOps, ops.NumAddressableChannels, Unavailable),
		LogicalToPhysicalOp: make([]OpRange, nOps),
	}
	// (module, output op) -> logical op whose delays it carries, or -1 for padding.
	sources := make([][]int, nModules)

	for o := 0; o < nOps; o++ {
		first := len(res.Sequences[0])
		subs := make([]ops.Sequence, nModules)
		width := 0
		for m := 0; m < nModules; m++ {
			subs[m] = splitOp(seqs[m][o], mappings[m], m, o, first, res)
			width = max(width, len(subs[m]))
		}
		for m := 0; m < nModules; m++ {
			res.Sequences[m] = append(res.Sequences[m], subs[m]...)
			for range subs[m] {
				sources[m] = append(sources[m], o)
			}
			logical := seqs[m][o]
			for pad := len(subs[m]); pad < width; pad++ {
				nop := ops.NewNOP(logical.PRI, ops.SampleRange{}, logical.RxDecimation)
				if m == frameMetadataModule {
					nop.RxSamples = logical.RxSamples
				}
				res.Sequences[m] = append(res.Sequences[m], nop)
				sources[m] = append(sources[m], -1)
			}
		}
		res.LogicalToPhysicalOp[o] = OpRange{First: first, Last: first + width}
	}

	res.Constants = remapDelays(txDelayProfiles, sources)
	return res, nil
}

// splitOp expands one logical op of module m and records its frame/channel assignment.
func splitOp(op ops.TxRx, mapping []uint8, m, o, first int, res *SplitResult) ops.Sequence {
	if op.NOP || op.RxAperture.IsEmpty() {
		return ops.Sequence{op.Clone()}
	}

	var buckets [ops.NumRxChannels][]int
	for _, c := range op.RxAperture.Channels() {
		p := int(mapping[c]) % ops.NumRxChannels
		buckets[p] = append(buckets[p], c)
	}
	n := 0
	for _, b := range buckets {
		n = max(n, len(b))
	}

	out := make(ops.Sequence, n)
	for s := range out {
		sub := op.Clone()
		sub.RxAperture = ops.ChannelMask{}
		out[s] = sub
	}
	for p, b := range buckets {
		for s, c := range b {
			out[s].RxAperture.Set(c)
			res.Frames.set(m, o, c, first+s)
			res.Channels.set(m, o, c, p)
		}
	}
	return out
}

func remapDelays(profiles map[int][]*mat.Dense, sources [][]int) map[int][]*mat.Dense {
	out := make(map[int][]*mat.Dense, len(profiles))
	for module, list := range profiles {
		remapped := make([]*mat.Dense, len(list))
		src := sources[module]
		for i, d := range list {
			_, cols := d.Dims()
			r := mat.NewDense(len(src), cols, nil)
			for row, logical := range src {
				if logical < 0 {
					continue
				}
				r.SetRow(row, d.RawRowView(logical))
			}
			remapped[i] = r
		}
		out[module] = remapped
	}
	return out
}

func validate(seqs []ops.Sequence, mappings [][]uint8, profiles map[int][]*mat.Dense, frameMetadataModule int) error {
	if len(seqs) == 0 {
		return fmt.Errorf("%w: no sequences", ErrInconsistentInput)
	}
	nOps := len(seqs[0])
	if nOps == 0 {
		return fmt.Errorf("%w: empty sequences", ErrInconsistentInput)
	}
	for m, seq := range seqs {
		if len(seq) != nOps {
			return fmt.Errorf("%w: module %d has %d ops, module 0 has %d", ErrInconsistentInput, m, len(seq), nOps)
		}
	}
	if len(mappings) != len(seqs) {
		return fmt.Errorf("%w: %d mappings for %d modules", ErrInconsistentInput, len(mappings), len(seqs))
	}
	for m, mapping := range mappings {
		if len(mapping) != ops.NumAddressableChannels {
			return fmt.Errorf("%w: module %d mapping has %d entries, want %d", ErrMappingOutOfRange, m, len(mapping), ops.NumAddressableChannels)
		}
		for c, v := range mapping {
			if int(v) >= ops.NumAddressableChannels {
				return fmt.Errorf("%w: module %d maps channel %d to %d", ErrMappingOutOfRange, m, c, v)
			}
		}
	}
	if frameMetadataModule < 0 || frameMetadataModule >= len(seqs) {
		return fmt.Errorf("%w: frame metadata module %d out of %d modules", ErrInconsistentInput, frameMetadataModule, len(seqs))
	}
	for module, list := range profiles {
		if module < 0 || module >= len(seqs) {
			return fmt.Errorf("%w: delay profile for unknown module %d", ErrInconsistentInput, module)
		}
		for i, d := range list {
			if d == nil {
				return fmt.Errorf("%w: module %d delay profile %d is nil", ErrInconsistentInput, module, i)
			}
			if rows, _ := d.Dims(); rows != nOps {
				return fmt.Errorf("%w: module %d delay profile %d has %d rows, want %d", ErrInconsistentInput, module, i, rows, nOps)
			}
		}
	}
	return nil
}
