package ops

import (
	"fmt"
	"math/bits"
	"strings"
)

const (
	// NumAddressableChannels is the size of the logical channel space a module exposes.
	NumAddressableChannels = 128
	// NumRxChannels is the number of physical receive channels per module.
	NumRxChannels = 32
)

// ChannelMask is a bitset over the addressable channels of a module.
type ChannelMask [2]uint64

// MaskOf builds a mask with the given channels set. Out of range channels are ignored.
func MaskOf(channels ...int) ChannelMask {
	var m ChannelMask
	for _, c := range channels {
		m.Set(c)
	}
	return m
}

// MaskRange builds a mask with channels [begin, end) set.
func MaskRange(begin, end int) ChannelMask {
	var m ChannelMask
	for c := begin; c < end; c++ {
		m.Set(c)
	}
	return m
}

// Set activates channel c.
func (m *ChannelMask) Set(c int) {
	if c < 0 || c >= NumAddressableChannels {
		return
	}
	m[c/64] |= 1 << uint(c%64)
}

// Has reports whether channel c is active.
func (m ChannelMask) Has(c int) bool {
	if c < 0 || c >= NumAddressableChannels {
		return false
	}
	return m[c/64]&(1<<uint(c%64)) != 0
}

// Count returns the number of active channels.
func (m ChannelMask) Count() int {
	return bits.OnesCount64(m[0]) + bits.OnesCount64(m[1])
}

// IsEmpty reports whether no channel is active.
func (m ChannelMask) IsEmpty() bool {
	return m[0] == 0 && m[1] == 0
}

// Channels lists active channels in ascending order.
func (m ChannelMask) Channels() []int {
	out := make([]int, 0, m.Count())
	for word := 0; word < len(m); word++ {
		w := m[word]
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			out = append(out, word*64+bit)
			w &= w - 1
		}
	}
	return out
}

func (m ChannelMask) String() string {
	chans := m.Channels()
	parts := make([]string, len(chans))
	for i, c := range chans {
		parts[i] = fmt.Sprint(c)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
