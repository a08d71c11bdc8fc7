package cpumask

import (
	"fmt"
	"math/bits"
	"strings"
)

// MaxCPUs bounds the number of logical CPUs a mask can describe.
const MaxCPUs = 64

// Mask is a fixed-size CPU affinity bitmask.
type Mask uint64

// Of builds a mask containing exactly the given CPUs.
func Of(cpus ...int) Mask {
	var m Mask
	for _, c := range cpus {
		m = m.Set(c)
	}
	return m
}

// Full returns a mask with the first n CPUs set.
func Full(n int) Mask {
	if n >= MaxCPUs {
		return Mask(^uint64(0))
	}
	return Mask((uint64(1) << uint(n)) - 1)
}

func (m Mask) Set(cpu int) Mask   { return m | (1 << uint(cpu)) }
func (m Mask) Clear(cpu int) Mask { return m &^ (1 << uint(cpu)) }

func (m Mask) Test(cpu int) bool {
	if cpu < 0 || cpu >= MaxCPUs {
		return false
	}
	return m&(1<<uint(cpu)) != 0
}

// Weight returns the number of CPUs in the mask.
func (m Mask) Weight() int { return bits.OnesCount64(uint64(m)) }

func (m Mask) Empty() bool { return m == 0 }

// Any returns an arbitrary CPU from the mask, or -1 if it is empty.
func (m Mask) Any() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}

func (m Mask) And(other Mask) Mask { return m & other }
func (m Mask) Or(other Mask) Mask  { return m | other }

// ForEach calls fn for every CPU in the mask, in ascending order.
func (m Mask) ForEach(fn func(cpu int)) {
	for v := uint64(m); v != 0; {
		cpu := bits.TrailingZeros64(v)
		v &^= 1 << uint(cpu)
		fn(cpu)
	}
}

// CPUs returns the members of the mask in ascending order.
func (m Mask) CPUs() []int {
	out := make([]int, 0, m.Weight())
	m.ForEach(func(cpu int) { out = append(out, cpu) })
	return out
}

// String renders the mask as a cpuset-style list, e.g. "0-2,5".
func (m Mask) String() string {
	if m == 0 {
		return ""
	}
	var b strings.Builder
	cpus := m.CPUs()
	for i := 0; i < len(cpus); {
		j := i
		for j+1 < len(cpus) && cpus[j+1] == cpus[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if j > i {
			fmt.Fprintf(&b, "%d-%d", cpus[i], cpus[j])
		} else {
			fmt.Fprintf(&b, "%d", cpus[i])
		}
		i = j + 1
	}
	return b.String()
}
