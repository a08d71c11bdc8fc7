package sched

import (
	"sync"
	"sync/atomic"

	"deadline-sched/internal/cpumask"
)

// RootDomain is the load-balancing scope shared by a set of CPUs: the
// overload mask consulted by the pull engine and the admitted bandwidth
// pool.
type RootDomain struct {
	span cpumask.Mask

	// dloMask has a bit per overloaded CPU. The bit is set before dloCount
	// is incremented and cleared after it is decremented, so an observer
	// that trusts the counter never misses a CPU in the mask.
	dloMask  atomic.Uint64
	dloCount atomic.Int64

	bwLock  sync.Mutex
	totalBw uint64
}

func newRootDomain(span cpumask.Mask) *RootDomain {
	return &RootDomain{span: span}
}

// Span returns the CPUs covered by this domain.
func (rd *RootDomain) Span() cpumask.Mask { return rd.span }

// TotalBw returns the admitted deadline bandwidth of the domain.
func (rd *RootDomain) TotalBw() uint64 {
	rd.bwLock.Lock()
	defer rd.bwLock.Unlock()
	return rd.totalBw
}

func (rd *RootDomain) addBw(bw uint64) {
	rd.bwLock.Lock()
	rd.totalBw += bw
	rd.bwLock.Unlock()
}

func (rd *RootDomain) subBw(bw uint64) {
	rd.bwLock.Lock()
	rd.totalBw -= bw
	rd.bwLock.Unlock()
}

func (rd *RootDomain) overloadedCount() int64 {
	return rd.dloCount.Load()
}

func (rd *RootDomain) overloadMask() cpumask.Mask {
	return cpumask.Mask(rd.dloMask.Load())
}

func (rd *RootDomain) setOverload(cpu int) {
	rd.dloMask.Or(uint64(1) << uint(cpu))
	rd.dloCount.Add(1)
}

func (rd *RootDomain) clearOverload(cpu int) {
	rd.dloCount.Add(-1)
	rd.dloMask.And(^(uint64(1) << uint(cpu)))
}
