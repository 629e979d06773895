// Package kvcache manages the per-layer growable key/value buffers used
// during incremental decoding. One Manager belongs to exactly one attention
// layer instance for the lifetime of a generation session; a new session
// gets a new Manager.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// ErrAlloc is returned when cache growth would exceed the allocation guard.
var ErrAlloc = errors.New("cache allocation failure")

// KV is the externally visible cache handle passed between forward calls.
// It covers the valid region [0, len) of the private buffers, never the
// full allocated capacity; the next call reads its past length from Len.
type KV struct {
	K *tensor.Tensor // [batch, heads, len, headDim]
	V *tensor.Tensor
}

// Len returns the number of valid time steps the handle covers.
func (kv *KV) Len() int {
	if kv == nil || kv.K == nil {
		return 0
	}
	return kv.K.Dim(2)
}

// Manager privately retains the full growable buffers. Capacity grows in
// constant AllocBlock increments: at most ceil(T/AllocBlock) reallocations
// happen over a session appending T tokens, each an O(capacity) copy.
type Manager struct {
	k, v     *tensor.Tensor // [batch, heads, capacity, headDim], nil before first append
	capacity int

	allocBlock int
	allocMin   int
	maxElems   int

	log   *logger.Logger
	debug bool
}

func NewManager(cfg config.Config) *Manager {
	block := cfg.KVAllocBlock
	if block <= 0 {
		block = config.DefaultKVAllocBlock
	}
	min := cfg.KVAllocMin
	if min <= 0 {
		min = config.DefaultKVAllocMin
	}
	maxElems := cfg.MaxCacheElems
	if maxElems <= 0 {
		maxElems = config.DefaultMaxCacheElems
	}
	return &Manager{
		allocBlock: block,
		allocMin:   min,
		maxElems:   maxElems,
		log:        logger.Log.Component("kvcache"),
		debug:      cfg.DebugCache,
	}
}

// Capacity returns the allocated buffer length in time steps.
func (m *Manager) Capacity() int { return m.capacity }

// Reset discards the buffers. The next Append starts a fresh session.
func (m *Manager) Reset() {
	m.k = nil
	m.v = nil
	m.capacity = 0
}

// Append writes kNew/vNew [batch, heads, cur, headDim] after the prior
// valid region. It returns the keys and values covering [0, past+cur) for
// this step's attention, and the handle to carry into the next call. The
// returned tensors are detached copies; the full-capacity buffer stays
// private to the Manager.
func (m *Manager) Append(kNew, vNew *tensor.Tensor, prior *KV) (*tensor.Tensor, *tensor.Tensor, *KV, error) {
	if kNew.Rank() != 4 || vNew.Rank() != 4 {
		return nil, nil, nil, fmt.Errorf("%w: cache append rank %d/%d, want 4", tensor.ErrShape, kNew.Rank(), vNew.Rank())
	}
	for i := 0; i < 4; i++ {
		if kNew.Dim(i) != vNew.Dim(i) {
			return nil, nil, nil, fmt.Errorf("%w: key dims %v != value dims %v", tensor.ErrShape, kNew.Dims(), vNew.Dims())
		}
	}

	batch, heads, cur, headDim := kNew.Dim(0), kNew.Dim(1), kNew.Dim(2), kNew.Dim(3)
	past := prior.Len()

	if m.k == nil {
		cap := max(m.allocMin, cur) + m.allocBlock
		if past > 0 {
			// Handle from a session whose buffers were reset: rebuild the
			// valid region before appending.
			cap = max(m.allocMin, past+cur) + m.allocBlock
		}
		if err := m.alloc(batch, heads, cap, headDim); err != nil {
			return nil, nil, nil, err
		}
		if past > 0 {
			m.write(prior.K, prior.V, 0)
		}
	} else {
		if m.k.Dim(0) != batch || m.k.Dim(1) != heads || m.k.Dim(3) != headDim {
			return nil, nil, nil, fmt.Errorf("%w: append dims %v into buffer %v", tensor.ErrShape, kNew.Dims(), m.k.Dims())
		}
		if past+cur > m.capacity {
			if err := m.grow(past+cur+m.allocBlock, past); err != nil {
				return nil, nil, nil, err
			}
		}
	}

	m.write(kNew, vNew, past)

	used := past + cur
	keys, err := m.k.Narrow(2, 0, used)
	if err != nil {
		return nil, nil, nil, err
	}
	values, err := m.v.Narrow(2, 0, used)
	if err != nil {
		return nil, nil, nil, err
	}

	metrics.RecordKVCacheAppend(cur)
	metrics.RecordKVCacheState(m.capacity, used, 2*m.k.NumElements()*4)
	if m.debug {
		m.log.Debug("append", "past", past, "cur", cur, "capacity", m.capacity)
	}

	return keys, values, &KV{K: keys, V: values}, nil
}

// alloc creates fresh buffers of the given capacity.
func (m *Manager) alloc(batch, heads, cap, headDim int) error {
	if err := m.guard(batch, heads, cap, headDim); err != nil {
		return err
	}
	m.k = tensor.New(batch, heads, cap, headDim)
	m.v = tensor.New(batch, heads, cap, headDim)
	m.capacity = cap
	if m.debug {
		m.log.Debug("alloc", "capacity", cap, "batch", batch, "heads", heads, "head_dim", headDim)
	}
	return nil
}

// grow reallocates to newCap and copies the valid region [0, past) forward.
func (m *Manager) grow(newCap, past int) error {
	batch, heads, headDim := m.k.Dim(0), m.k.Dim(1), m.k.Dim(3)
	if err := m.guard(batch, heads, newCap, headDim); err != nil {
		return err
	}

	oldK, oldV, oldCap := m.k, m.v, m.capacity
	m.k = tensor.New(batch, heads, newCap, headDim)
	m.v = tensor.New(batch, heads, newCap, headDim)
	m.capacity = newCap

	if past > 0 {
		copyRegion(m.k, oldK, past)
		copyRegion(m.v, oldV, past)
	}

	metrics.RecordKVCacheRealloc()
	m.log.Debug("grow", "old_capacity", oldCap, "new_capacity", newCap, "copied", past)
	return nil
}

func (m *Manager) guard(batch, heads, cap, headDim int) error {
	elems := batch * heads * cap * headDim
	if elems <= 0 || elems > m.maxElems {
		metrics.KVCacheAllocFailures.Inc()
		return fmt.Errorf("%w: %d elements requested, guard %d", ErrAlloc, elems, m.maxElems)
	}
	return nil
}

// write copies k/v [batch, heads, n, headDim] into the buffers starting at
// time step `at`.
func (m *Manager) write(k, v *tensor.Tensor, at int) {
	writeRegion(m.k, k, at)
	writeRegion(m.v, v, at)
}

func writeRegion(dst, src *tensor.Tensor, at int) {
	batch, heads, n, headDim := src.Dim(0), src.Dim(1), src.Dim(2), src.Dim(3)
	cap := dst.Dim(2)
	dd, sd := dst.Data(), src.Data()
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			dstOff := ((b*heads+h)*cap + at) * headDim
			srcOff := (b*heads + h) * n * headDim
			copy(dd[dstOff:dstOff+n*headDim], sd[srcOff:srcOff+n*headDim])
		}
	}
}

func copyRegion(dst, src *tensor.Tensor, n int) {
	batch, heads, headDim := src.Dim(0), src.Dim(1), src.Dim(3)
	srcCap, dstCap := src.Dim(2), dst.Dim(2)
	dd, sd := dst.Data(), src.Data()
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			dstOff := (b*heads + h) * dstCap * headDim
			srcOff := (b*heads + h) * srcCap * headDim
			copy(dd[dstOff:dstOff+n*headDim], sd[srcOff:srcOff+n*headDim])
		}
	}
}
