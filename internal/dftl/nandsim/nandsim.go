// Package nandsim defines the external NAND-timing and write-buffer
// collaborators the core treats as an opaque oracle (advance_nand,
// advance_write_buffer, next_idle_time, buffer_allocate,
// schedule_internal_operation), plus one deterministic reference
// implementation so tests and the demo binary have a concrete instance to
// drive.
package nandsim

import "github.com/flashsim/dftl/internal/dftl/geometry"

// OpKind is the NAND command kind advance_nand dispatches on.
type OpKind uint8

const (
	OpRead OpKind = iota
	OpWrite
	OpNop
	OpErase
)

// Command is the request shape advance_nand consumes.
type Command struct {
	Op                OpKind
	StartTime         uint64
	XferSize          int // bytes
	PPA               geometry.PPA
	InterleavePCIeDMA bool
}

// Timer is the opaque NAND latency oracle: advance_nand / next_idle_time.
type Timer interface {
	AdvanceNAND(cmd Command) uint64
	NextIdleTime() uint64
}

// WriteBuffer is the opaque host write-buffer oracle: buffer_allocate,
// advance_write_buffer, schedule_internal_operation.
type WriteBuffer interface {
	Allocate(bytes int) int
	Advance(startTime uint64, bytes int) uint64
	ScheduleInternalOp(sqid int, t uint64, bytesToRelease int)
}

// LatencyModel is the fixed per-op-kind latency table for SimpleTimer.
type LatencyModel struct {
	ReadLatencyNS  uint64
	WriteLatencyNS uint64
	EraseLatencyNS uint64
}

// SimpleTimer is a deterministic Timer: each channel is modeled as a
// single in-order pipeline, so back-to-back commands on the same channel
// serialize while different channels overlap freely.
type SimpleTimer struct {
	model     LatencyModel
	busyUntil map[int]uint64 // keyed by PPA.Ch
}

// NewSimpleTimer constructs a SimpleTimer from a fixed latency table.
func NewSimpleTimer(model LatencyModel) *SimpleTimer {
	return &SimpleTimer{model: model, busyUntil: make(map[int]uint64)}
}

func (t *SimpleTimer) latencyFor(cmd Command) uint64 {
	switch cmd.Op {
	case OpRead:
		return t.model.ReadLatencyNS
	case OpWrite:
		return t.model.WriteLatencyNS
	case OpErase:
		return t.model.EraseLatencyNS
	default: // OpNop
		return 0
	}
}

// AdvanceNAND returns the completion timestamp for cmd, serializing it
// behind any earlier command still in flight on the same channel.
func (t *SimpleTimer) AdvanceNAND(cmd Command) uint64 {
	start := cmd.StartTime
	if busy, ok := t.busyUntil[cmd.PPA.Ch]; ok && busy > start {
		start = busy
	}
	end := start + t.latencyFor(cmd)
	t.busyUntil[cmd.PPA.Ch] = end
	return end
}

// NextIdleTime is the latest timestamp at which any channel is still busy.
func (t *SimpleTimer) NextIdleTime() uint64 {
	var max uint64
	for _, busy := range t.busyUntil {
		if busy > max {
			max = busy
		}
	}
	return max
}

// SimpleWriteBuffer is a deterministic WriteBuffer: a capacity-bounded
// byte counter drained at a fixed bandwidth.
type SimpleWriteBuffer struct {
	capacity           int
	used               int
	bandwidthNSPerByte float64
}

// NewSimpleWriteBuffer constructs a SimpleWriteBuffer of the given byte
// capacity, draining at bandwidthNSPerByte nanoseconds per byte.
func NewSimpleWriteBuffer(capacity int, bandwidthNSPerByte float64) *SimpleWriteBuffer {
	return &SimpleWriteBuffer{capacity: capacity, bandwidthNSPerByte: bandwidthNSPerByte}
}

// Allocate grants up to bytes, limited by remaining capacity.
func (b *SimpleWriteBuffer) Allocate(bytes int) int {
	free := b.capacity - b.used
	if bytes > free {
		bytes = free
	}
	if bytes < 0 {
		bytes = 0
	}
	b.used += bytes
	return bytes
}

// Advance returns the timestamp at which bytes have drained out of the
// buffer starting at startTime.
func (b *SimpleWriteBuffer) Advance(startTime uint64, bytes int) uint64 {
	return startTime + uint64(float64(bytes)*b.bandwidthNSPerByte)
}

// ScheduleInternalOp releases bytesToRelease back to the buffer's free
// capacity.
func (b *SimpleWriteBuffer) ScheduleInternalOp(sqid int, t uint64, bytesToRelease int) {
	b.used -= bytesToRelease
	if b.used < 0 {
		b.used = 0
	}
}
