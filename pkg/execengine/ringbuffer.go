package execengine

import (
	"sync"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

func now() time.Time { return time.Now() }

// ringBuffer holds the in-flight and recently-finished output of a single
// execution: a strictly increasing sequence of frames bounded by a byte
// budget. When a new frame would exceed the budget, whole frames are
// evicted from the tail and minAvailableSeq is advanced past them.
type ringBuffer struct {
	mu sync.Mutex

	execID      string
	budgetBytes int64
	usedBytes   int64

	nextSeq         uint64
	minAvailableSeq uint64
	frames          []types.OutputFrame

	complete bool
}

func newRingBuffer(budgetBytes int64, execID string) *ringBuffer {
	return &ringBuffer{
		execID:          execID,
		budgetBytes:     budgetBytes,
		nextSeq:         1,
		minAvailableSeq: 1,
	}
}

// append adds a data frame, assigning it the next sequence number and the
// current time, and evicts the oldest frames until the buffer is back
// within budget.
func (r *ringBuffer) append(stream types.Stream, payload []byte) uint64 {
	return r.push(types.OutputFrame{Stream: stream, Payload: payload})
}

// appendControl adds the terminal control frame carrying the exit code,
// resource usage, and an optional reason marker.
func (r *ringBuffer) appendControl(exitCode *int, usage *types.Usage, reason string) uint64 {
	return r.push(types.OutputFrame{Stream: types.StreamControl, ExitCode: exitCode, Usage: usage, Reason: reason})
}

func (r *ringBuffer) push(frame types.OutputFrame) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	frame.Seq = r.nextSeq
	frame.Timestamp = now()
	r.nextSeq++
	r.frames = append(r.frames, frame)
	r.usedBytes += int64(len(frame.Payload))

	evicted := 0
	for r.usedBytes > r.budgetBytes && len(r.frames) > 1 {
		oldest := r.frames[0]
		r.frames = r.frames[1:]
		r.usedBytes -= int64(len(oldest.Payload))
		r.minAvailableSeq = r.frames[0].Seq
		evicted++
	}
	if evicted > 0 {
		metrics.RingBufferEvictionsTotal.WithLabelValues(r.execID).Add(float64(evicted))
	}
	metrics.RingBufferBytes.WithLabelValues(r.execID).Set(float64(r.usedBytes))

	if frame.IsTerminal() {
		r.complete = true
	}
	return frame.Seq
}

// approxUsedBytes reports the buffer's current byte usage, for metrics.
func (r *ringBuffer) approxUsedBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usedBytes
}

// pollResult is what Engine.ExecPoll returns to a caller.
type pollResult struct {
	Messages   []types.OutputFrame
	Complete   bool
	GapFromSeq uint64
	HasGap     bool
}

// poll returns every frame with seq strictly greater than afterSeq, up to
// maxBytes of payload, plus whether the execution is complete and whether a
// gap was skipped because frames were evicted before the caller caught up.
func (r *ringBuffer) poll(afterSeq uint64, maxBytes int64) pollResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := pollResult{Complete: r.complete}

	start := afterSeq
	if afterSeq+1 < r.minAvailableSeq {
		result.HasGap = true
		result.GapFromSeq = r.minAvailableSeq
		start = r.minAvailableSeq - 1
	}

	var usedBytes int64
	for _, f := range r.frames {
		if f.Seq <= start {
			continue
		}
		if usedBytes > 0 && usedBytes+int64(len(f.Payload)) > maxBytes {
			break
		}
		result.Messages = append(result.Messages, f)
		usedBytes += int64(len(f.Payload))
	}

	return result
}
