// Package iter runs block decodes across a bounded worker pool while
// yielding results in strict height order. The in-flight window is the
// only memory knob: at most window blocks are resident between the
// producer, the workers and the reorder buffer.
package iter

import (
	"container/heap"
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// ErrCancelled: the iterator was closed before the range completed.
// Close itself ends the stream silently; no Result carries this error.
var ErrCancelled = errors.New("iteration cancelled")

// maxWorkers caps the default pool size.
const maxWorkers = 32

// Result pairs a height with its decoded value, or with the decode
// error yielded in place of that height.
type Result[T any] struct {
	Height uint64
	Value  T
	Err    error
}

// DecodeFunc decodes one height. It is called from multiple workers
// concurrently and must not share mutable state between calls.
type DecodeFunc[T any] func(height uint64) (T, error)

// Iterator yields Results for [lo, hi) in ascending height order.
type Iterator[T any] struct {
	out    chan Result[T]
	cancel context.CancelFunc
	once   sync.Once
}

// Workers resolves a requested worker count: non-positive means one per
// hardware thread, capped.
func Workers(requested int) int {
	if requested > 0 {
		return requested
	}
	n := runtime.NumCPU()
	if n > maxWorkers {
		n = maxWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Window resolves the in-flight window for a worker count.
func Window(requested, workers int) int {
	if requested > 0 {
		return requested
	}
	return 4 * workers
}

// New starts the pipeline: a producer hands out heights lo, lo+1, ...
// at most window ahead of the consumer, workers decode independently,
// and a height-keyed reorder buffer restores emission order.
func New[T any](ctx context.Context, lo, hi uint64, workers, window int, decode DecodeFunc[T]) *Iterator[T] {
	workers = Workers(workers)
	window = Window(window, workers)

	ctx, cancel := context.WithCancel(ctx)
	it := &Iterator[T]{
		out:    make(chan Result[T]),
		cancel: cancel,
	}

	heights := make(chan uint64)
	completions := make(chan Result[T])
	slots := make(chan struct{}, window)

	// Producer: window-gated height feed.
	go func() {
		defer close(heights)
		for h := lo; h < hi; h++ {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case heights <- h:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Workers: decode and report. Cancellation is observed at task
	// boundaries; an in-flight decode completes and its result is
	// dropped.
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for h := range heights {
				v, err := decode(h)
				select {
				case completions <- Result[T]{Height: h, Value: v, Err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(completions)
	}()

	// Emitter: reorder buffer keyed by height.
	go func() {
		defer close(it.out)
		pending := &resultHeap[T]{}
		next := lo
		for res := range completions {
			heap.Push(pending, res)
			for pending.Len() > 0 && (*pending)[0].Height == next {
				r := heap.Pop(pending).(Result[T])
				select {
				case it.out <- r:
				case <-ctx.Done():
					return
				}
				next++
				<-slots
			}
		}
	}()

	return it
}

// Results exposes the ordered output stream. The channel closes when
// the range is exhausted or the iterator is closed.
func (it *Iterator[T]) Results() <-chan Result[T] {
	return it.out
}

// Next yields the next in-order result; ok is false once the stream is
// done.
func (it *Iterator[T]) Next() (Result[T], bool) {
	r, ok := <-it.out
	return r, ok
}

// Close cancels the run. Workers stop at their next task boundary and
// pending results are discarded.
func (it *Iterator[T]) Close() {
	it.once.Do(it.cancel)
}

// resultHeap is the reorder buffer: a min-heap on height.
type resultHeap[T any] []Result[T]

func (h resultHeap[T]) Len() int            { return len(h) }
func (h resultHeap[T]) Less(i, j int) bool  { return h[i].Height < h[j].Height }
func (h resultHeap[T]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap[T]) Push(x interface{}) { *h = append(*h, x.(Result[T])) }
func (h *resultHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
