package image_cache

import (
	"context"
)

// Completion decides where fetch callbacks run
type Completion interface {
	Deliver(fn func())
}

type CompletionFunc func(fn func())

func (f CompletionFunc) Deliver(fn func()) {
	f(fn)
}

// Immediate runs callbacks on the goroutine that finished the fetch
var Immediate Completion = CompletionFunc(func(fn func()) { fn() })

// Queue hands callbacks to a single consumer goroutine, such as a UI or render loop
type Queue struct {
	ch chan func()
}

func NewQueue(size int) *Queue {
	if size < 0 {
		size = 0
	}
	return &Queue{ch: make(chan func(), size)}
}

// Deliver blocks while the queue is full
func (q *Queue) Deliver(fn func()) {
	q.ch <- fn
}

// Run executes callbacks until ctx is done
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-q.ch:
			fn()
		}
	}
}

// Drain runs the callbacks already queued without waiting for more
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case fn := <-q.ch:
			fn()
			n++
		default:
			return n
		}
	}
}

// FetchAsync runs Fetch in the background and delivers the outcome through completion.
// A nil completion means Immediate.
func (c *Cache) FetchAsync(ctx context.Context, req Request, completion Completion, cb func(*Result, error)) {
	if completion == nil {
		completion = Immediate
	}
	if req.Progressive && req.Completion == nil {
		req.Completion = completion
	}

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		res, err := c.Fetch(ctx, req)
		completion.Deliver(func() { cb(res, err) })
	}()
}
