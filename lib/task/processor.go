package task

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Processor is a named execution domain for tasks. When built with a
// positive worker count, at most that many task bodies run at once and the
// rest wait for a slot; a task cancelled while waiting never runs.
type Processor struct {
	name    string
	workers int
	sem     *semaphore.Weighted

	spawned atomic.Int64
	running atomic.Int64
}

// NewProcessor creates a processor. workers <= 0 means unlimited.
func NewProcessor(name string, workers int) *Processor {
	p := &Processor{name: name, workers: workers}
	if workers > 0 {
		p.sem = semaphore.NewWeighted(int64(workers))
	}
	log.WithField("processor", name).WithField("workers", workers).Debug("task processor created")
	return p
}

// Name returns the processor name.
func (p *Processor) Name() string {
	return p.name
}

// Workers returns the concurrency limit, or 0 when unlimited.
func (p *Processor) Workers() int {
	if p.workers < 0 {
		return 0
	}
	return p.workers
}

// Spawned returns the number of tasks started on p.
func (p *Processor) Spawned() int64 {
	return p.spawned.Load()
}

// Running returns the number of task bodies currently executing.
func (p *Processor) Running() int64 {
	return p.running.Load()
}

var defaultProcessor = NewProcessor("main", 0)

// Default returns the unlimited processor used when none is configured.
func Default() *Processor {
	return defaultProcessor
}
