package proc

import (
	"octox/kernel/cpu"
	"runtime"
	"sync"
)

var (
	// power is the rail every kernel stream unwinds on.
	power *cpu.Power

	// streams tracks the goroutines backing process kernel threads.
	streams sync.WaitGroup

	// goexitFn is mocked by tests.
	goexitFn = runtime.Goexit
)

// Context is the saved kernel execution state of a stream that is not
// running: a scheduler loop or the kernel thread of a process. A stream is
// resumed by signalling its context.
type Context struct {
	resume chan struct{}
}

func (ctx *Context) init() {
	ctx.resume = make(chan struct{}, 1)
}

// wait parks the calling stream until ctx is switched to. It never returns
// once the power is off.
func (ctx *Context) wait() {
	select {
	case <-ctx.resume:
	case <-powerDone():
		goexitFn()
	}
}

// swtch saves the current stream in old and resumes the one saved in new.
// It returns once another stream switches back to old.
func swtch(old, new *Context) {
	new.resume <- struct{}{}
	old.wait()
}

// swtchFinal resumes new and terminates the calling stream. It is the last
// thing an exiting process does.
func swtchFinal(new *Context) {
	new.resume <- struct{}{}
	goexitFn()
}

func powerDone() <-chan struct{} {
	if power == nil {
		return nil
	}
	return power.Done()
}

// WaitStreams blocks until every process kernel thread has unwound. It is
// used after the power is cut.
func WaitStreams() {
	streams.Wait()
}
