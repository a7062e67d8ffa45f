package dfu

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
)

// Continuation consumes the notification that answers one request.
type Continuation func(protocol.Frame)

// Correlator pairs control point notifications with the requests that
// expect them, strictly in the order the expectations were registered.
// Callers register before issuing the write whose reply they expect, so a
// notification racing the write's local completion still finds its
// continuation.
type Correlator struct {
	mu    sync.Mutex
	queue []Continuation
}

// NewCorrelator returns an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{}
}

// Expect appends a continuation.
func (c *Correlator) Expect(k Continuation) {
	c.mu.Lock()
	c.queue = append(c.queue, k)
	c.mu.Unlock()
}

// Dispatch hands f to the oldest continuation. With nothing pending the
// frame is logged and dropped, and Dispatch returns false.
func (c *Correlator) Dispatch(f protocol.Frame) bool {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		log.Infof("unhandled %v", f)
		return false
	}
	k := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.mu.Unlock()

	k(f)
	return true
}

// Pending is the number of continuations waiting for a frame.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Reset drops every pending continuation and returns how many there were.
func (c *Correlator) Reset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	c.queue = nil
	return n
}
