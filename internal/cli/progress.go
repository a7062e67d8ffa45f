package cli

import (
	"io"
	"sync"

	"gopkg.in/cheggaaa/pb.v1"
)

// transferBar draws a byte progress bar from the first transfer callback
// on, so nothing is drawn while scanning or connecting.
type transferBar struct {
	total int
	out   io.Writer

	mu  sync.Mutex
	bar *pb.ProgressBar
}

func (a *app) newTransferBar(total int) *transferBar {
	return &transferBar{total: total, out: a.errOut}
}

func (t *transferBar) update(prefix string, sent int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar == nil {
		t.bar = pb.New(t.total)
		t.bar.SetUnits(pb.U_BYTES)
		t.bar.Output = t.out
		t.bar.ShowSpeed = true
		t.bar.Start()
	}
	if prefix != "" {
		t.bar.Prefix(prefix)
	}
	t.bar.Set(sent)
}

func (t *transferBar) started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bar != nil
}

func (t *transferBar) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar != nil {
		t.bar.Finish()
	}
}
