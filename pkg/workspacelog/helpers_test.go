package workspacelog

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/odvcencio/headlesslogs/pkg/workspace"
)

type fakeItem struct {
	data []byte
	end  bool
	err  error
}

// fakeSubscription hands out items only when Receive asks for them, so a
// send on items completing means the relay pulled that item.
type fakeSubscription struct {
	items    chan fakeItem
	canceled chan struct{}
	once     sync.Once
	cancels  atomic.Int32
	receives atomic.Int32

	data  []byte
	err   error
	ended bool
}

func newFakeSubscription(buffer int) *fakeSubscription {
	return &fakeSubscription{
		items:    make(chan fakeItem, buffer),
		canceled: make(chan struct{}),
	}
}

// scripted returns a subscription that yields outputs and then ends with err.
func scripted(err error, outputs ...string) *fakeSubscription {
	f := newFakeSubscription(len(outputs) + 1)
	for _, out := range outputs {
		f.items <- fakeItem{data: []byte(out)}
	}
	f.items <- fakeItem{end: true, err: err}
	return f
}

func (f *fakeSubscription) Receive() bool {
	f.receives.Add(1)
	if f.ended {
		return false
	}
	select {
	case <-f.canceled:
		f.ended = true
		return false
	default:
	}
	select {
	case it := <-f.items:
		if it.end {
			f.err = it.err
			f.ended = true
			return false
		}
		f.data = it.data
		return true
	case <-f.canceled:
		f.ended = true
		return false
	}
}

func (f *fakeSubscription) Data() []byte { return f.data }
func (f *fakeSubscription) Err() error   { return f.err }

func (f *fakeSubscription) Cancel() {
	f.cancels.Add(1)
	f.once.Do(func() { close(f.canceled) })
}

// offer tries to hand data to the relay within timeout.
func (f *fakeSubscription) offer(data string, timeout time.Duration) bool {
	select {
	case f.items <- fakeItem{data: []byte(data)}:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (f *fakeSubscription) mustOffer(t *testing.T, data string) {
	t.Helper()
	if !f.offer(data, 5*time.Second) {
		t.Fatalf("relay did not pull %q", data)
	}
}

func (f *fakeSubscription) mustEnd(t *testing.T, err error) {
	t.Helper()
	select {
	case f.items <- fakeItem{end: true, err: err}:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not pull the end of the stream")
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	queries  int
	opened   []StreamInfo
	relayed  int
	bytes    int
	closed   []StreamSummary
	queryErr error
}

func (o *recordingObserver) TasksQueried(_ workspace.InstanceRef, _ int, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queries++
	o.queryErr = err
}

func (o *recordingObserver) StreamOpened(info StreamInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, info)
}

func (o *recordingObserver) ChunkRelayed(_ StreamInfo, bytes int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.relayed++
	o.bytes += bytes
}

func (o *recordingObserver) StreamClosed(summary StreamSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, summary)
}

func (o *recordingObserver) closedSummaries() []StreamSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]StreamSummary(nil), o.closed...)
}

func waitDone(t *testing.T, stream *LogStream) {
	t.Helper()
	select {
	case <-stream.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("stream still %s", stream.State())
	}
}

var ws1 = workspace.InstanceRef{
	InstanceID: "ws-1",
	IDEURL:     "https://ws-1.example.com/",
	OwnerToken: "owner-token",
}
