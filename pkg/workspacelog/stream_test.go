package workspacelog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
)

func openFake(t *testing.T, ctx context.Context, sub *fakeSubscription, opts ...Option) *LogStream {
	t.Helper()
	ctrl := gomock.NewController(t)
	upstream := NewMockUpstream(ctrl)
	upstream.EXPECT().OpenTerminalStream(gomock.Any(), ws1, "term-a").Return(sub, nil)

	stream, err := NewService(upstream, opts...).OpenLog(ctx, ws1, "term-a")
	require.NoError(t, err)
	return stream
}

func collect(chunks *[]Chunk, mu *sync.Mutex) SinkFunc {
	return func(_ context.Context, c Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		*chunks = append(*chunks, c)
		return nil
	}
}

func decodeAll(t *testing.T, chunks []Chunk) []string {
	t.Helper()
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		b, err := c.Decode()
		require.NoError(t, err)
		out = append(out, string(b))
	}
	return out
}

func TestLogStream_RelaysInOrder(t *testing.T) {
	sub := scripted(nil, "a", "b", "c")
	stream := openFake(t, context.Background(), sub)
	assert.Equal(t, StateOpening, stream.State())

	var mu sync.Mutex
	var chunks []Chunk
	require.NoError(t, stream.Relay(context.Background(), collect(&chunks, &mu)))

	assert.Equal(t, []string{"a", "b", "c"}, decodeAll(t, chunks))
	for i, c := range chunks {
		assert.Equal(t, uint64(i+1), c.Seq)
	}
	assert.Equal(t, "YQ==", chunks[0].Data)
	assert.Equal(t, StateCompleted, stream.State())
	assert.NoError(t, stream.Err())
	assert.Equal(t, uint64(3), stream.Chunks())
	assert.Equal(t, int32(1), sub.cancels.Load(), "subscription released exactly once")
}

func TestLogStream_Backpressure(t *testing.T) {
	sub := newFakeSubscription(0)
	stream := openFake(t, context.Background(), sub)

	release := make(chan struct{})
	var inflight, maxInflight atomic.Int32
	var mu sync.Mutex
	var got []string

	sink := SinkFunc(func(ctx context.Context, c Chunk) error {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			prev := maxInflight.Load()
			if n <= prev || maxInflight.CompareAndSwap(prev, n) {
				break
			}
		}
		b, _ := c.Decode()
		if string(b) == "b" {
			<-release
		}
		mu.Lock()
		got = append(got, string(b))
		mu.Unlock()
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- stream.Relay(context.Background(), sink) }()

	sub.mustOffer(t, "a")
	sub.mustOffer(t, "b")

	// b is stuck downstream, so the relay must not take c.
	assert.False(t, sub.offer("c", 150*time.Millisecond), "relay pulled c before b was delivered")

	close(release)
	sub.mustOffer(t, "c")
	sub.mustEnd(t, nil)

	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, int32(1), maxInflight.Load())
}

func TestLogStream_DownstreamFailureCancelsUpstreamOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := NewMockSubscription(ctrl)
	gomock.InOrder(
		sub.EXPECT().Receive().Return(true),
		sub.EXPECT().Data().Return([]byte("a")),
		sub.EXPECT().Receive().Return(true),
		sub.EXPECT().Data().Return([]byte("b")),
		sub.EXPECT().Cancel().Times(1),
	)

	upstream := NewMockUpstream(ctrl)
	upstream.EXPECT().OpenTerminalStream(gomock.Any(), ws1, "term-a").Return(sub, nil)
	stream, err := NewService(upstream).OpenLog(context.Background(), ws1, "term-a")
	require.NoError(t, err)

	writeErr := errors.New("broken pipe")
	var delivered []uint64
	err = stream.Relay(context.Background(), SinkFunc(func(_ context.Context, c Chunk) error {
		if c.Seq == 2 {
			return writeErr
		}
		delivered = append(delivered, c.Seq)
		return nil
	}))

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDownstream))
	assert.ErrorIs(t, err, writeErr)
	assert.Equal(t, []uint64{1}, delivered)
	assert.Equal(t, StateFailed, stream.State())

	// Later terminations are no-ops and do not touch the subscription again.
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	assert.Equal(t, StateFailed, stream.State())
	assert.Equal(t, err, stream.Err())
}

func TestLogStream_UpstreamErrorAfterChunks(t *testing.T) {
	upstreamErr := apperrors.New(apperrors.ErrCodeUpstreamStatus, "terminal crashed")
	sub := scripted(upstreamErr, "a", "b")
	stream := openFake(t, context.Background(), sub)

	var mu sync.Mutex
	var chunks []Chunk
	err := stream.Relay(context.Background(), collect(&chunks, &mu))

	require.Error(t, err)
	assert.Same(t, upstreamErr, err)
	assert.Equal(t, []string{"a", "b"}, decodeAll(t, chunks))
	assert.Equal(t, StateFailed, stream.State())
	assert.Equal(t, int32(1), sub.cancels.Load())
}

func TestLogStream_PlainUpstreamErrorIsCoded(t *testing.T) {
	sub := scripted(errors.New("stream reset"))
	stream := openFake(t, context.Background(), sub)

	err := stream.Relay(context.Background(), SinkFunc(func(context.Context, Chunk) error { return nil }))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUpstreamStatus))
}

func TestLogStream_CloseIsIdempotent(t *testing.T) {
	sub := newFakeSubscription(0)
	obs := &recordingObserver{}
	stream := openFake(t, context.Background(), sub, WithObserver(obs))

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	waitDone(t, stream)
	assert.Equal(t, StateCancelled, stream.State())
	assert.True(t, apperrors.IsCode(stream.Err(), apperrors.ErrCodeCanceled))
	assert.Equal(t, int32(1), sub.cancels.Load())
	assert.Len(t, obs.closedSummaries(), 1)

	// A closed stream cannot be started.
	err := stream.Relay(context.Background(), SinkFunc(func(context.Context, Chunk) error {
		t.Fatal("sink called on a closed stream")
		return nil
	}))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCanceled))
	assert.Equal(t, int32(0), sub.receives.Load())
}

func TestLogStream_NotRestartable(t *testing.T) {
	sub := scripted(nil, "a")
	stream := openFake(t, context.Background(), sub)
	sink := SinkFunc(func(context.Context, Chunk) error { return nil })

	require.NoError(t, stream.Relay(context.Background(), sink))
	receives := sub.receives.Load()

	err := stream.Relay(context.Background(), sink)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStreamConsumed))
	assert.Equal(t, receives, sub.receives.Load())
}

func TestLogStream_ConsumerCancellation(t *testing.T) {
	sub := newFakeSubscription(0)
	stream := openFake(t, context.Background(), sub)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- stream.Relay(ctx, SinkFunc(func(context.Context, Chunk) error { return nil }))
	}()

	sub.mustOffer(t, "a")
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCanceled))
	case <-time.After(5 * time.Second):
		t.Fatal("relay kept draining after the consumer went away")
	}
	assert.Equal(t, StateCancelled, stream.State())
	assert.Equal(t, int32(1), sub.cancels.Load())
}

func TestLogStream_CloseDuringRelay(t *testing.T) {
	sub := newFakeSubscription(0)
	stream := openFake(t, context.Background(), sub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- stream.Relay(context.Background(), SinkFunc(func(context.Context, Chunk) error { return nil }))
	}()
	sub.mustOffer(t, "a")

	require.NoError(t, stream.Close())
	err := <-errCh
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCanceled))
	assert.Equal(t, int32(1), sub.cancels.Load())
}

func TestLogStream_AbandonedScopeReleasesUpstream(t *testing.T) {
	sub := newFakeSubscription(0)
	ctx, cancel := context.WithCancel(context.Background())
	stream := openFake(t, ctx, sub)

	cancel()

	waitDone(t, stream)
	assert.Equal(t, StateCancelled, stream.State())
	assert.Equal(t, int32(1), sub.cancels.Load())
}

func TestLogStream_ObserverSummary(t *testing.T) {
	obs := &recordingObserver{}
	sub := scripted(nil, "hello", "world!")
	stream := openFake(t, context.Background(), sub, WithObserver(obs))

	require.NoError(t, stream.Relay(context.Background(), SinkFunc(func(context.Context, Chunk) error { return nil })))

	require.Len(t, obs.opened, 1)
	assert.Equal(t, stream.ID(), obs.opened[0].ID)
	assert.Equal(t, 2, obs.relayed)
	assert.Equal(t, 11, obs.bytes)

	closed := obs.closedSummaries()
	require.Len(t, closed, 1)
	assert.Equal(t, StateCompleted, closed[0].State)
	assert.Equal(t, uint64(2), closed[0].Chunks)
	assert.Equal(t, uint64(11), closed[0].Bytes)
	assert.Equal(t, "ws-1", closed[0].InstanceID)
	assert.Equal(t, "term-a", closed[0].TerminalID)
}

func TestLogStream_NilSink(t *testing.T) {
	sub := scripted(nil)
	stream := openFake(t, context.Background(), sub)
	defer stream.Close()

	err := stream.Relay(context.Background(), nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	assert.Equal(t, StateOpening, stream.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.True(t, StateCancelled.Final())
	assert.False(t, StateStreaming.Final())
}
