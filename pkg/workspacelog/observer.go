package workspacelog

import (
	"time"

	"github.com/odvcencio/headlesslogs/pkg/workspace"
)

// Observer receives bridge events. Implementations must not block; they are
// called on the relay goroutine.
type Observer interface {
	TasksQueried(ref workspace.InstanceRef, tasks int, err error, elapsed time.Duration)
	StreamOpened(info StreamInfo)
	ChunkRelayed(info StreamInfo, bytes int)
	StreamClosed(summary StreamSummary)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) TasksQueried(workspace.InstanceRef, int, error, time.Duration) {}
func (NopObserver) StreamOpened(StreamInfo)                                      {}
func (NopObserver) ChunkRelayed(StreamInfo, int)                                 {}
func (NopObserver) StreamClosed(StreamSummary)                                   {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) TasksQueried(ref workspace.InstanceRef, tasks int, err error, elapsed time.Duration) {
	for _, obs := range o {
		obs.TasksQueried(ref, tasks, err, elapsed)
	}
}

func (o Observers) StreamOpened(info StreamInfo) {
	for _, obs := range o {
		obs.StreamOpened(info)
	}
}

func (o Observers) ChunkRelayed(info StreamInfo, bytes int) {
	for _, obs := range o {
		obs.ChunkRelayed(info, bytes)
	}
}

func (o Observers) StreamClosed(summary StreamSummary) {
	for _, obs := range o {
		obs.StreamClosed(summary)
	}
}
