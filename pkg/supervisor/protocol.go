package supervisor

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Procedures exposed by the in-workspace agent.
const (
	TasksStatusProcedure = "/supervisor.StatusService/TasksStatus"
	ListenProcedure      = "/supervisor.TerminalService/Listen"
)

// TaskState mirrors the agent's task lifecycle enum.
type TaskState int32

const (
	TaskStateOpening TaskState = 0
	TaskStateRunning TaskState = 1
	TaskStateClosed  TaskState = 2
)

func (s TaskState) String() string {
	switch s {
	case TaskStateOpening:
		return "opening"
	case TaskStateRunning:
		return "running"
	case TaskStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
}

// wireMessage is implemented by every message the codec can carry.
type wireMessage interface {
	appendWire(b []byte) []byte
	consumeWire(b []byte) error
}

// TasksStatusRequest asks for the current task list. Observe=false requests a
// single snapshot instead of a live feed.
type TasksStatusRequest struct {
	Observe bool
}

func (m *TasksStatusRequest) appendWire(b []byte) []byte {
	if m.Observe {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func (m *TasksStatusRequest) consumeWire(b []byte) error {
	*m = TasksStatusRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			m.Observe = v != 0
			return n, nil
		}
		return skipField, nil
	})
}

// TaskPresentation carries display hints for a task.
type TaskPresentation struct {
	Name string
}

func (m *TaskPresentation) appendWire(b []byte) []byte {
	if m.Name != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Name)
	}
	return b
}

func (m *TaskPresentation) consumeWire(b []byte) error {
	*m = TaskPresentation{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			m.Name = v
			return n, nil
		}
		return skipField, nil
	})
}

// TaskStatus describes one background task inside the workspace.
type TaskStatus struct {
	ID           string
	State        TaskState
	Terminal     string
	Presentation *TaskPresentation
}

func (m *TaskStatus) appendWire(b []byte) []byte {
	if m.ID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.ID)
	}
	if m.State != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.State))
	}
	if m.Terminal != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.Terminal)
	}
	if m.Presentation != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Presentation.appendWire(nil))
	}
	return b
}

func (m *TaskStatus) consumeWire(b []byte) error {
	*m = TaskStatus{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.ID = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.State = TaskState(int32(v))
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Terminal = v
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			m.Presentation = &TaskPresentation{}
			return n, m.Presentation.consumeWire(v)
		}
		return skipField, nil
	})
}

// TasksStatusResponse is one snapshot of the task list.
type TasksStatusResponse struct {
	Tasks []*TaskStatus
}

func (m *TasksStatusResponse) appendWire(b []byte) []byte {
	for _, task := range m.Tasks {
		if task == nil {
			continue
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, task.appendWire(nil))
	}
	return b
}

func (m *TasksStatusResponse) consumeWire(b []byte) error {
	*m = TasksStatusResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			task := &TaskStatus{}
			if err := task.consumeWire(v); err != nil {
				return n, err
			}
			m.Tasks = append(m.Tasks, task)
			return n, nil
		}
		return skipField, nil
	})
}

// ListenTerminalRequest subscribes to the output of one terminal.
type ListenTerminalRequest struct {
	Alias string
}

func (m *ListenTerminalRequest) appendWire(b []byte) []byte {
	if m.Alias != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Alias)
	}
	return b
}

func (m *ListenTerminalRequest) consumeWire(b []byte) error {
	*m = ListenTerminalRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			m.Alias = v
			return n, nil
		}
		return skipField, nil
	})
}

// ListenTerminalResponse is one terminal event. Exactly one of Data,
// ExitCode or Title is meaningful, selected by Kind.
type ListenTerminalResponse struct {
	Kind     OutputKind
	Data     []byte
	ExitCode int32
	Title    string
}

// OutputKind selects the populated field of a ListenTerminalResponse.
type OutputKind int

const (
	OutputNone OutputKind = iota
	OutputData
	OutputExitCode
	OutputTitle
)

func (m *ListenTerminalResponse) appendWire(b []byte) []byte {
	switch m.Kind {
	case OutputData:
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	case OutputExitCode:
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.ExitCode)))
	case OutputTitle:
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.Title)
	}
	return b
}

func (m *ListenTerminalResponse) consumeWire(b []byte) error {
	*m = ListenTerminalResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Kind = OutputData
			m.Data = append([]byte(nil), v...)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Kind = OutputExitCode
			m.ExitCode = int32(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Kind = OutputTitle
			m.Title = v
			return n, nil
		}
		return skipField, nil
	})
}

// skipField tells consumeFields to skip a field the message does not know.
const skipField = math.MinInt

// consumeFields walks the top-level fields of b. fn returns the number of
// bytes it consumed for the field value, or skipField.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		consumed, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if consumed == skipField {
			consumed = protowire.ConsumeFieldValue(num, typ, b)
		}
		if consumed < 0 {
			return protowire.ParseError(consumed)
		}
		b = b[consumed:]
	}
	return nil
}
