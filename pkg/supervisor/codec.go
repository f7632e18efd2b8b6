package supervisor

import (
	"fmt"

	"connectrpc.com/connect"
)

// codecName replaces Connect's default protobuf codec: the supervisor speaks
// binary protobuf, and these messages encode themselves with protowire.
const codecName = "proto"

type wireCodec struct{}

// Codec returns the Connect codec for supervisor messages. Clients and test
// handlers must both install it.
func Codec() connect.Codec {
	return wireCodec{}
}

// CodecOption installs Codec on a Connect client or handler.
func CodecOption() connect.Option {
	return connect.WithCodec(wireCodec{})
}

func (wireCodec) Name() string {
	return codecName
}

func (wireCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("supervisor codec: %T is not a supervisor message", v)
	}
	return msg.appendWire(nil), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("supervisor codec: %T is not a supervisor message", v)
	}
	if err := msg.consumeWire(data); err != nil {
		return fmt.Errorf("supervisor codec: decode %T: %w", v, err)
	}
	return nil
}
