package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"swarm-rpc/message"
	"swarm-rpc/protocol"
)

// BinaryCodec wraps the JSON body in a protocol frame. The envelope type travels
// in the header, so a frame whose header and body disagree is rejected.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(env *message.Envelope) ([]byte, error) {
	mt, err := protocol.MsgTypeOf(env.Type)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(protocol.HeaderSize + len(body))
	header := protocol.Header{
		CodecType: protocol.CodecTypeBinary,
		MsgType:   mt,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(&buf, &header, body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *BinaryCodec) Decode(data []byte, env *message.Envelope) error {
	header, body, err := protocol.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	if err := json.Unmarshal(body, env); err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	kind, _ := header.MsgType.Envelope()
	if env.Type != kind {
		return fmt.Errorf("codec: header type %q does not match body type %q", kind, env.Type)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
