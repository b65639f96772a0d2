package codec

import (
	"encoding/json"
	"fmt"

	"swarm-rpc/message"
)

// JSONCodec writes envelopes as plain UTF-8 JSON objects.
type JSONCodec struct{}

func (c *JSONCodec) Encode(env *message.Envelope) ([]byte, error) {
	if err := validate(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (c *JSONCodec) Decode(data []byte, env *message.Envelope) error {
	if err := json.Unmarshal(data, env); err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	return validate(env)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
