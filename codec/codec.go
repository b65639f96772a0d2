// Package codec turns envelopes into bytes and back.
package codec

import (
	"fmt"

	"swarm-rpc/message"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(env *message.Envelope) ([]byte, error)
	Decode(data []byte, env *message.Envelope) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeBinary {
		return &BinaryCodec{}
	}
	return &JSONCodec{}
}

// ParseCodecType maps a configuration name to a codec type.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

func (t CodecType) String() string {
	if t == CodecTypeBinary {
		return "binary"
	}
	return "json"
}

func validate(env *message.Envelope) error {
	if !env.Type.Valid() {
		return fmt.Errorf("codec: unknown envelope type %q", env.Type)
	}
	return nil
}
