package codec

import (
	"testing"

	"swarm-rpc/message"
)

func sampleEnvelope(t *testing.T) *message.Envelope {
	args, err := message.EncodeArgs("anakin")
	if err != nil {
		t.Fatal(err)
	}
	return &message.Envelope{
		Type:          message.TypeRequest,
		CorrelationID: "c-1",
		Name:          "hello there",
		Args:          args,
	}
}

func TestCodecs(t *testing.T) {
	for _, c := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		orig := sampleEnvelope(t)
		data, err := c.Encode(orig)
		if err != nil {
			t.Fatalf("%s Encode failed: %v", c.Type(), err)
		}

		var decoded message.Envelope
		if err := c.Decode(data, &decoded); err != nil {
			t.Fatalf("%s Decode failed: %v", c.Type(), err)
		}
		if decoded.Type != orig.Type || decoded.CorrelationID != orig.CorrelationID || decoded.Name != orig.Name {
			t.Errorf("%s mismatch: got %+v", c.Type(), decoded)
		}
		if message.Args(decoded.Args).String(0) != "anakin" {
			t.Errorf("%s args mismatch: got %s", c.Type(), decoded.Args)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	inputs := [][]byte{
		[]byte("not json"),
		[]byte(`{"type":"bogus"}`),
		[]byte(`{"name":"no type"}`),
		{},
	}
	for _, c := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		for _, in := range inputs {
			var env message.Envelope
			if err := c.Decode(in, &env); err == nil {
				t.Fatalf("%s: expect error decoding %q", c.Type(), in)
			}
		}
	}
}

func TestBinaryRejectsTypeMismatch(t *testing.T) {
	c := &BinaryCodec{}
	data, err := c.Encode(&message.Envelope{Type: message.TypePing, CorrelationID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	// flip the header byte to pong while the body still says ping
	data[5]++
	var env message.Envelope
	if err := c.Decode(data, &env); err == nil {
		t.Fatal("expect mismatch error")
	}
}

func TestParseCodecType(t *testing.T) {
	if ct, _ := ParseCodecType("binary"); GetCodec(ct).Type() != CodecTypeBinary {
		t.Fatal("expect binary codec")
	}
	if ct, _ := ParseCodecType(""); GetCodec(ct).Type() != CodecTypeJSON {
		t.Fatal("expect json codec by default")
	}
	if _, err := ParseCodecType("xml"); err == nil {
		t.Fatal("expect error for xml")
	}
}
