package message

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEnvelopeWireNames(t *testing.T) {
	args, err := EncodeArgs("anakin", 3)
	if err != nil {
		t.Fatal(err)
	}
	env := &Envelope{
		Type:          TypeServerRequest,
		CorrelationID: "abc",
		Name:          "hello there",
		Args:          args,
		ReplyTo:       "swarm.client.b",
		Sender:        "b",
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Failed to marshal envelope: %v", err)
	}
	for _, key := range []string{`"type":"server-request"`, `"correlationId":"abc"`, `"replyTo":"swarm.client.b"`, `"args":["anakin",3]`} {
		if !strings.Contains(string(data), key) {
			t.Fatalf("expect %s in %s", key, data)
		}
	}

	var back Envelope
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Failed to unmarshal envelope: %v", err)
	}
	if Args(back.Args).String(0) != "anakin" {
		t.Fatalf("expect anakin, got %q", Args(back.Args).String(0))
	}
}

func TestReplyKinds(t *testing.T) {
	cases := []struct {
		req, ok, fail Type
	}{
		{TypeRequest, TypeResponse, TypeError},
		{TypeServerRequest, TypeServerResponse, TypeServerError},
		{TypeRemoteClientRequest, TypeRemoteClientResponse, TypeRemoteClientError},
	}
	for _, tc := range cases {
		ok, _ := ResponseFor(tc.req)
		fail, _ := ErrorFor(tc.req)
		if ok != tc.ok || fail != tc.fail {
			t.Fatalf("%s: expect %s/%s, got %s/%s", tc.req, tc.ok, tc.fail, ok, fail)
		}
		if !tc.req.IsRequest() || !ok.IsResponse() || !fail.IsError() {
			t.Fatalf("%s: classification mismatch", tc.req)
		}
	}
	if _, ok := ResponseFor(TypePing); ok {
		t.Fatal("ping has no reply kind")
	}
	if Type("bogus").Valid() {
		t.Fatal("expect bogus to be invalid")
	}
}

func TestArgsBind(t *testing.T) {
	args := Args{json.RawMessage(`{"a":1}`), json.RawMessage(`"x"`)}
	var v struct{ A int }
	if err := args.Bind(0, &v); err != nil || v.A != 1 {
		t.Fatalf("expect A=1, got %+v (%v)", v, err)
	}
	var n int
	if err := args.Bind(1, &n); err == nil {
		t.Fatal("expect error binding string into int")
	}
	if err := args.Bind(5, &n); err != nil {
		t.Fatalf("missing arg should be a no-op, got %v", err)
	}
}

func TestMarshal(t *testing.T) {
	raw, err := Marshal(json.RawMessage(`["empire"]`))
	if err != nil || string(raw) != `["empire"]` {
		t.Fatalf("expect raw passthrough, got %s %v", raw, err)
	}
	raw, err = Marshal(map[string]int{"order": 66})
	if err != nil || string(raw) != `{"order":66}` {
		t.Fatalf("expect {\"order\":66}, got %s %v", raw, err)
	}
	if _, err := Marshal(make(chan int)); err == nil {
		t.Fatal("expect error for a channel")
	}
}
