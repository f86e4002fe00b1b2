package meshproto

import (
	"reflect"
	"testing"
)

func FuzzParseClient(f *testing.F) {
	f.Add([]byte(`{"type":"join","roomId":"r1","displayName":"Ada"}`))
	f.Add([]byte(`{"type":"offer","to":"m2","sdp":{"type":"offer","sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"candidate","to":"m2","candidate":{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host","sdpMid":"0","sdpMLineIndex":0}}`))
	f.Add([]byte(`{"type":"media-update","audio":false,"video":true}`))
	f.Add([]byte(`{"type":"chat","text":"hello"}`))
	f.Add([]byte(`{"type":"presentation-start"}`))

	// Known-bad cases.
	f.Add([]byte(`{"type":"offer","to":"m2","from":"m9","sdp":{"type":"offer","sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"leave"}{"type":"leave"}`))
	f.Add([]byte(`{"type":"roster","roomId":"r1","memberId":"m1"}`))
	f.Add([]byte(`[]`))
	f.Add([]byte{})

	limits := Limits{MaxChatBytes: 64}
	f.Fuzz(func(t *testing.T, data []byte) {
		msg1, err1 := ParseClient(data, limits)
		msg2, err2 := ParseClient(data, limits)
		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("non-deterministic parse result: err1=%v err2=%v", err1, err2)
		}
		if err1 != nil {
			return
		}
		if !reflect.DeepEqual(msg1, msg2) {
			t.Fatalf("non-deterministic parse output: msg1=%#v msg2=%#v", msg1, msg2)
		}

		// A client frame never carries a sender; the server stamps it.
		if msg1.From != "" {
			t.Fatalf("accepted client frame with from=%q", msg1.From)
		}

		b, err := Encode(msg1)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		round, err := ParseClient(b, limits)
		if err != nil {
			t.Fatalf("re-parse of %s: %v", b, err)
		}
		if round.Type != msg1.Type {
			t.Fatalf("round trip changed type %q -> %q", msg1.Type, round.Type)
		}
	})
}
