package transport

import (
	"bytes"
	"strings"
	"testing"

	"github.com/inkbridge/calibre-device/internal/calibre"
)

// TestReadFrameRoundTrip checks that for every frame WriteFrame
// produces, ReadFrame recovers an equivalent Frame - the round-trip
// property from spec.md §8.
func TestReadFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		op   calibre.OpCode
		arg  map[string]interface{}
	}{
		{"empty args", calibre.OK, map[string]interface{}{}},
		{"init challenge", calibre.GetInitializationInfo, map[string]interface{}{"passwordChallenge": ""}},
		{"book count", calibre.GetBookCount, map[string]interface{}{"on_card": "", "willUseCachedMetadata": true}},
		{"send book", calibre.SendBook, map[string]interface{}{"lpath": "a/b.epub", "length": float64(11)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			c := NewConn(&buf)
			if err := c.WriteFrame(tt.op, tt.arg); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			frame, err := c.ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if frame.Op != tt.op {
				t.Errorf("op = %v, want %v", frame.Op, tt.op)
			}
			if len(frame.Args) != len(tt.arg) {
				t.Errorf("args = %v, want %v", frame.Args, tt.arg)
			}
			for k, v := range tt.arg {
				if frame.Args[k] != v {
					t.Errorf("args[%s] = %v, want %v", k, frame.Args[k], v)
				}
			}
		})
	}
}

// TestReadFrameLiteral exercises the literal GET_INITIALIZATION_INFO frame
// from spec.md §8 scenario 1; its length prefix counts the 28 bytes from
// the leading '['.
func TestReadFrameLiteral(t *testing.T) {
	literal := `28[9,{"passwordChallenge":""}]`
	r := strings.NewReader(literal)
	c := NewConn(struct {
		*strings.Reader
		*bytes.Buffer
	}{r, &bytes.Buffer{}})
	frame, err := c.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Op != calibre.GetInitializationInfo {
		t.Errorf("op = %v, want GetInitializationInfo", frame.Op)
	}
	if frame.Args["passwordChallenge"] != "" {
		t.Errorf("passwordChallenge = %v, want empty string", frame.Args["passwordChallenge"])
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	literal := "99999999[0,{}]"
	r := strings.NewReader(literal)
	c := NewConn(struct {
		*strings.Reader
		*bytes.Buffer
	}{r, &bytes.Buffer{}})
	_, err := c.ReadFrame()
	if err == nil {
		t.Fatal("expected an error for an oversized frame")
	}
}

func TestBookBodyRoundTrip(t *testing.T) {
	body := []byte("hello world")
	var wireBuf bytes.Buffer
	writer := NewConn(&wireBuf)
	if err := writer.WriteBookBody(bytes.NewReader(body), int64(len(body))); err != nil {
		t.Fatalf("WriteBookBody: %v", err)
	}
	reader := NewConn(&wireBuf)
	var out bytes.Buffer
	if err := reader.ReadBookBody(&out, int64(len(body))); err != nil {
		t.Fatalf("ReadBookBody: %v", err)
	}
	if out.String() != string(body) {
		t.Errorf("got %q, want %q", out.String(), string(body))
	}
}
