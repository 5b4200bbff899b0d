package graph

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tliron/commonlog"
	"github.com/tliron/commonlog/simple"
)

func TestTracing(t *testing.T) {
	var buf bytes.Buffer
	b := simple.NewBackend()
	b.Buffered = false
	b.Configure(2, nil)
	b.Writer = &buf
	commonlog.SetBackend(b)
	t.Cleanup(func() { commonlog.SetBackend(nil) })

	g := New()
	mark := g.Mark()
	p := g.AddAux(OpParameter, i32, 0, nil)
	g.Add(OpNeg, i32, p)
	g.Truncate(mark)

	out := buf.String()
	for _, want := range []string{"add " + p.String(), "truncate to " + mark.String()} {
		if !strings.Contains(out, want) {
			t.Errorf("trace doesn't contain %q:\n%s", want, out)
		}
	}

	buf.Reset()
	b.Configure(0, nil)
	b.Writer = &buf
	g.AddAux(OpParameter, i32, 0, nil)
	if buf.Len() != 0 {
		t.Errorf("traced without debug logging:\n%s", buf.String())
	}
}
