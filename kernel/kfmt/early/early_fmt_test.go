package early

import "testing"

type bufSink struct{ buf []byte }

func (b *bufSink) WriteByte(c byte) { b.buf = append(b.buf, c) }
func (b *bufSink) Write(p []byte)   { b.buf = append(b.buf, p...) }

func TestPrintf(t *testing.T) {
	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"no verbs here", nil, "no verbs here"},
		{"%s", []interface{}{"hi"}, "hi"},
		{"%5s|", []interface{}{"hi"}, "   hi|"},
		{"%d", []interface{}{42}, "42"},
		{"%d", []interface{}{-42}, "-42"},
		{"%5d|", []interface{}{int64(7)}, "    7|"},
		{"%x", []interface{}{uint32(255)}, "0xff"},
		{"%o", []interface{}{uint8(8)}, "10"},
		{"%t %t", []interface{}{true, false}, "true false"},
		{"%%", nil, "%"},
		{"%s", nil, "(MISSING)"},
		{"%d", []interface{}{"oops"}, "%!(WRONGTYPE)"},
		{"no verb %z", nil, "no verb %!(NOVERB)"},
		{"%s", []interface{}{"hi", "extra"}, "hi%!(EXTRA)"},
	}

	for specIndex, spec := range specs {
		s := &bufSink{}
		SetSink(s)

		Printf(spec.format, spec.args...)

		if got := string(s.buf); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}

	SetSink(nil)
}

func TestMultiSink(t *testing.T) {
	a := &bufSink{}
	b := &bufSink{}
	SetSink(MultiSink{a, b})

	Printf("x=%d", 7)

	if string(a.buf) != "x=7" || string(b.buf) != "x=7" {
		t.Fatalf("expected both sinks to receive %q; got %q and %q", "x=7", a.buf, b.buf)
	}

	SetSink(nil)
}
