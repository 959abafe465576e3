package generic

import (
	"bytes"
	"testing"
)

func writeToString(t *testing.T, obj Object) string {
	t.Helper()
	var buf bytes.Buffer
	if err := obj.Write(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	return buf.String()
}

func TestObjectSerialization(t *testing.T) {
	tests := []struct {
		name string
		obj  Object
		want string
	}{
		{"null", Null{}, "null"},
		{"true", Boolean(true), "true"},
		{"false", Boolean(false), "false"},
		{"integer", Integer(-42), "-42"},
		{"real", Real(1.5), "1.5"},
		{"name", Name("Type"), "/Type"},
		{"name escaped", Name("A B#"), "/A#20B#23"},
		{"literal string", NewLiteralString("hi (there)"), `(hi \(there\))`},
		{"hex string", NewHexString([]byte{0xDE, 0xAD}), "<dead>"},
		{"reference", Ref{Num: 12, Gen: 0}, "12 0 R"},
		{"array", Array{Integer(1), Name("X"), Boolean(false)}, "[1 /X false]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := writeToString(t, tt.obj)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTextString(t *testing.T) {
	ascii := NewTextString("plain")
	if len(ascii.Value) != 5 {
		t.Errorf("ascii text should stay single byte, got %d bytes", len(ascii.Value))
	}
	wide := NewTextString("ação")
	if got := wide.Text(); got != "ação" && string(wide.Value) != "ação" {
		t.Errorf("round trip lost text: %q", got)
	}
	utf16 := NewTextString("日本")
	if len(utf16.Value) < 2 || utf16.Value[0] != 0xFE || utf16.Value[1] != 0xFF {
		t.Fatalf("expected UTF-16BE BOM, got % x", utf16.Value[:2])
	}
	if got := utf16.Text(); got != "日本" {
		t.Errorf("Text() = %q, want 日本", got)
	}
	// Code points beyond the BMP need a surrogate pair.
	astral := NewTextString("a\U0001F600")
	want := []byte{0xFE, 0xFF, 0x00, 'a', 0xD8, 0x3D, 0xDE, 0x00}
	if !bytes.Equal(astral.Value, want) {
		t.Errorf("astral encoding = % x, want % x", astral.Value, want)
	}
	if got := astral.Text(); got != "a\U0001F600" {
		t.Errorf("astral Text() = %q", got)
	}
}

func TestDictOrderAndAccessors(t *testing.T) {
	d := NewDict()
	d.Set("Type", Name("Page"))
	d.Set("Count", Integer(3))
	d.Set("Kids", Array{Ref{Num: 4, Gen: 0}})
	d.Set("Type", Name("Pages")) // overwrite keeps position

	if got := d.Keys(); len(got) != 3 || got[0] != "Type" || got[1] != "Count" {
		t.Fatalf("unexpected key order: %v", got)
	}
	if d.GetName("Type") != "Pages" {
		t.Errorf("GetName(Type) = %q", d.GetName("Type"))
	}
	if n, ok := d.GetInt("Count"); !ok || n != 3 {
		t.Errorf("GetInt(Count) = %d, %t", n, ok)
	}
	if a := d.GetArray("Kids"); len(a) != 1 {
		t.Errorf("GetArray(Kids) = %v", a)
	}
	d.Delete("Count")
	if d.Has("Count") {
		t.Error("Count should be gone")
	}
	if got := d.Keys(); len(got) != 2 {
		t.Errorf("keys after delete: %v", got)
	}
}

func TestParseObjects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, obj Object)
	}{
		{"integer", "123", func(t *testing.T, obj Object) {
			if obj != Integer(123) {
				t.Errorf("got %v", obj)
			}
		}},
		{"negative real", "-0.5", func(t *testing.T, obj Object) {
			if obj != Real(-0.5) {
				t.Errorf("got %v", obj)
			}
		}},
		{"reference", "7 0 R", func(t *testing.T, obj Object) {
			if obj != (Ref{Num: 7, Gen: 0}) {
				t.Errorf("got %v", obj)
			}
		}},
		{"two plain integers are not a reference", "7 0 Rx", func(t *testing.T, obj Object) {
			if obj != Integer(7) {
				t.Errorf("got %v", obj)
			}
		}},
		{"name with escape", "/Adobe#20PPKLite", func(t *testing.T, obj Object) {
			if obj != Name("Adobe PPKLite") {
				t.Errorf("got %v", obj)
			}
		}},
		{"literal with octal", `(a\101b)`, func(t *testing.T, obj Object) {
			s := obj.(*String)
			if string(s.Value) != "aAb" {
				t.Errorf("got %q", s.Value)
			}
		}},
		{"nested parens", "(a(b)c)", func(t *testing.T, obj Object) {
			s := obj.(*String)
			if string(s.Value) != "a(b)c" {
				t.Errorf("got %q", s.Value)
			}
		}},
		{"hex odd length", "<48454c>", func(t *testing.T, obj Object) {
			s := obj.(*String)
			if string(s.Value) != "HEL" {
				t.Errorf("got % x", s.Value)
			}
		}},
		{"array", "[1 2 /Three (4)]", func(t *testing.T, obj Object) {
			a := obj.(Array)
			if len(a) != 4 {
				t.Fatalf("len = %d", len(a))
			}
			if a[2] != Name("Three") {
				t.Errorf("a[2] = %v", a[2])
			}
		}},
		{"dict", "<< /Type /Catalog /Pages 2 0 R >>", func(t *testing.T, obj Object) {
			d := obj.(*Dict)
			if d.GetName("Type") != "Catalog" {
				t.Errorf("Type = %q", d.GetName("Type"))
			}
			if d.Get("Pages") != (Ref{Num: 2, Gen: 0}) {
				t.Errorf("Pages = %v", d.Get("Pages"))
			}
		}},
		{"null", "null", func(t *testing.T, obj Object) {
			if _, ok := obj.(Null); !ok {
				t.Errorf("got %T", obj)
			}
		}},
		{"comment skipped", "% a comment\n42", func(t *testing.T, obj Object) {
			if obj != Integer(42) {
				t.Errorf("got %v", obj)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := NewParser([]byte(tt.input)).ParseObject()
			if err != nil {
				t.Fatalf("parse %q: %v", tt.input, err)
			}
			tt.check(t, obj)
		})
	}
}

func TestParseIndirectObjectWithStream(t *testing.T) {
	input := []byte("5 0 obj\n<< /Length 11 >>\nstream\nhello world\nendstream\nendobj\n")
	ind, err := NewParser(input).ParseIndirectObject(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ind.Num != 5 || ind.Gen != 0 {
		t.Errorf("object id = %d %d", ind.Num, ind.Gen)
	}
	st, ok := ind.Object.(*Stream)
	if !ok {
		t.Fatalf("expected stream, got %T", ind.Object)
	}
	if string(st.Data) != "hello world" {
		t.Errorf("stream data = %q", st.Data)
	}
}

func TestParseIndirectObjectIndirectLength(t *testing.T) {
	input := []byte("5 0 obj\n<< /Length 6 0 R >>\nstream\nabc\nendstream\nendobj\n")
	ind, err := NewParser(input).ParseIndirectObject(func(r Ref) (int64, error) {
		if r.Num != 6 {
			t.Errorf("unexpected length ref %v", r)
		}
		return 3, nil
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	st := ind.Object.(*Stream)
	if string(st.Data) != "abc" {
		t.Errorf("stream data = %q", st.Data)
	}
}

func TestRoundTripThroughParser(t *testing.T) {
	d := NewDict()
	d.Set("Type", Name("Sig"))
	d.Set("ByteRange", Array{Integer(0), Integer(100), Integer(200), Integer(50)})
	d.Set("Contents", NewHexString([]byte{1, 2, 3}))
	d.Set("Reason", NewLiteralString("approval"))

	var buf bytes.Buffer
	if err := d.Write(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	parsed, err := NewParser(buf.Bytes()).ParseObject()
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	d2 := parsed.(*Dict)
	if d2.GetName("Type") != "Sig" {
		t.Errorf("Type = %q", d2.GetName("Type"))
	}
	br := d2.GetArray("ByteRange")
	if len(br) != 4 || br[1] != Integer(100) {
		t.Errorf("ByteRange = %v", br)
	}
	if s, ok := d2.Get("Contents").(*String); !ok || !bytes.Equal(s.Value, []byte{1, 2, 3}) {
		t.Errorf("Contents = %v", d2.Get("Contents"))
	}
}

func TestRectFromArray(t *testing.T) {
	r, err := RectFromArray(Array{Integer(0), Integer(0), Real(595.32), Real(841.92)})
	if err != nil {
		t.Fatalf("rect: %v", err)
	}
	if r.Width() != 595.32 || r.Height() != 841.92 {
		t.Errorf("dims = %f x %f", r.Width(), r.Height())
	}
	if _, err := RectFromArray(Array{Integer(1)}); err == nil {
		t.Error("expected error for short array")
	}
}
