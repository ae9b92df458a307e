package codec

import (
	"errors"
	"reflect"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

type person struct {
	ID   int32
	Name string
	Age  int32
}

type userID int64

func TestRoundTripPrimitives(t *testing.T) {
	cases := []struct {
		name string
		v    any
		rt   Type
	}{
		{"int32", int32(330), Int32},
		{"negative int32", int32(-7), Int32},
		{"int64", int64(1 << 40), Int64},
		{"string", "hello world", String},
		{"empty string", "", String},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode("echo", tc.v)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := Decode(data, tc.rt)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got != tc.v {
				t.Fatalf("expect %#v, got %#v", tc.v, got)
			}
		})
	}
}

func TestEncodeAddEnvelope(t *testing.T) {
	data, err := Encode("add", int32(100), int32(230))
	if err != nil {
		t.Fatal(err)
	}

	var elems []any
	if err := msgpack.Unmarshal(data, &elems); err != nil {
		t.Fatalf("envelope is not a msgpack array: %v", err)
	}
	if len(elems) != 3 {
		t.Fatalf("expect 3 elements, got %d", len(elems))
	}
	if elems[0] != "add" || elems[1] != int32(100) || elems[2] != int32(230) {
		t.Fatalf("unexpected envelope %#v", elems)
	}

	reply, err := Encode("add", int32(330))
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(reply, Int32)
	if err != nil {
		t.Fatal(err)
	}
	if got != int32(330) {
		t.Fatalf("expect 330, got %v", got)
	}
}

func TestIntegersKeepWidth(t *testing.T) {
	data, _ := Encode("f", int32(1), int64(1))
	// array(3) + fixstr "f" + d2 xx xx xx xx + d3 xx*8
	if len(data) != 1+2+5+9 {
		t.Fatalf("expect fixed-width integers, envelope is %d bytes", len(data))
	}
	if data[3] != msgpcode.Int32 || data[8] != msgpcode.Int64 {
		t.Fatalf("unexpected integer codes %x %x", data[3], data[8])
	}
}

func TestWidthMismatchRejected(t *testing.T) {
	narrow, _ := Encode("f", int32(5))
	wide, _ := Encode("f", int64(5))

	if _, err := Decode(narrow, Int64); !errors.Is(err, ErrDecoding) {
		t.Fatalf("int32 payload decoded as int64: expect ErrDecoding, got %v", err)
	}
	if _, err := Decode(wide, Int32); !errors.Is(err, ErrDecoding) {
		t.Fatalf("int64 payload decoded as int32: expect ErrDecoding, got %v", err)
	}

	// A peer that packs integers compactly does not satisfy a fixed-width type.
	compact, _ := msgpack.Marshal([]any{"f", 5})
	if _, err := Decode(compact, Int32); !errors.Is(err, ErrDecoding) {
		t.Fatalf("compact integer decoded as int32: expect ErrDecoding, got %v", err)
	}
}

func TestNilMarker(t *testing.T) {
	var p *person
	data, err := Encode("f", nil, p)
	if err != nil {
		t.Fatal(err)
	}
	if data[len(data)-1] != msgpcode.Nil || data[len(data)-2] != msgpcode.Nil {
		t.Fatalf("expect two nil markers, got %x", data)
	}

	reply, _ := Encode("f", nil)
	for _, rt := range []Type{Nil, Int32, Int64, String, TypeFor[person]()} {
		got, err := Decode(reply, rt)
		if err != nil {
			t.Fatalf("nil decoded as %s: %v", rt, err)
		}
		if got != nil {
			t.Fatalf("nil decoded as %s gave %#v", rt, got)
		}
	}
}

func TestNilTypeDiscardsValue(t *testing.T) {
	reply, _ := Encode("hello", "ignored")
	got, err := Decode(reply, Nil)
	if err != nil || got != nil {
		t.Fatalf("expect (nil, nil), got (%v, %v)", got, err)
	}
}

func TestStructRoundTrip(t *testing.T) {
	in := person{ID: 1, Name: "tom", Age: 20}
	data, err := Encode("get_person", in)
	if err != nil {
		t.Fatal(err)
	}

	// Fields travel as an ordered array, not a map.
	var elems []any
	if err := msgpack.Unmarshal(data, &elems); err != nil {
		t.Fatal(err)
	}
	fields, ok := elems[1].([]any)
	if !ok || len(fields) != 3 || fields[1] != "tom" {
		t.Fatalf("expect array-encoded struct, got %#v", elems[1])
	}

	got, err := Decode(data, TypeFor[person]())
	if err != nil {
		t.Fatal(err)
	}
	if got != in {
		t.Fatalf("expect %+v, got %+v", in, got)
	}

	ptr, err := Decode(data, TypeFor[*person]())
	if err != nil {
		t.Fatal(err)
	}
	if p, ok := ptr.(*person); !ok || *p != in {
		t.Fatalf("expect *person %+v, got %#v", in, ptr)
	}
}

func TestStructFieldsKeepWidth(t *testing.T) {
	type wide struct{ A int64 }
	type narrow struct{ A int32 }

	data := mustEncode(t, "reply", wide{A: 1 << 40})
	if _, err := Decode(data, TypeFor[narrow]()); !errors.Is(err, ErrDecoding) {
		t.Fatalf("int64 field decoded as int32: expect ErrDecoding, got %v", err)
	}
	data = mustEncode(t, "reply", narrow{A: 1})
	if _, err := Decode(data, TypeFor[wide]()); !errors.Is(err, ErrDecoding) {
		t.Fatalf("int32 field decoded as int64: expect ErrDecoding, got %v", err)
	}

	// Fields packed compactly by another encoder do not satisfy fixed-width fields.
	compact, _ := msgpack.Marshal([]any{"f", []any{1, "tom", 20}})
	if _, err := Decode(compact, TypeFor[person]()); !errors.Is(err, ErrDecoding) {
		t.Fatalf("compact fields decoded as person: expect ErrDecoding, got %v", err)
	}

	type small struct{ B int8 }
	type big struct{ B int16 }
	data = mustEncode(t, "reply", big{B: 300})
	if _, err := Decode(data, TypeFor[small]()); !errors.Is(err, ErrDecoding) {
		t.Fatalf("300 decoded as int8: expect ErrDecoding, got %v", err)
	}

	type pair struct{ A, B int32 }
	data = mustEncode(t, "reply", narrow{A: 1})
	if _, err := Decode(data, TypeFor[pair]()); !errors.Is(err, ErrDecoding) {
		t.Fatalf("field count mismatch: expect ErrDecoding, got %v", err)
	}
}

func TestNestedStructRoundTrip(t *testing.T) {
	type address struct {
		City string
		Zip  int32
	}
	type account struct {
		Owner   person
		Home    *address
		Work    *address
		Tags    []string
		Scores  map[string]int64
		Raw     []byte
		Flags   [2]bool
		Ratio   float64
		Level   uint16
		Skipped string `msgpack:"-"`
		hidden  int
	}

	in := account{
		Owner:   person{ID: 1, Name: "tom", Age: 20},
		Home:    &address{City: "Paris", Zip: 75001},
		Tags:    []string{"a", "b"},
		Scores:  map[string]int64{"x": 1 << 40},
		Raw:     []byte{1, 2, 3},
		Flags:   [2]bool{true, false},
		Ratio:   0.5,
		Level:   7,
		Skipped: "dropped",
		hidden:  9,
	}
	got, err := Decode(mustEncode(t, "reply", in), TypeFor[account]())
	if err != nil {
		t.Fatal(err)
	}
	out := got.(account)

	in.Skipped, in.hidden = "", 0
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("expect %+v, got %+v", in, out)
	}
	if out.Work != nil {
		t.Fatalf("expect nil pointer field to stay nil, got %+v", out.Work)
	}
}

func TestEncodeRejects(t *testing.T) {
	type opaque struct {
		secret int
	}
	type withIface struct {
		V any
	}
	type withChan struct {
		C chan int
	}

	cases := []struct {
		name string
		fn   string
		args []any
	}{
		{"empty name", "", nil},
		{"plain int", "f", []any{42}},
		{"float", "f", []any{1.5}},
		{"slice", "f", []any{[]int32{1}}},
		{"func", "f", []any{func() {}}},
		{"no exported fields", "f", []any{opaque{secret: 1}}},
		{"interface field", "f", []any{withIface{V: 1}}},
		{"chan field", "f", []any{withChan{}}},
		{"nil pointer to chan", "f", []any{(*chan int)(nil)}},
		{"nil pointer to int", "f", []any{(*int64)(nil)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Encode(tc.fn, tc.args...)
			if !errors.Is(err, ErrEncoding) {
				t.Fatalf("expect ErrEncoding, got %v", err)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	short, _ := msgpack.Marshal([]any{"f"})
	notArray, _ := msgpack.Marshal("f")

	cases := []struct {
		name string
		data []byte
		rt   Type
	}{
		{"empty", nil, Int32},
		{"not an array", notArray, Int32},
		{"missing value", short, Int32},
		{"truncated", []byte{0x92, 0xa1}, Int32},
		{"unregistered type", []byte{0x92, 0xa1, 'f', 0x01}, Type{kind: KindStruct}},
		{"string as struct", mustEncode(t, "f", "x"), TypeFor[person]()},
		{"int as string", mustEncode(t, "f", int32(1)), String},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data, tc.rt); !errors.Is(err, ErrDecoding) {
				t.Fatalf("expect ErrDecoding, got %v", err)
			}
		})
	}
}

func TestRegisterAlias(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Encode("f", userID(7)); !errors.Is(err, ErrEncoding) {
		t.Fatalf("unregistered named type should be rejected, got %v", err)
	}

	if err := r.Register(reflect.TypeFor[userID](), KindInt64); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(reflect.TypeFor[userID](), KindInt32); err == nil {
		t.Fatal("expect error re-registering with a different kind")
	}
	if err := r.Register(reflect.TypeFor[string](), KindInt32); err == nil {
		t.Fatal("expect error registering a string as int32")
	}

	data, err := r.Encode("f", userID(7))
	if err != nil {
		t.Fatal(err)
	}
	rt, err := r.TypeOf(reflect.TypeFor[userID]())
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Decode(data, rt)
	if err != nil {
		t.Fatal(err)
	}
	if got != userID(7) {
		t.Fatalf("expect userID(7), got %#v", got)
	}

	// The alias is private to r.
	if _, err := Decode(data, rt); !errors.Is(err, ErrDecoding) {
		t.Fatalf("default registry should not know userID, got %v", err)
	}
}

func mustEncode(t *testing.T, name string, args ...any) []byte {
	t.Helper()
	data, err := Encode(name, args...)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func BenchmarkEncode(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if _, err := Encode("add", int32(100), int32(230)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeStruct(b *testing.B) {
	data, err := Encode("get_person", person{ID: 1, Name: "tom", Age: 20})
	if err != nil {
		b.Fatal(err)
	}
	rt := TypeFor[person]()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := Decode(data, rt); err != nil {
			b.Fatal(err)
		}
	}
}
