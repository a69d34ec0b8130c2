package rowcodec

import (
	"testing"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/schema"
)

func testDescriptor() *schema.Descriptor {
	return schema.NewDescriptor("orders", []schema.Attr{
		{ID: 1, Name: "order_id", Type: schema.TypeUint64, PrimaryKey: true},
		{ID: 2, Name: "qty", Type: schema.TypeInt32, Nullable: true},
		{ID: 3, Name: "note", Type: schema.TypeVarchar, Size: 256, Nullable: true},
		{ID: 4, Name: "active", Type: schema.TypeBool},
		{ID: 5, Name: "tags", Type: schema.TypeVarBinary, Size: 1024, Dynamic: true, Nullable: true},
	})
}

func TestShrinkExpandRoundTrip(t *testing.T) {
	d := testDescriptor()
	tests := []struct {
		name string
		row  func() *Expanded
	}{
		{"all-set", func() *Expanded {
			r := NewExpanded(d)
			r.Set(d.Index(1), Value{U64: 42})
			r.Set(d.Index(2), Value{I64: -7})
			r.Set(d.Index(3), Value{Bytes: []byte("hello world")})
			r.Set(d.Index(4), Value{B: true})
			r.Set(d.Index(5), Value{Bytes: []byte{0xDE, 0xAD, 0xBE, 0xEF}})
			return r
		}},
		{"nullable-fields-null", func() *Expanded {
			r := NewExpanded(d)
			r.Set(d.Index(1), Value{U64: 1})
			r.Set(d.Index(2), Value{Null: true})
			r.Set(d.Index(3), Value{Null: true})
			r.Set(d.Index(4), Value{B: false})
			r.Set(d.Index(5), Value{Null: true})
			return r
		}},
		{"empty-varchar-not-null", func() *Expanded {
			r := NewExpanded(d)
			r.Set(d.Index(1), Value{U64: 2})
			r.Set(d.Index(2), Value{I64: 0})
			r.Set(d.Index(3), Value{Bytes: []byte{}})
			r.Set(d.Index(4), Value{B: true})
			r.Set(d.Index(5), Value{Null: true})
			return r
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := tt.row()
			body, err := Shrink(d, row)
			if err != nil {
				t.Fatalf("shrink: %v", err)
			}
			got, err := Expand(d, body)
			if err != nil {
				t.Fatalf("expand: %v", err)
			}
			for _, a := range d.Attrs {
				idx := d.Index(a.ID)
				want := row.Get(idx)
				have := got.Get(idx)
				if want.Null != have.Null {
					t.Errorf("attr %q: null mismatch got %v want %v", a.Name, have.Null, want.Null)
				}
			}
		})
	}
}

func TestShrinkRejectsNotNullViolation(t *testing.T) {
	d := testDescriptor()
	row := NewExpanded(d)
	row.Set(d.Index(1), Value{U64: 1})
	row.Set(d.Index(4), Value{Null: true}) // active is not nullable
	if _, err := Shrink(d, row); err == nil {
		t.Fatal("expected not-null violation error, got nil")
	}
}

func TestPackUnpackPreservesHeader(t *testing.T) {
	d := testDescriptor()
	row := NewExpanded(d)
	row.Set(d.Index(1), Value{U64: 99})
	row.Set(d.Index(4), Value{B: true})
	hdr := FixedHeader{Bits: Alloc, OperationPtr: 123, GCI: 7, TupleVersion: 2}

	buf, err := Pack(d, hdr, row)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	gotHdr, gotRow, err := Unpack(d, buf)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if gotHdr != hdr {
		t.Fatalf("header mismatch: got %+v want %+v", gotHdr, hdr)
	}
	if gotRow.Get(d.Index(1)).U64 != 99 {
		t.Fatalf("order_id mismatch: got %v", gotRow.Get(d.Index(1)))
	}
}

func TestPrepareReadRejectsUnknownAttr(t *testing.T) {
	d := testDescriptor()
	if _, err := PrepareRead(d, []schema.AttrID{999}); err == nil {
		t.Fatal("expected unknown-column error, got nil")
	}
}

func TestUpdateAttributesRejectsPKWrite(t *testing.T) {
	d := testDescriptor()
	row := NewExpanded(d)
	row.Set(d.Index(1), Value{U64: 1})
	_, err := UpdateAttributes(d, row, []AttrUpdate{{AttrID: 1, Value: Value{U64: 2}}})
	if err == nil {
		t.Fatal("expected primary-key update rejection, got nil")
	}
}

func TestUpdateAttributesAppliesValues(t *testing.T) {
	d := testDescriptor()
	row := NewExpanded(d)
	row.Set(d.Index(1), Value{U64: 1})
	touched, err := UpdateAttributes(d, row, []AttrUpdate{
		{AttrID: 2, Value: Value{I64: 5}},
		{AttrID: 4, Value: Value{B: true}},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(touched) != 2 {
		t.Fatalf("expected 2 touched positions, got %d", len(touched))
	}
	if row.Get(d.Index(2)).I64 != 5 {
		t.Fatalf("qty not updated: %v", row.Get(d.Index(2)))
	}
}
