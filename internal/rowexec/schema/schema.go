// Package schema describes a fragment's immutable table descriptor: the
// ordered set of attribute descriptors, their on-page sizing, and the
// charset table used by the interpreter's attribute comparisons. This is
// the "table_descriptor" referenced by Fragment in spec.md §3.
package schema

import "fmt"

// Type enumerates the attribute data types a row may carry. Kept narrow —
// only what the on-page codec needs to size and pack, not a general SQL
// type system (SQL typing is a Non-goal of the row-execution core).
type Type uint8

const (
	TypeInt32 Type = iota
	TypeInt64
	TypeUint32
	TypeUint64
	TypeFloat64
	TypeBool
	TypeFixedBinary // fixed-width byte string, width = Attr.Size
	TypeVarchar     // variable-length text, max length = Attr.Size
	TypeVarBinary   // variable-length bytes, max length = Attr.Size
)

func (t Type) String() string {
	switch t {
	case TypeInt32:
		return "INT32"
	case TypeInt64:
		return "INT64"
	case TypeUint32:
		return "UINT32"
	case TypeUint64:
		return "UINT64"
	case TypeFloat64:
		return "FLOAT64"
	case TypeBool:
		return "BOOL"
	case TypeFixedBinary:
		return "FIXED_BINARY"
	case TypeVarchar:
		return "VARCHAR"
	case TypeVarBinary:
		return "VARBINARY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// IsFixedSize reports whether values of t always occupy FixedWidth(t) bytes
// in the fixed-attribute block, as opposed to living in the var/dynamic
// blocks.
func (t Type) IsFixedSize() bool {
	switch t {
	case TypeVarchar, TypeVarBinary:
		return false
	default:
		return true
	}
}

// FixedWidth returns the on-page byte width for a fixed-size type. For
// TypeFixedBinary the width is Attr.Size, passed in separately.
func FixedWidth(t Type) int {
	switch t {
	case TypeInt32, TypeUint32, TypeFloat32bits:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8
	case TypeBool:
		return 1
	default:
		return 0 // variable or fixed-binary: caller supplies width
	}
}

// TypeFloat32bits is not a real attribute type, only used internally to
// keep FixedWidth's switch exhaustive without a default-4 footgun; it is
// never assigned to an Attr.
const TypeFloat32bits = Type(255)

// AttrID identifies a column within a TableDescriptor.
type AttrID uint16

// Attr describes a single attribute (column).
type Attr struct {
	ID         AttrID
	Name       string
	Type       Type
	Size       int  // byte width for fixed-binary; max byte length for var types
	Nullable   bool
	PrimaryKey bool
	Dynamic    bool // stored in the dynamic (sparse) block rather than the dense fixed/var block
	DiskPart   bool // lives in the disk part instead of main memory
	Charset    CharsetID
}

// Width returns the attribute's on-page fixed width, resolving
// TypeFixedBinary against Attr.Size.
func (a Attr) Width() int {
	if a.Type == TypeFixedBinary {
		return a.Size
	}
	return FixedWidth(a.Type)
}

// CharsetID selects a comparison collation for BRANCH_ATTR_OP_* (spec.md
// §4.7); binary comparison is charset 0.
type CharsetID uint8

const (
	CharsetBinary CharsetID = iota
	CharsetUTF8CaseSensitive
	CharsetUTF8CaseInsensitive
)

// Descriptor is the immutable schema a Fragment was created with: the
// order array, attribute descriptors, offsets/null-word counts, and the
// disk binding.
type Descriptor struct {
	TableName string
	Attrs     []Attr // order array: position == storage order
	HasDisk   bool   // true if any Attr.DiskPart is set

	byID   map[AttrID]int // attr id -> index into Attrs
	byName map[string]int
}

// NewDescriptor builds a Descriptor and its lookup indexes.
func NewDescriptor(table string, attrs []Attr) *Descriptor {
	d := &Descriptor{TableName: table, Attrs: attrs}
	d.byID = make(map[AttrID]int, len(attrs))
	d.byName = make(map[string]int, len(attrs))
	for i, a := range attrs {
		d.byID[a.ID] = i
		d.byName[a.Name] = i
		if a.DiskPart {
			d.HasDisk = true
		}
	}
	return d
}

// Index returns the position of attr id within Attrs, or -1.
func (d *Descriptor) Index(id AttrID) int {
	if i, ok := d.byID[id]; ok {
		return i
	}
	return -1
}

// ByName returns the position of a named attribute, or -1.
func (d *Descriptor) ByName(name string) int {
	if i, ok := d.byName[name]; ok {
		return i
	}
	return -1
}

// PrimaryKeyAttrs returns the attributes making up the primary key, in
// schema order.
func (d *Descriptor) PrimaryKeyAttrs() []Attr {
	var out []Attr
	for _, a := range d.Attrs {
		if a.PrimaryKey {
			out = append(out, a)
		}
	}
	return out
}

// FixedAttrs returns the dense, always-present attributes in storage
// order (non-dynamic, main-memory-resident).
func (d *Descriptor) FixedAttrs() []Attr {
	var out []Attr
	for _, a := range d.Attrs {
		if !a.Dynamic && !a.DiskPart {
			out = append(out, a)
		}
	}
	return out
}

// VarAttrs returns the variable-size main-memory attributes, in storage
// order.
func (d *Descriptor) VarAttrs() []Attr {
	var out []Attr
	for _, a := range d.FixedAttrs() {
		if !a.Type.IsFixedSize() {
			out = append(out, a)
		}
	}
	return out
}

// DynamicAttrs returns the sparse attributes stored in the dynamic block.
func (d *Descriptor) DynamicAttrs() []Attr {
	var out []Attr
	for _, a := range d.Attrs {
		if a.Dynamic {
			out = append(out, a)
		}
	}
	return out
}

// DiskAttrs returns the attributes bound to the disk part.
func (d *Descriptor) DiskAttrs() []Attr {
	var out []Attr
	for _, a := range d.Attrs {
		if a.DiskPart {
			out = append(out, a)
		}
	}
	return out
}
