package rowcodec

import (
	"encoding/binary"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/schema"
)

// Expanded is a row's working-copy form: one Value per attribute in the
// descriptor's order, addressable by attribute index. RowOps and the
// Interpreter only ever see rows in this shape.
type Expanded struct {
	Values []Value

	// Disk points at the row's disk-part blob once DiskPartCoordinator has
	// allocated one; nil until the first INSERT of a table with disk-bound
	// attributes lands. DiskRef.PageIdx doubles as the blob's current byte
	// length, since this engine keeps exactly one disk-part blob per row at
	// a fixed page offset rather than a slotted layout.
	Disk *DiskRef
}

// Get returns the value at descriptor position idx, or a NULL Value if idx
// is out of range.
func (e *Expanded) Get(idx int) Value {
	if idx < 0 || idx >= len(e.Values) {
		return Value{Null: true}
	}
	return e.Values[idx]
}

// Set writes val at descriptor position idx, growing the backing slice if
// the row was expanded from a narrower schema version.
func (e *Expanded) Set(idx int, val Value) {
	if idx >= len(e.Values) {
		grown := make([]Value, idx+1)
		copy(grown, e.Values)
		e.Values = grown
	}
	e.Values[idx] = val
}

// NewExpanded returns an all-NULL expanded row sized to d.
func NewExpanded(d *schema.Descriptor) *Expanded {
	return &Expanded{Values: make([]Value, len(d.Attrs))}
}

// nullBitmapBytes is the byte width of a bitmap covering n attributes.
func nullBitmapBytes(n int) int { return (n + 7) / 8 }

func bitmapSet(bm []byte, i int) { bm[i/8] |= 1 << uint(i%8) }
func bitmapGet(bm []byte, i int) bool { return bm[i/8]&(1<<uint(i%8)) != 0 }

// Shrink packs an Expanded row into its on-page representation for
// descriptor d, following spec.md §3's fixed/var/dynamic block layout.
// The returned buffer does not include the FixedHeaderSize header prefix —
// callers (TupleAllocator, PageStore) prepend that separately so the
// header's maintained fields (bits, operation pointer, checksum) can be
// updated without re-packing the body.
func Shrink(d *schema.Descriptor, row *Expanded) ([]byte, error) {
	fixed := d.FixedAttrs()
	varAttrs := d.VarAttrs()
	dynAttrs := d.DynamicAttrs()

	nullBM := make([]byte, nullBitmapBytes(len(fixed)))
	fixedBlock := make([]byte, 0, 64)
	for i, a := range fixed {
		idx := d.Index(a.ID)
		val := row.Get(idx)
		if a.Type.IsFixedSize() {
			w := a.Width()
			buf := make([]byte, w)
			if val.Null {
				if !a.Nullable {
					return nil, rerr.New(rerr.KindSchema, rerr.TagNotNullViolation, "Shrink",
						"attribute %q is not nullable", a.Name)
				}
				bitmapSet(nullBM, i)
			} else {
				packFixed(a, val, buf)
			}
			fixedBlock = append(fixedBlock, buf...)
		} else if val.Null {
			bitmapSet(nullBM, i)
		}
	}

	varBlock := make([]byte, 0, 64)
	if len(varAttrs) > 0 {
		offsets := make([]byte, 2*len(varAttrs))
		data := make([]byte, 0, 128)
		for i, a := range varAttrs {
			idx := d.Index(a.ID)
			val := row.Get(idx)
			if !val.Null {
				data = append(data, val.Bytes...)
			}
			binary.LittleEndian.PutUint16(offsets[2*i:2*i+2], uint16(len(data)))
		}
		lenBuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(lenBuf, uint16(len(data)))
		varBlock = append(varBlock, lenBuf...)
		varBlock = append(varBlock, offsets...)
		varBlock = append(varBlock, data...)
	}

	dynBlock := make([]byte, 0, 32)
	if len(dynAttrs) > 0 {
		presence := make([]byte, nullBitmapBytes(len(dynAttrs)))
		type entry struct {
			off, length uint16
		}
		entries := make([]entry, 0, len(dynAttrs))
		data := make([]byte, 0, 64)
		for i, a := range dynAttrs {
			idx := d.Index(a.ID)
			val := row.Get(idx)
			if val.Null {
				continue
			}
			bitmapSet(presence, i)
			var b []byte
			if a.Type.IsFixedSize() {
				b = make([]byte, a.Width())
				packFixed(a, val, b)
			} else {
				b = val.Bytes
			}
			entries = append(entries, entry{off: uint16(len(data)), length: uint16(len(b))})
			data = append(data, b...)
		}
		bmLenBuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(bmLenBuf, uint16(len(presence)))
		dynBlock = append(dynBlock, bmLenBuf...)
		dynBlock = append(dynBlock, presence...)
		for _, e := range entries {
			eb := make([]byte, 4)
			binary.LittleEndian.PutUint16(eb[0:2], e.off)
			binary.LittleEndian.PutUint16(eb[2:4], e.length)
			dynBlock = append(dynBlock, eb...)
		}
		dynBlock = append(dynBlock, data...)
	}

	out := make([]byte, 0, len(nullBM)+len(fixedBlock)+len(varBlock)+len(dynBlock)+diskRefSize)
	out = append(out, nullBM...)
	out = append(out, fixedBlock...)
	out = append(out, varBlock...)
	out = append(out, dynBlock...)
	if d.HasDisk {
		ref := DiskRef{}
		if row.Disk != nil {
			ref = *row.Disk
		}
		diskBuf := make([]byte, diskRefSize)
		marshalDiskRef(ref, diskBuf)
		out = append(out, diskBuf...)
	}
	return out, nil
}

// Expand unpacks a row body (as produced by Shrink, without the fixed
// header prefix) into an Expanded working copy for descriptor d.
func Expand(d *schema.Descriptor, body []byte) (*Expanded, error) {
	fixed := d.FixedAttrs()
	varAttrs := d.VarAttrs()
	dynAttrs := d.DynamicAttrs()

	nullBMLen := nullBitmapBytes(len(fixed))
	if len(body) < nullBMLen {
		return nil, rerr.New(rerr.KindCorruption, rerr.TagInterpreterPartialRead, "Expand",
			"row body shorter than null bitmap (%d < %d)", len(body), nullBMLen)
	}
	nullBM := body[:nullBMLen]
	pos := nullBMLen

	fixedPos := make(map[schema.AttrID]int, len(fixed))
	out := NewExpanded(d)
	for i, a := range fixed {
		fixedPos[a.ID] = i
		idx := d.Index(a.ID)
		if a.Type.IsFixedSize() {
			w := a.Width()
			if pos+w > len(body) {
				return nil, rerr.New(rerr.KindCorruption, rerr.TagInterpreterPartialRead, "Expand",
					"row body truncated reading fixed attribute %q", a.Name)
			}
			if bitmapGet(nullBM, i) {
				out.Set(idx, Value{Null: true})
			} else {
				out.Set(idx, unpackFixed(a, body[pos:pos+w]))
			}
			pos += w
		} else if bitmapGet(nullBM, i) {
			out.Set(idx, Value{Null: true})
		}
	}

	if len(varAttrs) > 0 {
		if pos+2 > len(body) {
			return nil, rerr.New(rerr.KindCorruption, rerr.TagInterpreterPartialRead, "Expand", "row body truncated reading varpart_len")
		}
		varLen := int(binary.LittleEndian.Uint16(body[pos : pos+2]))
		pos += 2
		offTableLen := 2 * len(varAttrs)
		if pos+offTableLen+varLen > len(body) {
			return nil, rerr.New(rerr.KindCorruption, rerr.TagInterpreterPartialRead, "Expand", "row body truncated reading var offsets/data")
		}
		offsets := body[pos : pos+offTableLen]
		pos += offTableLen
		data := body[pos : pos+varLen]
		pos += varLen
		prev := 0
		for i, a := range varAttrs {
			idx := d.Index(a.ID)
			end := int(binary.LittleEndian.Uint16(offsets[2*i : 2*i+2]))
			if end < prev || end > len(data) {
				return nil, rerr.New(rerr.KindCorruption, rerr.TagInterpreterPartialRead, "Expand", "malformed var offset for attribute %q", a.Name)
			}
			seg := data[prev:end]
			prev = end
			if bitmapGet(nullBM, fixedPos[a.ID]) {
				out.Set(idx, Value{Null: true})
				continue
			}
			cp := make([]byte, len(seg))
			copy(cp, seg)
			out.Set(idx, Value{Bytes: cp})
		}
	}

	if len(dynAttrs) > 0 {
		if pos+2 > len(body) {
			return nil, rerr.New(rerr.KindCorruption, rerr.TagInterpreterPartialRead, "Expand", "row body truncated reading dynamic bitmap length")
		}
		bmLen := int(binary.LittleEndian.Uint16(body[pos : pos+2]))
		pos += 2
		if pos+bmLen > len(body) {
			return nil, rerr.New(rerr.KindCorruption, rerr.TagInterpreterPartialRead, "Expand", "row body truncated reading dynamic bitmap")
		}
		presence := body[pos : pos+bmLen]
		pos += bmLen
		type entry struct{ off, length uint16 }
		entries := make([]entry, len(dynAttrs))
		for i := range dynAttrs {
			if !bitmapGet(presence, i) {
				continue // Shrink writes entries only for present attributes
			}
			if pos+4 > len(body) {
				return nil, rerr.New(rerr.KindCorruption, rerr.TagInterpreterPartialRead, "Expand", "row body truncated reading dynamic entry table")
			}
			entries[i] = entry{
				off:    binary.LittleEndian.Uint16(body[pos : pos+2]),
				length: binary.LittleEndian.Uint16(body[pos+2 : pos+4]),
			}
			pos += 4
		}
		data := body[pos:]
		for i, a := range dynAttrs {
			idx := d.Index(a.ID)
			if !bitmapGet(presence, i) {
				out.Set(idx, Value{Null: true})
				continue
			}
			e := entries[i]
			if int(e.off)+int(e.length) > len(data) {
				return nil, rerr.New(rerr.KindCorruption, rerr.TagInterpreterPartialRead, "Expand", "malformed dynamic entry for attribute %q", a.Name)
			}
			seg := data[e.off : e.off+e.length]
			if a.Type.IsFixedSize() {
				out.Set(idx, unpackFixed(a, seg))
			} else {
				cp := make([]byte, len(seg))
				copy(cp, seg)
				out.Set(idx, Value{Bytes: cp})
			}
		}
	}

	if d.HasDisk {
		if len(body) < diskRefSize {
			return nil, rerr.New(rerr.KindCorruption, rerr.TagInterpreterPartialRead, "Expand",
				"row body shorter than the trailing disk-part reference (%d < %d)", len(body), diskRefSize)
		}
		ref := unmarshalDiskRef(body[len(body)-diskRefSize:])
		if ref != (DiskRef{}) {
			out.Disk = &ref
		}
	}

	return out, nil
}

