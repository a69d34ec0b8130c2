package rowcodec

import (
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/schema"
)

// Pack builds a full on-page buffer for row: the fixed header followed by
// the shrunk body. hdr.Checksum is left as given — ChecksumGuard owns
// computing and verifying it, not RowCodec.
func Pack(d *schema.Descriptor, hdr FixedHeader, row *Expanded) ([]byte, error) {
	body, err := Shrink(d, row)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, FixedHeaderSize+len(body))
	MarshalFixedHeader(hdr, buf[:FixedHeaderSize])
	copy(buf[FixedHeaderSize:], body)
	return buf, nil
}

// Unpack splits a full on-page buffer into its fixed header and expanded
// body.
func Unpack(d *schema.Descriptor, buf []byte) (FixedHeader, *Expanded, error) {
	if len(buf) < FixedHeaderSize {
		return FixedHeader{}, nil, rerr.New(rerr.KindCorruption, rerr.TagInterpreterPartialRead, "Unpack",
			"buffer shorter than fixed header (%d < %d)", len(buf), FixedHeaderSize)
	}
	hdr := UnmarshalFixedHeader(buf[:FixedHeaderSize])
	row, err := Expand(d, buf[FixedHeaderSize:])
	if err != nil {
		return FixedHeader{}, nil, err
	}
	return hdr, row, nil
}

// ReadPlan is the result of PrepareRead: the set of attribute positions to
// fetch and whether any of them require the disk part, so RowOps can decide
// whether a read suspends on DiskPartCoordinator before producing output.
type ReadPlan struct {
	Positions []int
	NeedsDisk bool
}

// PrepareRead validates a requested attribute-id list against d and
// resolves it to descriptor positions, matching spec.md §4.3's
// "prepare_read" contract: callers ask once, then read many times against
// the resolved plan.
func PrepareRead(d *schema.Descriptor, attrIDs []schema.AttrID) (ReadPlan, error) {
	plan := ReadPlan{Positions: make([]int, 0, len(attrIDs))}
	for _, id := range attrIDs {
		idx := d.Index(id)
		if idx < 0 {
			return ReadPlan{}, rerr.New(rerr.KindSchema, rerr.TagUnknownReadColumn, "PrepareRead",
				"attribute id %d not present in table %q", id, d.TableName)
		}
		if d.Attrs[idx].DiskPart {
			plan.NeedsDisk = true
		}
		plan.Positions = append(plan.Positions, idx)
	}
	return plan, nil
}

// ReadAttributes projects row onto the positions named by plan, in the
// order requested.
func ReadAttributes(row *Expanded, plan ReadPlan) []Value {
	out := make([]Value, len(plan.Positions))
	for i, pos := range plan.Positions {
		out[i] = row.Get(pos)
	}
	return out
}

// AttrUpdate is one attribute-id/new-value pair from an UPDATE or REFRESH
// operation.
type AttrUpdate struct {
	AttrID schema.AttrID
	Value  Value
}

// UpdateAttributes applies updates to row in place, rejecting any write to
// a primary-key attribute (spec.md §4.8: PK attributes are immutable after
// INSERT) or an unknown attribute id. It returns the set of descriptor
// positions touched, for ChecksumGuard's incremental recompute and the
// Interpreter's final-read stage.
func UpdateAttributes(d *schema.Descriptor, row *Expanded, updates []AttrUpdate) ([]int, error) {
	touched := make([]int, 0, len(updates))
	for _, u := range updates {
		idx := d.Index(u.AttrID)
		if idx < 0 {
			return nil, rerr.New(rerr.KindSchema, rerr.TagUnknownReadColumn, "UpdateAttributes",
				"attribute id %d not present in table %q", u.AttrID, d.TableName)
		}
		a := d.Attrs[idx]
		if a.PrimaryKey {
			return nil, rerr.New(rerr.KindSchema, rerr.TagWrongPKColumns, "UpdateAttributes",
				"attribute %q is part of the primary key and cannot be updated", a.Name)
		}
		if u.Value.Null && !a.Nullable {
			return nil, rerr.New(rerr.KindSchema, rerr.TagNotNullViolation, "UpdateAttributes",
				"attribute %q is not nullable", a.Name)
		}
		row.Set(idx, u.Value)
		touched = append(touched, idx)
	}
	return touched, nil
}
