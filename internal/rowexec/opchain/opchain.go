// Package opchain implements OperationChain: the per-row list of pending
// operations a single transaction has applied to a row, used to answer
// "what does this transaction see right now" without consulting any
// global version store. Where the teacher's MVCCTable keeps one global
// version chain per row indexed by committing transaction id, a row's
// OperationChain is scoped to exactly one open transaction and is thrown
// away on commit or abort — the row-execution core has no snapshot
// isolation to offer beyond read-your-own-writes within a transaction.
package opchain

import (
	"sync"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowcodec"
)

// TxID identifies the transaction that owns a chain.
type TxID uint64

// Savepoint numbers a point within a transaction that ABORT can roll back
// to without discarding the whole transaction (spec.md §4.4).
type Savepoint uint32

// Kind is the operation that produced one chain entry.
type Kind uint8

const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
	KindRefresh
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	case KindRefresh:
		return "REFRESH"
	default:
		return "UNKNOWN"
	}
}

// Entry is one link in the chain: the operation kind, the savepoint it was
// applied under, the row image immediately after it ran (nil for a DELETE
// entry), and the Operation-record fields spec.md §3 tracks alongside it.
type Entry struct {
	Savepoint Savepoint
	Kind      Kind
	After     *rowcodec.Expanded

	// TupleVersion is this entry's tup_version: monotonically increasing
	// within the chain, except a DELETE entry which keeps its predecessor's
	// version rather than advancing it (spec.md §3).
	TupleVersion uint32
	// DeleteInsert marks an INSERT entry that immediately follows a DELETE
	// within the same chain — the delete-then-insert pattern REFRESH uses
	// to extend a row's lease without a logical content change.
	DeleteInsert bool
	// UndoBufferSpace is the UNDO log space RowOps reserved for this
	// operation, recorded here for diagnostics; set after Append via
	// SetLastUndoBufferSpace since the reservation happens once the
	// operation's size is known, not at Append time.
	UndoBufferSpace int
	// Grew marks an UPDATE whose packed body grew past its previous size —
	// RowOps sets this after Append once it has compared the before/after
	// lengths, driving the commit path's MM_GROWN header bit.
	Grew bool
	// DiskReorg marks an operation whose disk part could not grow in place
	// and was relocated by DiskPartCoordinator.HandleSizeChange.
	DiskReorg bool
}

// Chain is the ordered, append-only (until truncated by an abort-to-
// savepoint) list of operations a transaction has applied to one row.
type Chain struct {
	mu          sync.Mutex
	Tx          TxID
	Base        *rowcodec.Expanded // the row image visible before this transaction touched it; nil if the row did not exist
	BaseVersion uint32             // the committed row's tup_version before this transaction touched it
	entries     []Entry
}

// New starts a chain for tx against a row whose pre-transaction image is
// base (nil if the row is being newly inserted), with no prior tup_version.
func New(tx TxID, base *rowcodec.Expanded) *Chain {
	return &Chain{Tx: tx, Base: base}
}

// NewWithVersion starts a chain like New, additionally recording the
// committed row's tup_version so entries appended to it continue that
// version sequence instead of restarting from zero (spec.md §3).
func NewWithVersion(tx TxID, base *rowcodec.Expanded, baseVersion uint32) *Chain {
	return &Chain{Tx: tx, Base: base, BaseVersion: baseVersion}
}

// Append records a new operation on the chain. Savepoints must be
// non-decreasing — RowOps issues them in the order operations are
// interpreted within a transaction (spec.md §4.4's sequencing invariant).
// No operation may follow a REFRESH, and only INSERT or REFRESH may follow
// a DELETE, within the same transaction (spec.md §4.4).
func (c *Chain) Append(sp Savepoint, kind Kind, after *rowcodec.Expanded) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	if n > 0 && sp < c.entries[n-1].Savepoint {
		return rerr.New(rerr.KindSequencing, rerr.TagMustBeAborted, "Chain.Append",
			"savepoint %d precedes last recorded savepoint %d", sp, c.entries[n-1].Savepoint)
	}
	version := c.BaseVersion
	deleteInsert := false
	if n > 0 {
		last := c.entries[n-1]
		if last.Kind == KindRefresh {
			return rerr.New(rerr.KindSequencing, rerr.TagRefreshFollowError, "Chain.Append",
				"no operation may follow a REFRESH within the same transaction")
		}
		if last.Kind == KindDelete && kind != KindInsert && kind != KindRefresh {
			return rerr.New(rerr.KindSequencing, rerr.TagMustBeAborted, "Chain.Append",
				"only INSERT or REFRESH may follow a DELETE within the same transaction")
		}
		version = last.TupleVersion
		deleteInsert = last.Kind == KindDelete && kind == KindInsert
	}
	if kind != KindDelete {
		version++
	}
	c.entries = append(c.entries, Entry{
		Savepoint: sp, Kind: kind, After: after,
		TupleVersion: version, DeleteInsert: deleteInsert,
	})
	return nil
}

// SetLastUndoBufferSpace records how much UNDO log space RowOps reserved
// for the most recently appended entry.
func (c *Chain) SetLastUndoBufferSpace(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return
	}
	c.entries[len(c.entries)-1].UndoBufferSpace = n
}

// SetLastGrew records whether the most recently appended UPDATE grew the
// row's packed body past its previous size.
func (c *Chain) SetLastGrew(grew bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return
	}
	c.entries[len(c.entries)-1].Grew = grew
}

// SetLastDiskReorg records whether the most recently appended operation's
// disk part was relocated by DiskPartCoordinator.HandleSizeChange.
func (c *Chain) SetLastDiskReorg(reorg bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return
	}
	c.entries[len(c.entries)-1].DiskReorg = reorg
}

// LastEntry returns the most recently appended entry, for callers (the
// commit path) that need its tup_version/DeleteInsert/UndoBufferSpace
// alongside the final row image Commit returns.
func (c *Chain) LastEntry() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	return c.entries[len(c.entries)-1], true
}

// CurrentVersion returns the tup_version the chain's owning transaction
// would commit right now: the last entry's version, or BaseVersion if no
// operation has run yet.
func (c *Chain) CurrentVersion() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return c.BaseVersion
	}
	return c.entries[len(c.entries)-1].TupleVersion
}

// PreDeleteImage returns the row image immediately before the chain's
// final DELETE entry, for the LCP keep-list: a checkpoint scan already in
// progress must still account for the row's last value even though it is
// about to vanish from its page (spec.md §4.8's DELETE contract, property
// P8). Returns nil if the chain does not currently end in a DELETE.
func (c *Chain) PreDeleteImage() *rowcodec.Expanded {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	if n == 0 || c.entries[n-1].Kind != KindDelete {
		return nil
	}
	if n == 1 {
		return c.Base
	}
	return c.entries[n-2].After
}

// FindVisible resolves the row image visible to a reader at savepoint sp.
// A dirty read from the chain's own owning transaction sees every entry up
// to and including sp (read-your-own-writes); any other reader, or a
// non-dirty read, only ever sees Base — the last durably committed image —
// since this engine offers no snapshot isolation beyond read-your-own-
// writes (spec.md §4.4's find_visible contract).
func (c *Chain) FindVisible(sp Savepoint, tx TxID, dirty bool) (row *rowcodec.Expanded, existed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !dirty || tx != c.Tx {
		return c.Base, c.Base != nil
	}
	row, existed = c.Base, c.Base != nil
	for _, e := range c.entries {
		if e.Savepoint > sp {
			break
		}
		if e.Kind == KindDelete {
			row, existed = nil, false
		} else {
			row, existed = e.After, true
		}
	}
	return row, existed
}

// Current returns the row image the chain's owning transaction currently
// sees: the last entry's After image, or Base if no operation has run yet.
// existed reports whether a row is present at all (false after a DELETE
// with no subsequent INSERT).
func (c *Chain) Current() (row *rowcodec.Expanded, existed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return c.Base, c.Base != nil
	}
	last := c.entries[len(c.entries)-1]
	if last.Kind == KindDelete {
		return nil, false
	}
	return last.After, true
}

// LastKind reports the most recently applied operation kind, used by
// RowOps to reject e.g. a second INSERT on the same key within one
// transaction (spec.md §4.8's TagAlreadyExists rule).
func (c *Chain) LastKind() (kind Kind, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return 0, false
	}
	return c.entries[len(c.entries)-1].Kind, true
}

// AbortToSavepoint discards every entry recorded at or after sp, restoring
// the chain to the state it held immediately before that savepoint was
// opened.
func (c *Chain) AbortToSavepoint(sp Savepoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cut := len(c.entries)
	for i, e := range c.entries {
		if e.Savepoint >= sp {
			cut = i
			break
		}
	}
	c.entries = c.entries[:cut]
}

// Commit returns the chain's final row image for durable installation into
// the fragment, discarding the chain itself — callers call this exactly
// once, from the commit path.
func (c *Chain) Commit() (row *rowcodec.Expanded, existed bool) {
	return c.Current()
}

// Len reports the number of operations recorded so far.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
