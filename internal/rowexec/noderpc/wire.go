// Package noderpc exposes the node-recovery RPC surface a cluster's
// recovery/checkpoint coordinator calls against a fragment: primary-key
// reads and writes issued outside any application transaction, plus the
// disk-page-loader callbacks RowOps suspends on when a disk-part attribute
// is touched (SPEC_FULL.md §4). It mirrors the teacher's manually-registered
// grpc.ServiceDesc and JSON codec in cmd/server/main.go rather than
// generating a protobuf service, since this surface is internal-only and
// never crosses a language boundary.
package noderpc

import "github.com/SimonWaldherr/tinySQL/internal/rowexec/rowcodec"

// KeyAttr is one primary-key column value in a request's key.
type KeyAttr struct {
	AttrID uint16
	Value  rowcodec.Value
}

// ReadPKRequest asks for a row's current (committed) image by primary key.
type ReadPKRequest struct {
	FragmentID uint64
	Key        []KeyAttr
	AttrIDs    []uint16
}

// ReadPKResponse carries the requested attribute values, in AttrIDs order.
type ReadPKResponse struct {
	Values   []rowcodec.Value
	Found    bool
	ErrorTag int32
	ErrorMsg string
}

// UpdateGCIRequest stamps a row's global checkpoint id during a checkpoint
// scan, bypassing the OperationChain (spec.md §4.8's REFRESH is for
// application-visible lease extension; this is the recovery path's
// equivalent for checkpoint bookkeeping).
type UpdateGCIRequest struct {
	FragmentID uint64
	Key        []KeyAttr
	GCI        uint64
}

// UpdateGCIResponse reports the outcome of an UpdateGCIRequest.
type UpdateGCIResponse struct {
	ErrorTag int32
	ErrorMsg string
}

// DeleteRequest removes a row by primary key as part of recovery replay
// (e.g. undoing a row the failed node had inserted past the last
// checkpoint).
type DeleteRequest struct {
	FragmentID uint64
	Key        []KeyAttr
}

// DeleteResponse reports the outcome of a DeleteRequest.
type DeleteResponse struct {
	ErrorTag int32
	ErrorMsg string
}

// LoadDiskPageRequest asks the coordinator to fetch a single disk-part page.
type LoadDiskPageRequest struct {
	FragmentID uint64
	FileNo     uint32
	PageNo     uint64
}

// LoadDiskPageResponse carries the fetched page's bytes.
type LoadDiskPageResponse struct {
	Data     []byte
	ErrorTag int32
	ErrorMsg string
}

// LoadDiskPageScanRequest asks for Count consecutive pages starting at
// StartPageNo, the bulk form used by an LCP (checkpoint) scan.
type LoadDiskPageScanRequest struct {
	FragmentID  uint64
	FileNo      uint32
	StartPageNo uint64
	Count       int
}

// LoadDiskPageScanResponse carries the fetched pages in order.
type LoadDiskPageScanResponse struct {
	Pages    [][]byte
	ErrorTag int32
	ErrorMsg string
}
