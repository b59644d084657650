// Package kylin provides a path-addressable, versioned metadata store.
//
// Keys are hierarchical slash-delimited paths, values are byte payloads, and
// every value carries a logical write timestamp used for optimistic
// concurrency control. Small values live inline in a relational backend while
// large values are transparently redirected to a blob store.
package kylin

import "fmt"

// Resource is the unit of storage: a path-keyed record of (timestamp, content).
type Resource struct {
	// Path is the hierarchical, slash-delimited key, unique within its
	// assigned table.
	Path string

	// Timestamp is the logical write time and doubles as the CAS version
	// token. It changes only via an initial insert or a successful
	// conditional update that observed the prior value.
	Timestamp int64

	// Content is the payload. A nil Content together with a non-nil Broken
	// marker means the payload could not be reconstructed.
	Content []byte

	// Broken is set instead of Content when content reconstruction failed
	// and the caller opted in to tolerate partial corruption.
	Broken *BrokenContent
}

// IsBroken reports whether the resource carries a broken-content marker
// instead of a payload.
func (r *Resource) IsBroken() bool {
	return r.Broken != nil
}

// BrokenContent is the sentinel value returned in place of a payload that
// could not be read back, carrying the path and the failure reason.
type BrokenContent struct {
	Path   string
	Reason string
}

func (b *BrokenContent) String() string {
	return fmt.Sprintf("broken content at %s: %s", b.Path, b.Reason)
}
