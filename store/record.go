package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// ModSeq is a modification sequence number assigned from a per-mailbox counter.
// Every mutating transaction that touches an item gets one. A record carries
// two: ModMetadata for any change, ModContent for content changes only, so
// ModContent <= ModMetadata always.
type ModSeq int64

// Client returns the modseq value to use in protocol responses. ModSeq 1 is
// internal, having been assigned to all items at schema creation, and is
// presented as 0 to clients.
func (ms ModSeq) Client() int64 {
	if ms == 1 {
		return 0
	}
	return int64(ms)
}

// IndexStatus is the search-index state of an item record.
type IndexStatus int8

const (
	IndexNone     IndexStatus = -1 // Kind is not indexable.
	IndexDeferred IndexStatus = 0  // Indexing queued, not yet done.
	IndexStale    IndexStatus = 1  // Indexed before, content must be reindexed.
	IndexDone     IndexStatus = 2
)

func (s IndexStatus) String() string {
	switch s {
	case IndexNone:
		return "none"
	case IndexDeferred:
		return "deferred"
	case IndexStale:
		return "stale"
	case IndexDone:
		return "done"
	}
	return fmt.Sprintf("(unknown index status %d)", int8(s))
}

// ItemRecord is the persisted projection of one mailbox item. Mutation goes
// through the Item entity, which keeps the folder/tag aggregates consistent.
// Ids are assigned monotonically and never reused, gaps are allowed.
type ItemRecord struct {
	ID       int64
	Kind     Kind  `bstore:"nonzero"`
	ParentID int64 `bstore:"index"` // Optional; negative for synthetic singleton groupings.
	// Every item lives in exactly one folder.
	FolderID int64 `bstore:"nonzero,index,ref Folder"`

	// Index entry for this record, possibly shared with copies. Zero when the
	// kind is not indexable or indexing has not been requested.
	IndexID     int64 `bstore:"index"`
	IndexStatus IndexStatus

	// Protocol-visible id, refreshed on move when protocol-id tracking is on.
	SyncID int64

	Locator string // Blob location token, empty for items without content.
	Digest  string // Content digest, empty for items without content.

	Date        time.Time
	Size        int64 // Bytes, counts against the mailbox size. Child count for conversations.
	UnreadCount int64
	Flags       Flags
	Tags        []string // Tag names, case-sensitive.
	Subject     string
	Name        string
	LockOwner   string // Exclusive edit lock on lockable kinds, empty when unlocked.

	// Serialized color/version/custom sections. Only valid just after encode
	// and just before a save, cleared again on load.
	Metadata []byte

	ModMetadata ModSeq `bstore:"index"`
	ModContent  ModSeq
	DateChanged time.Time
}

// Revision is a stored prior content snapshot of an item. Versions strictly
// increase per item, rows are returned in ascending version order.
type Revision struct {
	ID      int64
	ItemID  int64 `bstore:"nonzero,unique ItemID+Version,ref ItemRecord"`
	Version int   `bstore:"nonzero"`

	Date        time.Time
	Size        int64
	Locator     string
	Digest      string
	Subject     string
	Name        string
	Flags       Flags
	Metadata    []byte
	ModMetadata ModSeq
	ModContent  ModSeq
}

// Tombstone marks a deleted item id for synchronization clients. Written only
// when sync tracking is enabled and the delete is not a soft-delete into the
// dumpster.
type Tombstone struct {
	ID      int64 // The deleted item id.
	Kind    Kind
	ModSeq  ModSeq    `bstore:"index"`
	Deleted time.Time `bstore:"default now"`
}

// metadata is the serialized form of the entity state that is not a column:
// color, version and the named custom sections.
type metadata struct {
	Color    uint32                       `json:"c,omitempty"`
	Version  int                          `json:"v,omitempty"`
	Sections map[string]map[string]string `json:"s,omitempty"`
}

// encodeMetadata serializes color, version and custom sections, returning nil
// when everything has its default value. Version 1 is the default and not
// stored.
func encodeMetadata(color uint32, version int, sections map[string]map[string]string) ([]byte, error) {
	md := metadata{Color: color, Sections: sections}
	if version > 1 {
		md.Version = version
	}
	if md.Color == 0 && md.Version == 0 && len(md.Sections) == 0 {
		return nil, nil
	}
	buf, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encoding item metadata: %w", err)
	}
	return buf, nil
}

// decodeMetadata parses a serialized metadata blob. A nil/empty blob yields
// defaults. Callers log decode errors with item context before propagating,
// corrupt metadata is never silently replaced with defaults.
func decodeMetadata(buf []byte) (uint32, int, map[string]map[string]string, error) {
	if len(buf) == 0 {
		return 0, 1, nil, nil
	}
	var md metadata
	if err := json.Unmarshal(buf, &md); err != nil {
		return 0, 1, nil, fmt.Errorf("decoding item metadata: %w", err)
	}
	if md.Version == 0 {
		md.Version = 1
	}
	return md.Color, md.Version, md.Sections, nil
}

// sectionsSize returns the combined serialized size of the custom sections,
// the quantity bounded by the configured metadata limit.
func sectionsSize(sections map[string]map[string]string) int {
	n := 0
	for name, kv := range sections {
		buf, err := json.Marshal(kv)
		if err != nil {
			// Maps of strings always marshal.
			continue
		}
		n += len(name) + len(buf)
	}
	return n
}
