package store

// NextItemID is a singleton holding the next item id to hand out. Ids are
// monotonic and never reused, so a deleted item's id is never revisited.
type NextItemID struct {
	ID   byte // Just a single record with ID 1.
	Next int64
}

// SyncState is a singleton holding the per-mailbox modseq counter and the
// highest modseq of a deleted item, for synchronization clients.
type SyncState struct {
	ID byte // Just a single record with ID 1.

	// Last used, next assigned will be one higher. The first value handed out
	// is 2, so clients can use 1 as a "before any change" baseline.
	LastModSeq ModSeq `bstore:"nonzero"`

	// Highest modseq of deleted items, or -1 if no items have ever been
	// deleted. Synchronization clients with an older state must resync.
	HighestDeletedModSeq ModSeq
}

// MailboxState is a singleton with mailbox-wide counters.
type MailboxState struct {
	ID       byte  // Just a single record with ID 1.
	Size     int64 // Total size in bytes of all leaf items, including revisions.
	Contacts int64
}

// Change is a notification about a modification to a mailbox, emitted by a
// transaction after it commits. The concrete types below describe the change.
type Change any

// ChangeAddItem is sent for a newly created or copied item.
type ChangeAddItem struct {
	ID       int64
	Kind     Kind
	FolderID int64
	ModSeq   ModSeq
}

// ChangeItemFlags is sent for changed flags and/or tags on an item.
type ChangeItemFlags struct {
	ID     int64
	Flags  Flags
	Tags   []string
	ModSeq ModSeq
}

// ChangeItemModified is sent for metadata changes not covered by a more
// specific change: rename, color, date, custom sections, new revision.
type ChangeItemModified struct {
	ID     int64
	ModSeq ModSeq
}

// ChangeItemFolder is sent when an item moves between folders.
type ChangeItemFolder struct {
	ID           int64
	FromFolderID int64
	ToFolderID   int64
	ModSeq       ModSeq
}

// ChangeRemoveItems is sent for removed items, both hard deletes and
// soft-deletes into the dumpster.
type ChangeRemoveItems struct {
	IDs    []int64
	ModSeq ModSeq
}

// ChangeAddFolder is sent for a newly created folder.
type ChangeAddFolder struct {
	Folder Folder
}

// ChangeRemoveFolder is sent for a removed folder.
type ChangeRemoveFolder struct {
	ID     int64
	ModSeq ModSeq
}

// ChangeFolderCounts is sent when the counts of a folder changed.
type ChangeFolderCounts struct {
	FolderID int64
	Counts   FolderCounts
}

// ChangeAddTag is sent for a newly created tag.
type ChangeAddTag struct {
	Tag Tag
}

// ChangeRemoveTag is sent for a removed tag.
type ChangeRemoveTag struct {
	ID     int64
	Name   string
	ModSeq ModSeq
}

// Action is a destructive or external effect produced by a transaction but
// deliberately not executed inside it: the blob store and search index cannot
// join the metadata transaction, so effects that would be irreversible are
// queued and applied by the transaction owner only after commit. A rolled-back
// transaction thus never loses storage a still-visible item depends on.
type Action any

// ActionRemoveBlob unlinks one blob from the content store.
type ActionRemoveBlob struct {
	Locator string
}

// ActionRemoveIndex removes index entries whose last referent is gone.
type ActionRemoveIndex struct {
	IndexIDs []int64
}

// ActionIndex requests (re)indexing of an item. After the index write, the
// owner records completion with Mailbox.CompleteIndexing.
type ActionIndex struct {
	ID      int64 // Item id, for marking the record indexed afterwards.
	IndexID int64
	Kind    Kind
	Subject string
	Name    string
	Digest  string
}
