package store

import (
	"fmt"
	"strings"
)

// FolderCounts tracks aggregates of the leaf items in a folder. Kept in sync
// with every item mutation, under the single-writer lock.
type FolderCounts struct {
	Count         int64 // Leaf items.
	Deleted       int64 // Leaf items with the deleted flag.
	Unread        int64 // Sum of leaf unread counts.
	DeletedUnread int64 // Unread among the deleted-flagged.
	Size          int64 // Total size of leaf items in bytes.
}

func (c FolderCounts) String() string {
	return fmt.Sprintf("%d items, %d deleted, %d unread, %d deletedunread, size %d bytes", c.Count, c.Deleted, c.Unread, c.DeletedUnread, c.Size)
}

// Add increases fields of c with those of n.
func (c *FolderCounts) Add(n FolderCounts) {
	c.Count += n.Count
	c.Deleted += n.Deleted
	c.Unread += n.Unread
	c.DeletedUnread += n.DeletedUnread
	c.Size += n.Size
}

// Sub decreases fields of c with those of n.
func (c *FolderCounts) Sub(n FolderCounts) {
	c.Count -= n.Count
	c.Deleted -= n.Deleted
	c.Unread -= n.Unread
	c.DeletedUnread -= n.DeletedUnread
	c.Size -= n.Size
}

// SpecialUse identifies a folder with a special role. The dumpster is the
// soft-delete holding area that deleted items pass through before blob and
// index cleanup.
type SpecialUse struct {
	Trash    bool
	Spam     bool
	Drafts   bool
	Sent     bool
	Dumpster bool
}

// Folder is a registry entry for one folder. Items reference folders by id.
// Folder names form a hierarchy through ParentID, names are unique among
// siblings.
type Folder struct {
	ID       int64
	ParentID int64  `bstore:"unique ParentID+Name"`
	Name     string `bstore:"nonzero"`

	SpecialUse

	Counts FolderCounts

	CreateSeq ModSeq
	ModSeq    ModSeq `bstore:"index"`
}

// Path returns the name prefixed with the parent chain, for logging. The
// lookup is left to the caller, Path only formats.
func (f Folder) Path(parents []string) string {
	if len(parents) == 0 {
		return f.Name
	}
	return strings.Join(parents, "/") + "/" + f.Name
}

// CanContain returns whether items of kind k may be placed in this folder.
// Registry kinds never live in folders through the item table.
func (f Folder) CanContain(k Kind) bool {
	switch k {
	case KindUnknown, KindTag, KindFlag, KindFolder, KindSearchFolder, KindMountpoint:
		return false
	}
	return true
}

// TagCounts tracks aggregates over the items carrying a tag.
type TagCounts struct {
	Count  int64 // Leaf items tagged, containers count their leaf children.
	Unread int64 // Sum of unread counts, only maintained when the tag tracks unread.
	Size   int64 // Total size of tagged leaf items in bytes.
}

// Add increases fields of c with those of n.
func (c *TagCounts) Add(n TagCounts) {
	c.Count += n.Count
	c.Unread += n.Unread
	c.Size += n.Size
}

// Sub decreases fields of c with those of n.
func (c *TagCounts) Sub(n TagCounts) {
	c.Count -= n.Count
	c.Unread -= n.Unread
	c.Size -= n.Size
}

// Tag is a registry entry for one named tag. Tag names are case-sensitive.
// System flags are a separate namespace (the Flags bitmask), never stored
// here.
type Tag struct {
	ID   int64
	Name string `bstore:"nonzero,unique"`

	Color       uint32
	TrackUnread bool

	Counts TagCounts

	CreateSeq ModSeq
	ModSeq    ModSeq `bstore:"index"`
}

// tagDelta returns the count/unread/size contribution of one item to a tag's
// aggregates.
func tagDelta(rec *ItemRecord, trackUnread bool) TagCounts {
	var d TagCounts
	if rec.Kind.IsLeaf() {
		d.Count = 1
		d.Size = rec.Size
	} else {
		// Containers contribute their current leaf count.
		d.Count = rec.Size
	}
	if trackUnread {
		d.Unread = rec.UnreadCount
	}
	return d
}

// folderDelta returns the contribution of one leaf item to its folder's
// aggregates. Containers do not count against folders.
func folderDelta(rec *ItemRecord) FolderCounts {
	if !rec.Kind.IsLeaf() {
		return FolderCounts{}
	}
	d := FolderCounts{Count: 1, Size: rec.Size, Unread: rec.UnreadCount}
	if rec.Flags&FDeleted != 0 {
		d.Deleted = 1
		d.DeletedUnread = rec.UnreadCount
	}
	return d
}
