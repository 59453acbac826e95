package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/keepmail/keepmail/blobstore"
	"github.com/keepmail/keepmail/config"
	"github.com/keepmail/keepmail/metrics"
	"github.com/keepmail/keepmail/mlog"
)

// Item is the in-memory entity for one item record. It is the only code
// allowed to mutate a live record: every mutation keeps the folder, tag and
// mailbox aggregates consistent and stamps the record with the transaction's
// modseq. Items are cached by the mailbox and must only be used under its
// writer lock.
type Item struct {
	rec ItemRecord

	// Decoded from the record's metadata blob on load, encoded back on save.
	color    uint32
	version  int
	sections map[string]map[string]string

	// Prior content snapshots, ascending by version. Nil until loaded.
	revisions []Revision
	haveRevs  bool
}

// loadItem reconstructs an entity from a persisted record, without accounting
// side effects. Corrupt metadata is logged with item context and returned as
// an error, never silently defaulted.
func loadItem(rec ItemRecord) (*Item, error) {
	color, version, sections, err := decodeMetadata(rec.Metadata)
	if err != nil {
		xlog.Errorx("corrupt item metadata", err, mlog.Field("id", rec.ID), mlog.Field("kind", rec.Kind), mlog.Field("folder", rec.FolderID), mlog.Field("subject", rec.Subject))
		return nil, fmt.Errorf("item %d: %w", rec.ID, err)
	}
	rec.Metadata = nil
	return &Item{rec: rec, color: color, version: version, sections: sections}, nil
}

func (it *Item) ID() int64          { return it.rec.ID }
func (it *Item) Kind() Kind         { return it.rec.Kind }
func (it *Item) FolderID() int64    { return it.rec.FolderID }
func (it *Item) ParentID() int64    { return it.rec.ParentID }
func (it *Item) SyncID() int64      { return it.rec.SyncID }
func (it *Item) Size() int64        { return it.rec.Size }
func (it *Item) UnreadCount() int64 { return it.rec.UnreadCount }
func (it *Item) Unread() bool       { return it.rec.UnreadCount > 0 }
func (it *Item) Flags() Flags       { return it.rec.Flags }
func (it *Item) Subject() string    { return it.rec.Subject }
func (it *Item) Name() string       { return it.rec.Name }
func (it *Item) Date() time.Time    { return it.rec.Date }
func (it *Item) Color() uint32      { return it.color }
func (it *Item) Version() int       { return it.version }
func (it *Item) Locator() string    { return it.rec.Locator }
func (it *Item) Digest() string     { return it.rec.Digest }

// Tags returns a copy of the item's tag names.
func (it *Item) Tags() []string {
	return append([]string{}, it.rec.Tags...)
}

// IsTagged returns whether the item carries the named tag, case-sensitively.
func (it *Item) IsTagged(name string) bool {
	for _, t := range it.rec.Tags {
		if t == name {
			return true
		}
	}
	return false
}

// Section returns a copy of one named custom-metadata section, nil if absent.
func (it *Item) Section(name string) map[string]string {
	kv, ok := it.sections[name]
	if !ok {
		return nil
	}
	m := make(map[string]string, len(kv))
	for k, v := range kv {
		m[k] = v
	}
	return m
}

// Record returns a copy of the persisted record, with the metadata blob
// freshly encoded from color, version and custom sections.
func (it *Item) Record() (ItemRecord, error) {
	rec := it.rec
	buf, err := encodeMetadata(it.color, it.version, it.sections)
	if err != nil {
		return ItemRecord{}, err
	}
	rec.Metadata = buf
	rec.Tags = append([]string{}, it.rec.Tags...)
	return rec, nil
}

// detach marks an evicted entity so stale references do not re-enter the
// cache.
func (it *Item) detach() {
	it.rec.Flags |= FUncached
}

// save encodes the metadata blob and persists the record.
func (it *Item) save(txn *Txn) error {
	buf, err := encodeMetadata(it.color, it.version, it.sections)
	if err != nil {
		return err
	}
	it.rec.Metadata = buf
	err = txn.tx.Update(&it.rec)
	it.rec.Metadata = nil
	if err != nil {
		return fmt.Errorf("updating item %d: %w", it.rec.ID, err)
	}
	return nil
}

func (it *Item) insert(txn *Txn) error {
	buf, err := encodeMetadata(it.color, it.version, it.sections)
	if err != nil {
		return err
	}
	it.rec.Metadata = buf
	err = txn.tx.Insert(&it.rec)
	it.rec.Metadata = nil
	if err != nil {
		return fmt.Errorf("inserting item: %w", err)
	}
	return nil
}

// metadataChanged stamps the record with the transaction's modseq and
// timestamp. Callers persist with save afterwards.
func (it *Item) metadataChanged(txn *Txn) error {
	modseq, err := txn.ModSeq()
	if err != nil {
		return err
	}
	it.rec.ModMetadata = modseq
	it.rec.DateChanged = txn.now
	return nil
}

// contentChanged additionally advances the content modseq, keeping
// ModContent <= ModMetadata.
func (it *Item) contentChanged(txn *Txn) error {
	if err := it.metadataChanged(txn); err != nil {
		return err
	}
	it.rec.ModContent = it.rec.ModMetadata
	return nil
}

// inDumpster returns whether the item currently lives in the soft-delete
// holding folder.
func (it *Item) inDumpster(txn *Txn) (bool, error) {
	f, err := txn.Folder(it.rec.FolderID)
	if err != nil {
		return false, err
	}
	return f.Dumpster, nil
}

func (it *Item) inSpam(txn *Txn) (bool, error) {
	f, err := txn.Folder(it.rec.FolderID)
	if err != nil {
		return false, err
	}
	return f.Spam, nil
}

// validName normalizes and validates an item, folder or tag name: surrounding
// whitespace is stripped, control characters and the reserved punctuation
// characters are rejected, and the length is bounded.
func validName(name string, max int) (string, error) {
	if max <= 0 {
		max = config.DefaultMaxNameLength
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > max {
		return "", fmt.Errorf("%w: name longer than %d bytes", ErrInvalidName, max)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == ':' || r == '/' || r == '"' {
			return "", fmt.Errorf("%w: character %q not allowed", ErrInvalidName, r)
		}
	}
	return name, nil
}

// NewItem describes an item to create.
type NewItem struct {
	Kind     Kind
	FolderID int64
	ParentID int64 // Optional containing conversation/document.
	Date     time.Time
	Subject  string
	Name     string // Only for named kinds, unique among folder siblings.
	Unread   bool
	Flags    Flags
	Tags     []string // Names not resolving to an existing tag are skipped.
	Color    uint32
	Sections map[string]map[string]string

	// Content staged in the blob store, adopted under the new item's id.
	Staged *blobstore.Staged
}

// CreateItem creates an item from freshly assembled data, registers it in the
// cache and propagates new-item accounting to the folder, parent and mailbox
// counters.
func (txn *Txn) CreateItem(opts NewItem) (*Item, error) {
	kind := opts.Kind
	if _, ok := kindCapsTable[kind]; !ok {
		return nil, fmt.Errorf("%w: cannot create %s", ErrWrongKind, kind)
	}
	folder, err := txn.Folder(opts.FolderID)
	if err != nil {
		return nil, err
	}
	if !folder.CanContain(kind) {
		return nil, fmt.Errorf("%w: %s in folder %q", ErrCannotContain, kind, folder.Name)
	}
	if err := txn.requireKind(KindFolder, folder.ID, RightInsert); err != nil {
		return nil, err
	}

	name := ""
	if opts.Name != "" {
		if !kind.Named() {
			return nil, fmt.Errorf("%w: %s has no name", ErrCannotRename, kind)
		}
		name, err = validName(opts.Name, txn.mb.Limits.MaxNameLength)
		if err != nil {
			return nil, err
		}
		taken, err := txn.nameTaken(folder.ID, name, 0)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, fmt.Errorf("%w: %q in folder %q", ErrAlreadyExists, name, folder.Name)
		}
	}

	var parent *Item
	if opts.ParentID > 0 {
		parent, err = txn.Item(opts.ParentID, KindUnknown)
		if err != nil {
			return nil, err
		}
		if !parent.Kind().CanChildren() {
			return nil, fmt.Errorf("%w: %s %d", ErrCannotParent, parent.Kind(), parent.ID())
		}
	}

	if n := sectionsSize(opts.Sections); n > txn.mb.Limits.MetadataLimit {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooMuchMetadata, n)
	}

	id, err := txn.nextID()
	if err != nil {
		return nil, err
	}
	modseq, err := txn.ModSeq()
	if err != nil {
		return nil, err
	}

	date := opts.Date
	if date.IsZero() {
		date = txn.now
	}
	flags := opts.Flags & FlagsAll &^ FUncached
	if folder.Drafts && (kind == KindMessage || kind == KindChat) {
		flags |= FDraft
	}

	rec := ItemRecord{
		ID:          id,
		Kind:        kind,
		ParentID:    opts.ParentID,
		FolderID:    folder.ID,
		Date:        date,
		Subject:     opts.Subject,
		Name:        name,
		Flags:       flags,
		ModMetadata: modseq,
		ModContent:  modseq,
		DateChanged: txn.now,
	}
	if opts.Unread && kind.TrackUnread() && kind.IsLeaf() {
		rec.UnreadCount = 1
	}
	if txn.mb.Limits.TrackProtocolIDs {
		rec.SyncID = id
	}
	if opts.Staged != nil {
		loc, err := txn.mb.Blobs.Adopt(opts.Staged, id, int64(modseq))
		if err != nil {
			return nil, err
		}
		txn.newBlobs = append(txn.newBlobs, loc)
		rec.Locator = loc
		rec.Digest = opts.Staged.Digest
		rec.Size = opts.Staged.Size
	}
	if kind.Indexable() {
		rec.IndexID = id
		rec.IndexStatus = IndexDeferred
	} else {
		rec.IndexStatus = IndexNone
	}

	it := &Item{rec: rec, color: opts.Color, version: 1, sections: opts.Sections}
	if err := it.insert(txn); err != nil {
		return nil, err
	}
	txn.mb.cache[id] = it

	if err := it.finishCreation(txn, folder, parent, opts.Tags); err != nil {
		return nil, err
	}
	if kind.Indexable() {
		txn.action(ActionIndex{ID: id, IndexID: rec.IndexID, Kind: kind, Subject: rec.Subject, Name: rec.Name, Digest: rec.Digest})
	}
	metrics.ItemOpInc("create")
	return it, nil
}

// finishCreation propagates new-item accounting: folder counts, mailbox-wide
// size, parent child count and unread, and the initial tag aggregates.
func (it *Item) finishCreation(txn *Txn, folder *Folder, parent *Item, tags []string) error {
	folder.Counts.Add(folderDelta(&it.rec))
	if err := txn.saveFolder(folder); err != nil {
		return err
	}

	var contacts int64
	if it.rec.Kind == KindContact {
		contacts = 1
	}
	if err := txn.addMailboxCounts(it.rec.Size, contacts); err != nil {
		return err
	}

	if parent != nil {
		if !parent.Kind().IsLeaf() {
			// Containers track their child count in Size.
			parent.rec.Size++
		}
		if parent.Kind().TrackUnread() {
			parent.rec.UnreadCount += it.rec.UnreadCount
		}
		if err := parent.save(txn); err != nil {
			return err
		}
	}

	for _, name := range tags {
		t, err := txn.TagByName(name)
		if err != nil {
			if errors.Is(err, ErrNoSuchTag) {
				continue
			}
			return err
		}
		it.rec.Tags = append(it.rec.Tags, t.Name)
		t.Counts.Add(tagDelta(&it.rec, t.TrackUnread))
		if err := txn.saveTag(t); err != nil {
			return err
		}
	}
	if len(it.rec.Tags) > 0 {
		if err := it.save(txn); err != nil {
			return err
		}
	}

	txn.Change(ChangeAddItem{ID: it.rec.ID, Kind: it.rec.Kind, FolderID: it.rec.FolderID, ModSeq: it.rec.ModMetadata})
	return nil
}

// nameTaken reports whether a sibling in the folder already uses the name,
// excluding the item with id self.
func (txn *Txn) nameTaken(folderID int64, name string, self int64) (bool, error) {
	exists, err := bstore.QueryTx[ItemRecord](txn.tx).FilterNonzero(ItemRecord{FolderID: folderID, Name: name}).FilterFn(func(rec ItemRecord) bool {
		return rec.ID != self
	}).Exists()
	if err != nil {
		return false, fmt.Errorf("checking name: %w", err)
	}
	return exists, nil
}

// addMailboxCounts adjusts the mailbox-wide size and contact counters.
func (txn *Txn) addMailboxCounts(size, contacts int64) error {
	if size == 0 && contacts == 0 {
		return nil
	}
	st := MailboxState{ID: 1}
	if err := txn.tx.Get(&st); err != nil {
		return fmt.Errorf("get mailbox state: %w", err)
	}
	st.Size += size
	st.Contacts += contacts
	if err := txn.tx.Update(&st); err != nil {
		return fmt.Errorf("updating mailbox state: %w", err)
	}
	return nil
}

// AlterTag adds or removes a named tag. The general tagging path: it never
// touches system flags or the unread state, those have their own gated paths.
// A no-op if the item already is in the desired state.
func (it *Item) AlterTag(txn *Txn, t *Tag, add bool) error {
	if !it.Kind().Taggable() {
		return fmt.Errorf("%w: %s %d", ErrCannotTag, it.Kind(), it.ID())
	}
	if err := txn.require(it, RightWrite); err != nil {
		return err
	}
	if it.IsTagged(t.Name) == add {
		return nil
	}

	// The parent is notified after persisting, capture it before mutating.
	parentID := it.rec.ParentID

	if add {
		it.rec.Tags = append(it.rec.Tags, t.Name)
	} else {
		tags := it.rec.Tags[:0]
		for _, name := range it.rec.Tags {
			if name != t.Name {
				tags = append(tags, name)
			}
		}
		it.rec.Tags = tags
	}

	d := tagDelta(&it.rec, t.TrackUnread)
	if add {
		t.Counts.Add(d)
	} else {
		t.Counts.Sub(d)
	}
	if err := txn.saveTag(t); err != nil {
		return err
	}

	if err := it.metadataChanged(txn); err != nil {
		return err
	}
	if err := it.save(txn); err != nil {
		return err
	}
	txn.Change(ChangeItemFlags{ID: it.rec.ID, Flags: it.rec.Flags, Tags: it.Tags(), ModSeq: it.rec.ModMetadata})
	metrics.ItemOpInc("altertag")
	return it.notifyParentTagChanged(txn, parentID)
}

// AlterFlag sets or clears one user-settable flag bit. System flags and the
// unread state are rejected here, they have separate gated paths. The deleted
// flag also maintains the folder's deleted and deleted-unread aggregates.
func (it *Item) AlterFlag(txn *Txn, flag Flags, set bool) error {
	if flag == 0 || flag&(flag-1) != 0 || flag&^FlagsAll != 0 {
		return fmt.Errorf("%w: invalid flag %v", ErrCannotTag, flag)
	}
	if flag&FlagsSystem != 0 {
		return fmt.Errorf("%w: system flag %v", ErrCannotTag, flag)
	}
	if !canFlag(flag, it.Kind()) {
		return fmt.Errorf("%w: flag %v on %s", ErrCannotTag, flag, it.Kind())
	}
	if err := txn.require(it, RightWrite); err != nil {
		return err
	}
	if (it.rec.Flags&flag != 0) == set {
		return nil
	}

	parentID := it.rec.ParentID
	it.rec.Flags ^= flag

	if flag == FDeleted && it.Kind().IsLeaf() {
		folder, err := txn.Folder(it.rec.FolderID)
		if err != nil {
			return err
		}
		d := FolderCounts{Deleted: 1, DeletedUnread: it.rec.UnreadCount}
		if set {
			folder.Counts.Add(d)
		} else {
			folder.Counts.Sub(d)
		}
		if err := txn.saveFolder(folder); err != nil {
			return err
		}
	}

	if err := it.metadataChanged(txn); err != nil {
		return err
	}
	if err := it.save(txn); err != nil {
		return err
	}
	txn.Change(ChangeItemFlags{ID: it.rec.ID, Flags: it.rec.Flags, Tags: it.Tags(), ModSeq: it.rec.ModMetadata})
	metrics.ItemOpInc("alterflag")
	return it.notifyParentTagChanged(txn, parentID)
}

// AlterSystemFlag sets or clears a system-reserved flag bit, bypassing the
// applicability gate. System flag changes are bookkeeping, they do not advance
// the item's metadata modseq.
func (it *Item) AlterSystemFlag(txn *Txn, flag Flags, set bool) error {
	if flag == 0 || flag&(flag-1) != 0 || flag&^FlagsSystem != 0 {
		return fmt.Errorf("%w: not a system flag: %v", ErrCannotTag, flag)
	}
	if (it.rec.Flags&flag != 0) == set {
		return nil
	}
	it.rec.Flags ^= flag
	return it.save(txn)
}

// notifyParentTagChanged tells the pre-captured parent container that an
// inherited tag changed on one of its children. A dangling or synthetic
// parent id is ignored.
func (it *Item) notifyParentTagChanged(txn *Txn, parentID int64) error {
	if parentID <= 0 {
		return nil
	}
	parent, err := txn.Item(parentID, KindUnknown)
	if err != nil {
		if errors.Is(err, ErrNoSuchItem) {
			return nil
		}
		return err
	}
	if !parent.Kind().CanChildren() {
		return nil
	}
	if err := parent.metadataChanged(txn); err != nil {
		return err
	}
	if err := parent.save(txn); err != nil {
		return err
	}
	txn.Change(ChangeItemModified{ID: parent.ID(), ModSeq: parent.rec.ModMetadata})
	return nil
}

// AlterUnread marks the item read or unread, maintaining the folder and
// unread-tracking tag aggregates and the parent container's unread count. On
// a container it cascades to the children.
func (it *Item) AlterUnread(txn *Txn, unread bool) error {
	if !it.Kind().TrackUnread() {
		return fmt.Errorf("%w: unread on %s", ErrCannotTag, it.Kind())
	}
	if err := txn.require(it, RightWrite); err != nil {
		return err
	}

	if !it.Kind().IsLeaf() {
		// Conversations cascade to their messages; their own count follows
		// through child propagation.
		children, err := bstore.QueryTx[ItemRecord](txn.tx).FilterNonzero(ItemRecord{ParentID: it.rec.ID}).List()
		if err != nil {
			return fmt.Errorf("listing children: %w", err)
		}
		for _, crec := range children {
			if !crec.Kind.TrackUnread() || (crec.UnreadCount > 0) == unread {
				continue
			}
			child, err := txn.Item(crec.ID, KindUnknown)
			if err != nil {
				return err
			}
			if err := child.AlterUnread(txn, unread); err != nil {
				return err
			}
		}
		return nil
	}

	if (it.rec.UnreadCount > 0) == unread {
		return nil
	}
	var delta int64 = 1
	if !unread {
		delta = -1
	}
	it.rec.UnreadCount += delta

	folder, err := txn.Folder(it.rec.FolderID)
	if err != nil {
		return err
	}
	folder.Counts.Unread += delta
	if it.rec.Flags&FDeleted != 0 {
		folder.Counts.DeletedUnread += delta
	}
	if err := txn.saveFolder(folder); err != nil {
		return err
	}

	for _, name := range it.rec.Tags {
		t, err := txn.TagByName(name)
		if err != nil {
			if errors.Is(err, ErrNoSuchTag) {
				continue
			}
			return err
		}
		if !t.TrackUnread {
			continue
		}
		t.Counts.Unread += delta
		if err := txn.saveTag(t); err != nil {
			return err
		}
	}

	if err := it.metadataChanged(txn); err != nil {
		return err
	}
	if err := it.save(txn); err != nil {
		return err
	}
	txn.Change(ChangeItemFlags{ID: it.rec.ID, Flags: it.rec.Flags, Tags: it.Tags(), ModSeq: it.rec.ModMetadata})

	// Propagate into the containing conversation.
	if it.rec.ParentID > 0 {
		parent, err := txn.Item(it.rec.ParentID, KindUnknown)
		if err != nil {
			if errors.Is(err, ErrNoSuchItem) {
				return nil
			}
			return err
		}
		if parent.Kind().TrackUnread() && !parent.Kind().IsLeaf() {
			parent.rec.UnreadCount += delta
			if err := parent.save(txn); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetTags replaces the item's flags and tags in bulk. System flag bits in the
// requested mask are ignored, the current system bits are kept. Tag names
// that no longer resolve to an existing tag are silently skipped.
func (it *Item) SetTags(txn *Txn, flags Flags, tagNames []string) error {
	flags = (flags &^ FlagsSystem) | (it.rec.Flags & FlagsSystem)
	for _, bit := range (flags ^ it.rec.Flags).bits() {
		if bit&FlagsSystem != 0 {
			continue
		}
		if err := it.AlterFlag(txn, bit, flags&bit != 0); err != nil {
			return err
		}
	}

	want := map[string]bool{}
	for _, name := range tagNames {
		want[name] = true
	}
	for _, name := range it.Tags() {
		if want[name] {
			delete(want, name)
			continue
		}
		t, err := txn.TagByName(name)
		if err != nil {
			if errors.Is(err, ErrNoSuchTag) {
				continue
			}
			return err
		}
		if err := it.AlterTag(txn, t, false); err != nil {
			return err
		}
	}
	for name := range want {
		t, err := txn.TagByName(name)
		if err != nil {
			if errors.Is(err, ErrNoSuchTag) {
				continue
			}
			return err
		}
		if err := it.AlterTag(txn, t, true); err != nil {
			return err
		}
	}
	return nil
}

// SetSection stores or removes one named custom-metadata section. A nil or
// empty map removes the section. If the combined serialized size of all
// sections would exceed the configured ceiling, nothing is changed.
func (it *Item) SetSection(txn *Txn, name string, kv map[string]string) error {
	if err := txn.require(it, RightWrite); err != nil {
		return err
	}

	sections := make(map[string]map[string]string, len(it.sections)+1)
	for n, m := range it.sections {
		sections[n] = m
	}
	if len(kv) == 0 {
		delete(sections, name)
	} else {
		sections[name] = kv
	}
	if n := sectionsSize(sections); n > txn.mb.Limits.MetadataLimit {
		return fmt.Errorf("%w: %d bytes", ErrTooMuchMetadata, n)
	}

	it.sections = sections
	if len(it.sections) == 0 {
		it.sections = nil
	}
	if err := it.metadataChanged(txn); err != nil {
		return err
	}
	if err := it.save(txn); err != nil {
		return err
	}
	txn.Change(ChangeItemModified{ID: it.rec.ID, ModSeq: it.rec.ModMetadata})
	return nil
}

// SetColor sets the item's color.
func (it *Item) SetColor(txn *Txn, color uint32) error {
	if err := txn.require(it, RightWrite); err != nil {
		return err
	}
	if it.color == color {
		return nil
	}
	it.color = color
	if err := it.metadataChanged(txn); err != nil {
		return err
	}
	if err := it.save(txn); err != nil {
		return err
	}
	txn.Change(ChangeItemModified{ID: it.rec.ID, ModSeq: it.rec.ModMetadata})
	return nil
}

// SetDate sets the item's date.
func (it *Item) SetDate(txn *Txn, date time.Time) error {
	if err := txn.require(it, RightWrite); err != nil {
		return err
	}
	if it.rec.Date.Equal(date) {
		return nil
	}
	it.rec.Date = date
	if err := it.metadataChanged(txn); err != nil {
		return err
	}
	if err := it.save(txn); err != nil {
		return err
	}
	txn.Change(ChangeItemModified{ID: it.rec.ID, ModSeq: it.rec.ModMetadata})
	return nil
}

// SetContent replaces the item's content with staged data, snapshotting the
// prior state as a revision first (per the configured revision policy) and
// keeping the size aggregates of folder, tags and mailbox in step. The old
// blob is queued for removal only when no revision snapshot took ownership of
// it. An already-indexed item is marked stale and queued for reindexing.
func (it *Item) SetContent(txn *Txn, staged *blobstore.Staged) error {
	if !it.Kind().Mutable() {
		return fmt.Errorf("%w: %s %d", ErrImmutable, it.Kind(), it.ID())
	}
	if err := txn.require(it, RightWrite); err != nil {
		return err
	}
	if err := it.AddRevision(txn); err != nil {
		return err
	}
	modseq, err := txn.ModSeq()
	if err != nil {
		return err
	}

	oldLoc := it.rec.Locator
	oldSize := it.rec.Size
	loc, err := txn.mb.Blobs.Adopt(staged, it.rec.ID, int64(modseq))
	if err != nil {
		return err
	}
	txn.newBlobs = append(txn.newBlobs, loc)
	it.rec.Locator = loc
	it.rec.Digest = staged.Digest
	it.rec.Size = staged.Size

	if delta := staged.Size - oldSize; delta != 0 && it.Kind().IsLeaf() {
		folder, err := txn.Folder(it.rec.FolderID)
		if err != nil {
			return err
		}
		folder.Counts.Size += delta
		if err := txn.saveFolder(folder); err != nil {
			return err
		}
		for _, name := range it.rec.Tags {
			t, err := txn.TagByName(name)
			if err != nil {
				if errors.Is(err, ErrNoSuchTag) {
					continue
				}
				return err
			}
			t.Counts.Size += delta
			if err := txn.saveTag(t); err != nil {
				return err
			}
		}
		if err := txn.addMailboxCounts(delta, 0); err != nil {
			return err
		}
	}

	if oldLoc != "" {
		owned := it.haveRevs && len(it.revisions) > 0 && it.revisions[len(it.revisions)-1].Locator == oldLoc
		if !owned {
			txn.action(ActionRemoveBlob{Locator: oldLoc})
		}
	}

	if it.rec.IndexStatus == IndexDone {
		it.rec.IndexStatus = IndexStale
	}
	if it.Kind().Indexable() {
		txn.action(ActionIndex{ID: it.rec.ID, IndexID: it.rec.IndexID, Kind: it.rec.Kind, Subject: it.rec.Subject, Name: it.rec.Name, Digest: it.rec.Digest})
	}

	if err := it.contentChanged(txn); err != nil {
		return err
	}
	if err := it.save(txn); err != nil {
		return err
	}
	txn.Change(ChangeItemModified{ID: it.rec.ID, ModSeq: it.rec.ModMetadata})
	return nil
}

// Lock takes an exclusive edit lock on a lockable item for owner.
func (it *Item) Lock(txn *Txn, owner string) error {
	if !it.Kind().Lockable() {
		return fmt.Errorf("%w: %s %d", ErrCannotLock, it.Kind(), it.ID())
	}
	if err := txn.require(it, RightWrite); err != nil {
		return err
	}
	if it.rec.LockOwner != "" && it.rec.LockOwner != owner {
		return fmt.Errorf("%w: locked by %q", ErrCannotLock, it.rec.LockOwner)
	}
	it.rec.LockOwner = owner
	if err := it.metadataChanged(txn); err != nil {
		return err
	}
	return it.save(txn)
}

// Unlock releases an edit lock held by owner.
func (it *Item) Unlock(txn *Txn, owner string) error {
	if it.rec.LockOwner == "" {
		return nil
	}
	if it.rec.LockOwner != owner {
		return fmt.Errorf("%w: locked by %q", ErrCannotLock, it.rec.LockOwner)
	}
	it.rec.LockOwner = ""
	if err := it.metadataChanged(txn); err != nil {
		return err
	}
	return it.save(txn)
}
