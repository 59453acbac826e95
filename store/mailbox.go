/*
Package store implements the item lifecycle of a mailbox: messages, folders,
tags, conversations, documents and their mutual consistency.

Items are kept in a database (package bstore), their content in per-item files
(package blobstore), and a searchable catalog in a separate database (package
search). The three cannot share one transaction. All mutations run inside a
single metadata transaction under a per-mailbox single-writer lock. Destructive
effects outside the metadata store, blob unlinks and index removals, are only
ever queued during a transaction and executed by the caller after commit, so a
rolled-back transaction never loses storage a still-visible item depends on.

Folder and tag aggregate counts (item count, unread, deleted, size) are
maintained incrementally with every item mutation.
*/
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	"github.com/keepmail/keepmail/blobstore"
	"github.com/keepmail/keepmail/config"
	"github.com/keepmail/keepmail/metrics"
	"github.com/keepmail/keepmail/mlog"
	"github.com/keepmail/keepmail/search"
)

var xlog = mlog.New("store")

// DBTypes are the types stored in the mailbox database.
var DBTypes = []any{NextItemID{}, SyncState{}, MailboxState{}, Folder{}, Tag{}, ItemRecord{}, Revision{}, Tombstone{}}

// Rights is a set of access rights, checked before mutations.
type Rights uint8

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightInsert
	RightDelete
	RightAdmin
)

// RightsAll grants everything.
const RightsAll = RightRead | RightWrite | RightInsert | RightDelete | RightAdmin

// AccessFunc evaluates access: given an item (by kind and id) and the
// requested rights, it returns the granted subset. A nil AccessFunc grants
// all rights.
type AccessFunc func(kind Kind, id int64, want Rights) Rights

// Mailbox is one mailbox: a metadata database, a blob store and a search
// index, with registries for folders and tags and a cache of item entities.
//
// Mailboxes are independent of each other. Within one mailbox, mutations are
// serialized by a single-writer lock taken for the duration of a Write.
type Mailbox struct {
	Limits config.Limits
	DB     *bstore.DB
	Blobs  *blobstore.Store
	Index  *search.Index

	// Access evaluation hook. Nil grants all rights.
	Access AccessFunc

	mu     sync.Mutex // Single writer.
	closed bool
	cache  map[int64]*Item
}

// Open opens or creates the mailbox under cfg.DataDir, initializing the
// databases and, on first use, the default folders (Inbox, Drafts, Sent, Spam,
// Trash, and a Dumpster when enabled).
func Open(ctx context.Context, cfg config.Limits) (*Mailbox, error) {
	if err := os.MkdirAll(cfg.DataDir, 0770); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbpath := filepath.Join(cfg.DataDir, "mailbox.db")
	db, err := bstore.Open(ctx, dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open mailbox database: %w", err)
	}
	blobs, err := blobstore.Open(filepath.Join(cfg.DataDir, "content"))
	if err != nil {
		db.Close()
		return nil, err
	}
	index, err := search.Open(filepath.Join(cfg.DataDir, "search.db"))
	if err != nil {
		db.Close()
		return nil, err
	}
	mb := &Mailbox{
		Limits: cfg,
		DB:     db,
		Blobs:  blobs,
		Index:  index,
		cache:  map[int64]*Item{},
	}
	if err := mb.init(ctx); err != nil {
		mb.Close()
		return nil, fmt.Errorf("initializing mailbox: %w", err)
	}
	return mb, nil
}

// init ensures the singletons and default folders exist.
func (mb *Mailbox) init(ctx context.Context) error {
	return mb.DB.Write(ctx, func(tx *bstore.Tx) error {
		state := SyncState{ID: 1}
		err := tx.Get(&state)
		if err == nil {
			return nil
		} else if !errors.Is(err, bstore.ErrAbsent) {
			return err
		}

		if err := tx.Insert(&SyncState{ID: 1, LastModSeq: 1, HighestDeletedModSeq: -1}); err != nil {
			return err
		}
		next := NextItemID{ID: 1, Next: 1}
		if err := tx.Insert(&next); err != nil {
			return err
		}
		if err := tx.Insert(&MailboxState{ID: 1}); err != nil {
			return err
		}

		defaults := []Folder{
			{Name: "Inbox"},
			{Name: "Drafts", SpecialUse: SpecialUse{Drafts: true}},
			{Name: "Sent", SpecialUse: SpecialUse{Sent: true}},
			{Name: "Spam", SpecialUse: SpecialUse{Spam: true}},
			{Name: "Trash", SpecialUse: SpecialUse{Trash: true}},
		}
		if mb.Limits.DumpsterEnabled {
			defaults = append(defaults, Folder{Name: "Dumpster", SpecialUse: SpecialUse{Dumpster: true}})
		}
		for _, f := range defaults {
			f.ID = next.Next
			next.Next++
			f.CreateSeq = 1
			f.ModSeq = 1
			if err := tx.Insert(&f); err != nil {
				return fmt.Errorf("inserting default folder %s: %w", f.Name, err)
			}
		}
		return tx.Update(&next)
	})
}

// Close closes the databases. Pending actions from earlier transactions
// should have been run first.
func (mb *Mailbox) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return ErrClosed
	}
	mb.closed = true
	mb.cache = nil
	var err error
	if mb.Index != nil {
		err = mb.Index.Close()
	}
	if mb.DB != nil {
		if xerr := mb.DB.Close(); err == nil {
			err = xerr
		}
	}
	return err
}

// Txn is one mutating transaction on a mailbox. All item operations take a
// Txn. A Txn is only valid during the Write call that created it, and only on
// the goroutine running it.
type Txn struct {
	mb  *Mailbox
	tx  *bstore.Tx
	now time.Time

	modseq ModSeq // Assigned on first use.

	folders        map[int64]*Folder // Loaded folders, single instance per txn.
	tags           map[string]*Tag
	changedFolders map[int64]bool
	changedTags    map[string]bool

	changes  []Change
	actions  []Action
	newBlobs []string // Adopted during this txn, removed again on rollback.
	evict    []int64  // Cache evictions applied after commit.
}

// Write runs fn inside a metadata transaction under the single-writer lock.
// On success it returns the change notifications and the queued deferred
// actions; the caller must pass the actions to RunActions after processing
// the commit. On failure the in-memory mailbox snapshot (the entity cache) is
// discarded and blobs adopted during the transaction are removed.
func (mb *Mailbox) Write(ctx context.Context, fn func(txn *Txn) error) ([]Change, []Action, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return nil, nil, ErrClosed
	}

	txn := &Txn{
		mb:             mb,
		now:            time.Now(),
		folders:        map[int64]*Folder{},
		tags:           map[string]*Tag{},
		changedFolders: map[int64]bool{},
		changedTags:    map[string]bool{},
	}
	err := mb.DB.Write(ctx, func(tx *bstore.Tx) error {
		txn.tx = tx
		if err := fn(txn); err != nil {
			return err
		}
		return txn.finish()
	})
	txn.tx = nil
	if err != nil {
		// No partial self-rollback: the entity cache may hold half-applied
		// state, discard the whole snapshot.
		mb.cache = map[int64]*Item{}
		for _, p := range txn.newBlobs {
			rerr := mb.Blobs.Remove(p)
			if rerr != nil && !errors.Is(rerr, blobstore.ErrAbsent) {
				xlog.Errorx("removing blob after failed transaction", rerr, mlog.Field("locator", p))
			}
		}
		return nil, nil, err
	}
	for _, id := range txn.evict {
		if it, ok := mb.cache[id]; ok {
			it.detach()
			delete(mb.cache, id)
		}
	}
	return txn.changes, txn.actions, nil
}

// finish emits per-folder count changes once per transaction.
func (txn *Txn) finish() error {
	for id := range txn.changedFolders {
		f := txn.folders[id]
		if f == nil {
			continue
		}
		txn.changes = append(txn.changes, ChangeFolderCounts{FolderID: f.ID, Counts: f.Counts})
	}
	return nil
}

// Time is the timestamp of the transaction.
func (txn *Txn) Time() time.Time {
	return txn.now
}

// ModSeq returns the modification sequence number of this transaction,
// assigning one from the mailbox counter on first use.
func (txn *Txn) ModSeq() (ModSeq, error) {
	if txn.modseq > 0 {
		return txn.modseq, nil
	}
	state := SyncState{ID: 1}
	if err := txn.tx.Get(&state); err != nil {
		return 0, fmt.Errorf("get sync state: %w", err)
	}
	state.LastModSeq++
	if err := txn.tx.Update(&state); err != nil {
		return 0, fmt.Errorf("updating sync state: %w", err)
	}
	txn.modseq = state.LastModSeq
	return txn.modseq, nil
}

// nextID hands out a fresh item id. Ids are shared between items and folders
// and tags, and never reused.
func (txn *Txn) nextID() (int64, error) {
	next := NextItemID{ID: 1}
	if err := txn.tx.Get(&next); err != nil {
		return 0, fmt.Errorf("get next item id: %w", err)
	}
	id := next.Next
	next.Next++
	if err := txn.tx.Update(&next); err != nil {
		return 0, fmt.Errorf("updating next item id: %w", err)
	}
	return id, nil
}

// require checks rights on an item, returning ErrPermission when want is not
// fully granted.
func (txn *Txn) require(it *Item, want Rights) error {
	return txn.requireKind(it.Kind(), it.ID(), want)
}

func (txn *Txn) requireKind(kind Kind, id int64, want Rights) error {
	if txn.mb.Access == nil {
		return nil
	}
	if granted := txn.mb.Access(kind, id, want); granted&want != want {
		return fmt.Errorf("%w: %s %d", ErrPermission, kind, id)
	}
	return nil
}

// Change appends a change notification to the transaction.
func (txn *Txn) Change(ch Change) {
	txn.changes = append(txn.changes, ch)
}

// action queues a deferred post-commit effect.
func (txn *Txn) action(a Action) {
	txn.actions = append(txn.actions, a)
}

// Folder returns the folder with the given id, loading it on first use. All
// calls within one transaction return the same instance, so aggregate updates
// compose.
func (txn *Txn) Folder(id int64) (*Folder, error) {
	if f, ok := txn.folders[id]; ok {
		return f, nil
	}
	f := Folder{ID: id}
	if err := txn.tx.Get(&f); err != nil {
		if errors.Is(err, bstore.ErrAbsent) {
			return nil, fmt.Errorf("%w: folder %d", ErrNoSuchFolder, id)
		}
		return nil, fmt.Errorf("get folder %d: %w", id, err)
	}
	txn.folders[id] = &f
	return &f, nil
}

// FolderByName returns the folder with the given name under parentID.
func (txn *Txn) FolderByName(parentID int64, name string) (*Folder, error) {
	f, err := bstore.QueryTx[Folder](txn.tx).FilterNonzero(Folder{Name: name}).FilterEqual("ParentID", parentID).Get()
	if err != nil {
		if errors.Is(err, bstore.ErrAbsent) {
			return nil, fmt.Errorf("%w: %q", ErrNoSuchFolder, name)
		}
		return nil, fmt.Errorf("lookup folder %q: %w", name, err)
	}
	if cached, ok := txn.folders[f.ID]; ok {
		return cached, nil
	}
	txn.folders[f.ID] = &f
	return &f, nil
}

// specialFolder returns the first folder matching sel, or ErrNoSuchFolder.
func (txn *Txn) specialFolder(sel func(Folder) bool) (*Folder, error) {
	f, err := bstore.QueryTx[Folder](txn.tx).FilterFn(sel).Get()
	if err != nil {
		if errors.Is(err, bstore.ErrAbsent) {
			return nil, ErrNoSuchFolder
		}
		return nil, fmt.Errorf("lookup special folder: %w", err)
	}
	if cached, ok := txn.folders[f.ID]; ok {
		return cached, nil
	}
	txn.folders[f.ID] = &f
	return &f, nil
}

// saveFolder persists a loaded folder after modification.
func (txn *Txn) saveFolder(f *Folder) error {
	txn.changedFolders[f.ID] = true
	if err := txn.tx.Update(f); err != nil {
		return fmt.Errorf("updating folder %d: %w", f.ID, err)
	}
	return nil
}

// CreateFolder creates a folder under parentID. Sibling names must be unique.
func (txn *Txn) CreateFolder(parentID int64, name string, use SpecialUse) (*Folder, error) {
	name, err := validName(name, txn.mb.Limits.MaxNameLength)
	if err != nil {
		return nil, err
	}
	if parentID != 0 {
		if _, err := txn.Folder(parentID); err != nil {
			return nil, err
		}
	}
	exists, err := bstore.QueryTx[Folder](txn.tx).FilterNonzero(Folder{Name: name}).FilterEqual("ParentID", parentID).Exists()
	if err != nil {
		return nil, fmt.Errorf("checking folder name: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: folder %q", ErrAlreadyExists, name)
	}
	id, err := txn.nextID()
	if err != nil {
		return nil, err
	}
	modseq, err := txn.ModSeq()
	if err != nil {
		return nil, err
	}
	f := &Folder{ID: id, ParentID: parentID, Name: name, SpecialUse: use, CreateSeq: modseq, ModSeq: modseq}
	if err := txn.tx.Insert(f); err != nil {
		return nil, fmt.Errorf("inserting folder: %w", err)
	}
	txn.folders[f.ID] = f
	txn.Change(ChangeAddFolder{Folder: *f})
	return f, nil
}

// TagByName returns the tag with the given name, case-sensitively.
func (txn *Txn) TagByName(name string) (*Tag, error) {
	if t, ok := txn.tags[name]; ok {
		return t, nil
	}
	t, err := bstore.QueryTx[Tag](txn.tx).FilterNonzero(Tag{Name: name}).Get()
	if err != nil {
		if errors.Is(err, bstore.ErrAbsent) {
			return nil, fmt.Errorf("%w: %q", ErrNoSuchTag, name)
		}
		return nil, fmt.Errorf("lookup tag %q: %w", name, err)
	}
	txn.tags[name] = &t
	return &t, nil
}

// saveTag persists a loaded tag after modification.
func (txn *Txn) saveTag(t *Tag) error {
	txn.changedTags[t.Name] = true
	if err := txn.tx.Update(t); err != nil {
		return fmt.Errorf("updating tag %q: %w", t.Name, err)
	}
	return nil
}

// CreateTag creates a named tag. Tag names share the item name rules.
func (txn *Txn) CreateTag(name string, color uint32, trackUnread bool) (*Tag, error) {
	name, err := validName(name, txn.mb.Limits.MaxNameLength)
	if err != nil {
		return nil, err
	}
	exists, err := bstore.QueryTx[Tag](txn.tx).FilterNonzero(Tag{Name: name}).Exists()
	if err != nil {
		return nil, fmt.Errorf("checking tag name: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: tag %q", ErrAlreadyExists, name)
	}
	id, err := txn.nextID()
	if err != nil {
		return nil, err
	}
	modseq, err := txn.ModSeq()
	if err != nil {
		return nil, err
	}
	t := &Tag{ID: id, Name: name, Color: color, TrackUnread: trackUnread, CreateSeq: modseq, ModSeq: modseq}
	if err := txn.tx.Insert(t); err != nil {
		return nil, fmt.Errorf("inserting tag: %w", err)
	}
	txn.tags[t.Name] = t
	txn.Change(ChangeAddTag{Tag: *t})
	return t, nil
}

// DeleteTag removes a tag from the registry and from every item carrying it.
func (txn *Txn) DeleteTag(t *Tag) error {
	if err := txn.requireKind(KindTag, t.ID, RightDelete); err != nil {
		return err
	}
	items, err := bstore.QueryTx[ItemRecord](txn.tx).FilterFn(func(rec ItemRecord) bool {
		for _, name := range rec.Tags {
			if name == t.Name {
				return true
			}
		}
		return false
	}).List()
	if err != nil {
		return fmt.Errorf("listing tagged items: %w", err)
	}
	for _, rec := range items {
		it, err := txn.Item(rec.ID, KindUnknown)
		if err != nil {
			return err
		}
		if err := it.AlterTag(txn, t, false); err != nil {
			return fmt.Errorf("untagging item %d: %w", rec.ID, err)
		}
	}
	modseq, err := txn.ModSeq()
	if err != nil {
		return err
	}
	if err := txn.tx.Delete(&Tag{ID: t.ID}); err != nil {
		return fmt.Errorf("deleting tag: %w", err)
	}
	delete(txn.tags, t.Name)
	delete(txn.changedTags, t.Name)
	txn.Change(ChangeRemoveTag{ID: t.ID, Name: t.Name, ModSeq: modseq})
	return nil
}

// Item returns the item with the given id, from cache or loaded from the
// database. The desired kind follows the substitution rules: KindUnknown
// matches anything, KindFolder accepts search folders and mountpoints, and so
// on. A mismatch is reported as ErrWrongKind.
func (txn *Txn) Item(id int64, desired Kind) (*Item, error) {
	if it, ok := txn.mb.cache[id]; ok {
		if !AcceptableKind(desired, it.Kind()) {
			return nil, fmt.Errorf("%w: item %d is a %s, requested %s", ErrWrongKind, id, it.Kind(), desired)
		}
		return it, nil
	}
	rec := ItemRecord{ID: id}
	if err := txn.tx.Get(&rec); err != nil {
		if errors.Is(err, bstore.ErrAbsent) {
			return nil, fmt.Errorf("%w: %d", ErrNoSuchItem, id)
		}
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}
	if !AcceptableKind(desired, rec.Kind) {
		return nil, fmt.Errorf("%w: item %d is a %s, requested %s", ErrWrongKind, id, rec.Kind, desired)
	}
	it, err := loadItem(rec)
	if err != nil {
		return nil, err
	}
	if rec.Flags&FUncached == 0 {
		txn.mb.cache[id] = it
	}
	return it, nil
}

// RunActions executes deferred post-commit effects: blob unlinks, index
// removals and index additions. Failures are logged and counted, execution
// continues; actions are replayable. Items indexed here get their records
// marked done through CompleteIndexing.
func (mb *Mailbox) RunActions(ctx context.Context, actions []Action) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		metrics.PanicInc("store")
		xlog.Error("unhandled panic running deferred actions", mlog.Field("panic", fmt.Sprint(x)))
		debug.PrintStack()
	}()

	var indexed []int64
	for _, a := range actions {
		switch x := a.(type) {
		case ActionRemoveBlob:
			metrics.DeferredActionAdd("blob", 1)
			err := mb.Blobs.Remove(x.Locator)
			if err != nil && !errors.Is(err, blobstore.ErrAbsent) {
				xlog.Errorx("removing blob", err, mlog.Field("locator", x.Locator))
			}
		case ActionRemoveIndex:
			metrics.DeferredActionAdd("index", len(x.IndexIDs))
			if err := mb.Index.Remove(x.IndexIDs); err != nil {
				xlog.Errorx("removing index entries", err, mlog.Field("ids", fmt.Sprint(x.IndexIDs)))
			}
		case ActionIndex:
			metrics.DeferredActionAdd("reindex", 1)
			e := search.Entry{ID: x.IndexID, Kind: x.Kind.String(), Subject: x.Subject, Name: x.Name, Digest: x.Digest}
			if err := mb.Index.Add(e); err != nil {
				xlog.Errorx("indexing item", err, mlog.Field("id", x.ID))
				continue
			}
			indexed = append(indexed, x.ID)
		default:
			xlog.Error("unknown deferred action", mlog.Field("action", fmt.Sprintf("%T", a)))
		}
	}
	if len(indexed) > 0 {
		if err := mb.CompleteIndexing(ctx, indexed); err != nil {
			xlog.Errorx("marking items indexed", err)
		}
	}
}

// OpenContent opens the content behind an item's or revision's blob locator.
// An empty locator, for kinds without content, and a missing blob both return
// ErrNoSuchBlob.
func (mb *Mailbox) OpenContent(locator string) (*os.File, error) {
	if locator == "" {
		return nil, fmt.Errorf("%w: no content", ErrNoSuchBlob)
	}
	f, err := mb.Blobs.Reader(locator)
	if err != nil {
		if errors.Is(err, blobstore.ErrAbsent) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchBlob, locator)
		}
		return nil, err
	}
	return f, nil
}

// CompleteIndexing marks items as fully indexed after their index entries
// were written. Items deleted or reindexed in the meantime are skipped.
func (mb *Mailbox) CompleteIndexing(ctx context.Context, ids []int64) error {
	_, _, err := mb.Write(ctx, func(txn *Txn) error {
		for _, id := range ids {
			it, err := txn.Item(id, KindUnknown)
			if err != nil {
				if errors.Is(err, ErrNoSuchItem) {
					continue
				}
				return err
			}
			if it.rec.IndexStatus != IndexDeferred && it.rec.IndexStatus != IndexStale {
				continue
			}
			it.rec.IndexStatus = IndexDone
			if err := it.save(txn); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}
