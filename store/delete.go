package store

import (
	"errors"
	"fmt"

	"github.com/mjl-/bstore"
	"golang.org/x/exp/slices"

	"github.com/keepmail/keepmail/config"
	"github.com/keepmail/keepmail/metrics"
	"github.com/keepmail/keepmail/mlog"
)

// DeleteScope selects what a delete removes.
type DeleteScope int

const (
	// DeleteItem removes the item and everything under it.
	DeleteItem DeleteScope = iota
	// DeleteContents removes only the children, the container itself stays.
	DeleteContents
)

// DeltaCounts is a per-folder or per-tag aggregate delta in a PendingDelete.
type DeltaCounts struct {
	Count         int64
	Deleted       int64
	Unread        int64
	DeletedUnread int64
	Size          int64
}

func (d *DeltaCounts) add(o DeltaCounts) {
	d.Count += o.Count
	d.Deleted += o.Deleted
	d.Unread += o.Unread
	d.DeletedUnread += o.DeletedUnread
	d.Size += o.Size
}

// parentDelta is the child-count and unread decrement owed to a surviving
// parent container.
type parentDelta struct {
	children int64
	unread   int64
}

// PendingDelete aggregates the transitive effect of removing a subtree,
// computed in full before anything is applied. Merge combines two aggregates;
// it is associative and commutative, merging disjoint sets equals computing
// the aggregate over the union directly.
type PendingDelete struct {
	RootID     int64
	Kinds      uint32 // Bitmask of the kinds involved.
	Incomplete bool   // A processed container had excluded children.
	Size       int64  // Bytes removed, including every revision.
	Contacts   int64

	Items     map[Kind][]int64
	UnreadIDs []int64 // Unread leaf items, for parent-container propagation.

	// Index entries to remove unconditionally, and entries of copied items
	// whose removal is resolved by reference count at apply time.
	IndexIDs       []int64
	SharedIndexIDs []int64

	Blobs   []string // Locators of item and revision content to unlink.
	Digests []string

	FolderCounts map[int64]DeltaCounts
	TagCounts    map[string]DeltaCounts

	parentDeltas map[int64]parentDelta
}

func newPendingDelete(rootID int64) *PendingDelete {
	return &PendingDelete{
		RootID:       rootID,
		Items:        map[Kind][]int64{},
		FolderCounts: map[int64]DeltaCounts{},
		TagCounts:    map[string]DeltaCounts{},
		parentDeltas: map[int64]parentDelta{},
	}
}

// AllIDs returns all item ids in the aggregate, ascending.
func (pd *PendingDelete) AllIDs() []int64 {
	var ids []int64
	for _, l := range pd.Items {
		ids = append(ids, l...)
	}
	slices.Sort(ids)
	return ids
}

// Count returns the number of items in the aggregate.
func (pd *PendingDelete) Count() int {
	n := 0
	for _, l := range pd.Items {
		n += len(l)
	}
	return n
}

// Merge folds other into pd: bitmask and incomplete OR, sums, set unions and
// per-key summation of the count maps.
func (pd *PendingDelete) Merge(other *PendingDelete) {
	if other == nil {
		return
	}
	pd.Kinds |= other.Kinds
	pd.Incomplete = pd.Incomplete || other.Incomplete
	pd.Size += other.Size
	pd.Contacts += other.Contacts
	for kind, ids := range other.Items {
		pd.Items[kind] = append(pd.Items[kind], ids...)
	}
	pd.UnreadIDs = append(pd.UnreadIDs, other.UnreadIDs...)
	pd.IndexIDs = append(pd.IndexIDs, other.IndexIDs...)
	pd.SharedIndexIDs = append(pd.SharedIndexIDs, other.SharedIndexIDs...)
	pd.Blobs = append(pd.Blobs, other.Blobs...)
	pd.Digests = append(pd.Digests, other.Digests...)
	for id, d := range other.FolderCounts {
		c := pd.FolderCounts[id]
		c.add(d)
		pd.FolderCounts[id] = c
	}
	for name, d := range other.TagCounts {
		c := pd.TagCounts[name]
		c.add(d)
		pd.TagCounts[name] = c
	}
	for id, d := range other.parentDeltas {
		c := pd.parentDeltas[id]
		c.children += d.children
		c.unread += d.unread
		pd.parentDeltas[id] = c
	}
}

// cleanupExempt returns whether blob and index cleanup is skipped for an item
// in folder f: a soft-delete into a still-enabled dumpster keeps storage
// until the final purge, except for drafts and for spam when the dumpster
// does not take spam.
func cleanupExempt(cfg config.Limits, f *Folder, rec *ItemRecord) bool {
	if !cfg.DumpsterEnabled || f.Dumpster {
		return false
	}
	if rec.Flags&FDraft != 0 {
		return false
	}
	if f.Spam && !cfg.DumpsterForSpam {
		return false
	}
	return true
}

// addRecord folds one record and its revisions into the aggregate.
func (pd *PendingDelete) addRecord(txn *Txn, rec *ItemRecord, deleted map[int64]bool) error {
	pd.Kinds |= rec.Kind.Bitmask()
	pd.Items[rec.Kind] = append(pd.Items[rec.Kind], rec.ID)
	deleted[rec.ID] = true
	if rec.Kind == KindContact {
		pd.Contacts++
	}

	var revs []Revision
	if rec.Flags&FVersioned != 0 {
		var err error
		revs, err = bstore.QueryTx[Revision](txn.tx).FilterNonzero(Revision{ItemID: rec.ID}).SortAsc("Version").List()
		if err != nil {
			return fmt.Errorf("loading revisions of item %d: %w", rec.ID, err)
		}
	}

	if rec.Kind.IsLeaf() {
		size := rec.Size
		for _, rev := range revs {
			size += rev.Size
		}
		pd.Size += size

		d := DeltaCounts{Count: 1, Unread: rec.UnreadCount, Size: rec.Size}
		if rec.Flags&FDeleted != 0 {
			d.Deleted = 1
			d.DeletedUnread = rec.UnreadCount
		}
		c := pd.FolderCounts[rec.FolderID]
		c.add(d)
		pd.FolderCounts[rec.FolderID] = c

		for _, name := range rec.Tags {
			c := pd.TagCounts[name]
			c.add(DeltaCounts{Count: 1, Unread: rec.UnreadCount, Size: rec.Size})
			pd.TagCounts[name] = c
		}

		if rec.UnreadCount > 0 && rec.Kind.TrackUnread() {
			pd.UnreadIDs = append(pd.UnreadIDs, rec.ID)
		}
		if rec.ParentID > 0 {
			d := pd.parentDeltas[rec.ParentID]
			d.children++
			d.unread += rec.UnreadCount
			pd.parentDeltas[rec.ParentID] = d
		}
	} else {
		for _, name := range rec.Tags {
			c := pd.TagCounts[name]
			c.add(DeltaCounts{Count: rec.Size})
			pd.TagCounts[name] = c
		}
	}

	f, err := txn.Folder(rec.FolderID)
	if err != nil {
		return err
	}
	if cleanupExempt(txn.mb.Limits, f, rec) {
		return nil
	}

	if rec.Locator != "" {
		pd.Blobs = append(pd.Blobs, rec.Locator)
	}
	if rec.Digest != "" {
		pd.Digests = append(pd.Digests, rec.Digest)
	}
	var prevSeq ModSeq = -1
	for _, rev := range revs {
		if rev.Locator != "" && rev.ModContent != prevSeq && rev.ModContent != rec.ModContent {
			pd.Blobs = append(pd.Blobs, rev.Locator)
			prevSeq = rev.ModContent
		}
	}
	if rec.IndexID != 0 {
		if rec.Flags&FCopied != 0 {
			// Possibly shared with a copy, resolved by reference count when
			// the delete is applied.
			pd.SharedIndexIDs = append(pd.SharedIndexIDs, rec.IndexID)
		} else {
			pd.IndexIDs = append(pd.IndexIDs, rec.IndexID)
		}
	}
	return nil
}

// getDeletionInfo computes the aggregate for removing the item (or just its
// contents) and its transitive children. Children the caller may not delete
// are excluded and mark the aggregate incomplete.
func (it *Item) getDeletionInfo(txn *Txn, scope DeleteScope) (*PendingDelete, error) {
	if err := txn.require(it, RightDelete); err != nil {
		return nil, err
	}
	pd := newPendingDelete(it.rec.ID)
	deleted := map[int64]bool{}

	// Children first. The root is folded in afterwards, and only when the
	// whole subtree is removed: a contents-only delete or an incomplete
	// cascade keeps the container, excluding its id and its contributions.
	queue := []int64{it.rec.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := bstore.QueryTx[ItemRecord](txn.tx).FilterNonzero(ItemRecord{ParentID: id}).List()
		if err != nil {
			return nil, fmt.Errorf("listing children of %d: %w", id, err)
		}
		for i := range children {
			rec := children[i]
			if err := txn.requireKind(rec.Kind, rec.ID, RightDelete); err != nil {
				if errors.Is(err, ErrPermission) {
					pd.Incomplete = true
					continue
				}
				return nil, err
			}
			if err := pd.addRecord(txn, &rec, deleted); err != nil {
				return nil, err
			}
			if rec.Kind.CanChildren() {
				queue = append(queue, rec.ID)
			}
		}
	}
	if scope == DeleteItem && !pd.Incomplete {
		if err := pd.addRecord(txn, &it.rec, deleted); err != nil {
			return nil, err
		}
	}

	// Parents that are themselves removed need no propagation.
	for id := range pd.parentDeltas {
		if deleted[id] {
			delete(pd.parentDeltas, id)
		}
	}
	return pd, nil
}

// Delete removes the item (or only its contents) and everything under it.
// With the dumpster enabled this is a soft-delete: the rows move into the
// dumpster folder and blob/index cleanup waits for the final purge from
// there. Destructive storage effects are only queued, the transaction owner
// runs them after commit.
func (it *Item) Delete(txn *Txn, scope DeleteScope) error {
	pd, err := it.getDeletionInfo(txn, scope)
	if err != nil {
		return err
	}
	if err := txn.applyDelete(pd); err != nil {
		return err
	}
	metrics.ItemOpInc("delete")
	return nil
}

// applyDelete executes a computed aggregate: journal the removals, adjust
// folder/tag/mailbox counters, propagate unread and child-count deltas to
// surviving parents in batches, remove or dumpster the rows, cascade
// conversations left empty, resolve shared index entries, write tombstones,
// and queue the deferred blob/index removals.
func (txn *Txn) applyDelete(pd *PendingDelete) error {
	ids := pd.AllIDs()
	if len(ids) == 0 {
		return nil
	}
	modseq, err := txn.ModSeq()
	if err != nil {
		return err
	}
	txn.evict = append(txn.evict, ids...)

	var dumpster *Folder
	if txn.mb.Limits.DumpsterEnabled {
		dumpster, err = txn.specialFolder(func(f Folder) bool { return f.Dumpster })
		if err != nil && !errors.Is(err, ErrNoSuchFolder) {
			return err
		}
	}

	for folderID, d := range pd.FolderCounts {
		f, err := txn.Folder(folderID)
		if err != nil {
			return err
		}
		f.Counts.Sub(FolderCounts{Count: d.Count, Deleted: d.Deleted, Unread: d.Unread, DeletedUnread: d.DeletedUnread, Size: d.Size})
		if err := txn.saveFolder(f); err != nil {
			return err
		}
	}
	for name, d := range pd.TagCounts {
		t, err := txn.TagByName(name)
		if err != nil {
			if errors.Is(err, ErrNoSuchTag) {
				continue
			}
			return err
		}
		t.Counts.Sub(TagCounts{Count: d.Count, Unread: d.Unread, Size: d.Size})
		if err := txn.saveTag(t); err != nil {
			return err
		}
	}

	cascade, err := txn.propagateDeletion(pd)
	if err != nil {
		return err
	}

	// Physical removal, or relocation into the dumpster for soft-deletes.
	// Containers are always removed, the dumpster holds a flat set of leaves.
	var hard []int64
	batchSize := txn.mb.Limits.UnreadBatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultUnreadBatchSize
	}
	for kind, kindIDs := range pd.Items {
		soft := dumpster != nil && kind.IsLeaf()
		if !soft {
			hard = append(hard, kindIDs...)
			continue
		}
		for start := 0; start < len(kindIDs); start += batchSize {
			batch := kindIDs[start:min(start+batchSize, len(kindIDs))]
			recs, err := bstore.QueryTx[ItemRecord](txn.tx).FilterIDs(batch).List()
			if err != nil {
				return fmt.Errorf("loading items for dumpster: %w", err)
			}
			for _, rec := range recs {
				if f, err := txn.Folder(rec.FolderID); err != nil {
					return err
				} else if cleanupExempt(txn.mb.Limits, f, &rec) {
					rec.FolderID = dumpster.ID
					rec.ParentID = 0
					rec.ModMetadata = modseq
					rec.DateChanged = txn.now
					if err := txn.tx.Update(&rec); err != nil {
						return fmt.Errorf("moving item %d to dumpster: %w", rec.ID, err)
					}
					dumpster.Counts.Add(folderDelta(&rec))
				} else {
					hard = append(hard, rec.ID)
				}
			}
		}
	}
	if dumpster != nil {
		if err := txn.saveFolder(dumpster); err != nil {
			return err
		}
	}

	var hardSize, hardContacts int64
	if len(hard) > 0 {
		slices.Sort(hard)
		// Recompute the mailbox-wide decrement over the hard part only, the
		// dumpstered part still counts.
		for start := 0; start < len(hard); start += batchSize {
			batch := hard[start:min(start+batchSize, len(hard))]
			recs, err := bstore.QueryTx[ItemRecord](txn.tx).FilterIDs(batch).List()
			if err != nil {
				return fmt.Errorf("loading items for delete: %w", err)
			}
			for _, rec := range recs {
				if rec.Kind.IsLeaf() {
					hardSize += rec.Size
				}
				if rec.Kind == KindContact {
					hardContacts++
				}
			}
			revSize, err := txn.deleteRevisionRows(batch)
			if err != nil {
				return err
			}
			hardSize += revSize
			if _, err := bstore.QueryTx[ItemRecord](txn.tx).FilterIDs(batch).Delete(); err != nil {
				return fmt.Errorf("deleting items: %w", err)
			}
		}
	}
	if err := txn.addMailboxCounts(-hardSize, -hardContacts); err != nil {
		return err
	}

	txn.cascadeEmptyContainers(cascade)

	if len(pd.SharedIndexIDs) > 0 {
		resolved, err := txn.resolveSharedIndexes(pd.SharedIndexIDs)
		if err != nil {
			return err
		}
		pd.IndexIDs = append(pd.IndexIDs, resolved...)
	}

	if txn.mb.Limits.SyncTracking && len(hard) > 0 {
		state := SyncState{ID: 1}
		if err := txn.tx.Get(&state); err != nil {
			return fmt.Errorf("get sync state: %w", err)
		}
		if modseq > state.HighestDeletedModSeq {
			state.HighestDeletedModSeq = modseq
			if err := txn.tx.Update(&state); err != nil {
				return fmt.Errorf("updating sync state: %w", err)
			}
		}
		kindByID := map[int64]Kind{}
		for kind, kindIDs := range pd.Items {
			for _, id := range kindIDs {
				kindByID[id] = kind
			}
		}
		for _, id := range hard {
			ts := Tombstone{ID: id, Kind: kindByID[id], ModSeq: modseq, Deleted: txn.now}
			if err := txn.tx.Insert(&ts); err != nil {
				return fmt.Errorf("inserting tombstone for %d: %w", id, err)
			}
		}
	}

	for _, loc := range pd.Blobs {
		txn.action(ActionRemoveBlob{Locator: loc})
	}
	if len(pd.IndexIDs) > 0 {
		txn.action(ActionRemoveIndex{IndexIDs: pd.IndexIDs})
	}

	txn.Change(ChangeRemoveItems{IDs: ids, ModSeq: modseq})
	return nil
}

// propagateDeletion applies the child-count and unread decrements owed to
// surviving parent containers, in batches, and returns the parents that may
// have been left empty.
func (txn *Txn) propagateDeletion(pd *PendingDelete) ([]int64, error) {
	if len(pd.parentDeltas) == 0 {
		return nil, nil
	}
	parents := make([]int64, 0, len(pd.parentDeltas))
	for id := range pd.parentDeltas {
		parents = append(parents, id)
	}
	slices.Sort(parents)

	batchSize := txn.mb.Limits.UnreadBatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultUnreadBatchSize
	}
	var cascade []int64
	for start := 0; start < len(parents); start += batchSize {
		batch := parents[start:min(start+batchSize, len(parents))]
		for _, id := range batch {
			parent, err := txn.Item(id, KindUnknown)
			if err != nil {
				if errors.Is(err, ErrNoSuchItem) {
					continue
				}
				return nil, err
			}
			d := pd.parentDeltas[id]
			if !parent.Kind().IsLeaf() {
				parent.rec.Size -= d.children
			}
			if parent.Kind().TrackUnread() {
				parent.rec.UnreadCount -= d.unread
				if parent.rec.UnreadCount < 0 {
					parent.rec.UnreadCount = 0
				}
			}
			if err := parent.save(txn); err != nil {
				return nil, err
			}
			if !parent.Kind().IsLeaf() && parent.Kind().CanChildren() && parent.rec.Size <= 0 {
				cascade = append(cascade, id)
			}
		}
	}
	return cascade, nil
}

// cascadeEmptyContainers removes conversations left empty by a delete.
// Failures here are logged and recovered from, they never abort the primary
// delete that produced them.
func (txn *Txn) cascadeEmptyContainers(ids []int64) {
	for _, id := range ids {
		it, err := txn.Item(id, KindUnknown)
		if err != nil {
			if !errors.Is(err, ErrNoSuchItem) {
				xlog.Errorx("loading emptied container", err, mlog.Field("id", id))
			}
			continue
		}
		if it.Kind() != KindConversation && it.Kind() != KindVirtualConv {
			continue
		}
		remain, err := bstore.QueryTx[ItemRecord](txn.tx).FilterNonzero(ItemRecord{ParentID: id}).Exists()
		if err != nil {
			xlog.Errorx("checking emptied conversation", err, mlog.Field("id", id))
			continue
		}
		if remain {
			continue
		}
		if err := txn.tx.Delete(&ItemRecord{ID: id}); err != nil {
			xlog.Errorx("removing emptied conversation", err, mlog.Field("id", id))
			continue
		}
		txn.evict = append(txn.evict, id)
		txn.Change(ChangeRemoveItems{IDs: []int64{id}, ModSeq: txn.modseq})
	}
}

// resolveSharedIndexes returns the shared index ids whose last referent is
// now gone. An entry still referenced by a surviving copy stays.
func (txn *Txn) resolveSharedIndexes(shared []int64) ([]int64, error) {
	seen := map[int64]bool{}
	var removable []int64
	for _, indexID := range shared {
		if seen[indexID] {
			continue
		}
		seen[indexID] = true
		n, err := bstore.QueryTx[ItemRecord](txn.tx).FilterNonzero(ItemRecord{IndexID: indexID}).Count()
		if err != nil {
			return nil, fmt.Errorf("counting index referents: %w", err)
		}
		if n == 0 {
			removable = append(removable, indexID)
		}
	}
	return removable, nil
}

// deleteRevisionRows removes the stored snapshots of the given items,
// returning their combined size.
func (txn *Txn) deleteRevisionRows(itemIDs []int64) (int64, error) {
	var size int64
	for _, id := range itemIDs {
		revs, err := bstore.QueryTx[Revision](txn.tx).FilterNonzero(Revision{ItemID: id}).List()
		if err != nil {
			return 0, fmt.Errorf("loading revisions: %w", err)
		}
		for _, rev := range revs {
			size += rev.Size
			if err := txn.tx.Delete(&Revision{ID: rev.ID}); err != nil {
				return 0, fmt.Errorf("deleting revision: %w", err)
			}
		}
	}
	return size, nil
}

// folderDeletionInfo computes the aggregate for removing the contents of a
// folder tree, returning the subfolders below f in discovery order.
func (txn *Txn) folderDeletionInfo(f *Folder) (*PendingDelete, []*Folder, error) {
	pd := newPendingDelete(f.ID)
	deleted := map[int64]bool{}
	folders := []*Folder{f}
	subfolders := []*Folder{}
	for i := 0; i < len(folders); i++ {
		subs, err := bstore.QueryTx[Folder](txn.tx).FilterNonzero(Folder{ParentID: folders[i].ID}).List()
		if err != nil {
			return nil, nil, fmt.Errorf("listing subfolders: %w", err)
		}
		for j := range subs {
			sub, err := txn.Folder(subs[j].ID)
			if err != nil {
				return nil, nil, err
			}
			folders = append(folders, sub)
			subfolders = append(subfolders, sub)
		}
	}
	for _, folder := range folders {
		recs, err := bstore.QueryTx[ItemRecord](txn.tx).FilterNonzero(ItemRecord{FolderID: folder.ID}).List()
		if err != nil {
			return nil, nil, fmt.Errorf("listing folder contents: %w", err)
		}
		for i := range recs {
			if deleted[recs[i].ID] {
				continue
			}
			if err := txn.requireKind(recs[i].Kind, recs[i].ID, RightDelete); err != nil {
				if errors.Is(err, ErrPermission) {
					pd.Incomplete = true
					continue
				}
				return nil, nil, err
			}
			if err := pd.addRecord(txn, &recs[i], deleted); err != nil {
				return nil, nil, err
			}
		}
	}
	for id := range pd.parentDeltas {
		if deleted[id] {
			delete(pd.parentDeltas, id)
		}
	}
	return pd, subfolders, nil
}

// DeleteFolder removes a folder with its contents and subfolders, or only
// empties it when contentsOnly is set. With the dumpster enabled the leaf
// items are soft-deleted into it, unless this folder is the dumpster itself,
// whose removal is the final purge.
func (txn *Txn) DeleteFolder(f *Folder, contentsOnly bool) error {
	if err := txn.requireKind(KindFolder, f.ID, RightDelete); err != nil {
		return err
	}
	pd, subfolders, err := txn.folderDeletionInfo(f)
	if err != nil {
		return err
	}
	if err := txn.applyDelete(pd); err != nil {
		return err
	}

	if contentsOnly || pd.Incomplete {
		return nil
	}
	modseq, err := txn.ModSeq()
	if err != nil {
		return err
	}
	// Subfolders first, the unique ParentID+Name constraint holds throughout.
	for i := len(subfolders) - 1; i >= 0; i-- {
		if err := txn.tx.Delete(&Folder{ID: subfolders[i].ID}); err != nil {
			return fmt.Errorf("deleting subfolder %d: %w", subfolders[i].ID, err)
		}
		delete(txn.folders, subfolders[i].ID)
		delete(txn.changedFolders, subfolders[i].ID)
		txn.Change(ChangeRemoveFolder{ID: subfolders[i].ID, ModSeq: modseq})
	}
	if err := txn.tx.Delete(&Folder{ID: f.ID}); err != nil {
		return fmt.Errorf("deleting folder %d: %w", f.ID, err)
	}
	delete(txn.folders, f.ID)
	delete(txn.changedFolders, f.ID)
	txn.Change(ChangeRemoveFolder{ID: f.ID, ModSeq: modseq})
	return nil
}

// EmptyFolder removes the contents of a folder, including subfolder
// contents, keeping the folder tree itself.
func (txn *Txn) EmptyFolder(f *Folder) error {
	return txn.DeleteFolder(f, true)
}
