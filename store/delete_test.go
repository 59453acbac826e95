package store

import (
	"errors"
	"testing"

	"github.com/mjl-/bstore"

	"github.com/keepmail/keepmail/config"
)

func TestDeletionInfo(t *testing.T) {
	mb := newTestMailbox(t, nil)

	var work int64
	twrite(t, mb, func(txn *Txn) error {
		f, err := txn.CreateFolder(0, "Work", SpecialUse{})
		if err != nil {
			return err
		}
		work = f.ID
		return nil
	})
	tdeliver(t, mb, work, "one", "abc", true)
	tdeliver(t, mb, work, "two", "abcd", true)
	tdeliver(t, mb, work, "three", "abcde", false)
	size := int64(len("abc") + len("abcd") + len("abcde"))

	// The aggregate is computed in full before anything is applied.
	twrite(t, mb, func(txn *Txn) error {
		f, err := txn.Folder(work)
		tcheck(t, err, "load folder")
		pd, subfolders, err := txn.folderDeletionInfo(f)
		tcheck(t, err, "deletion info")
		if len(subfolders) != 0 {
			t.Fatalf("got %d subfolders, expected none", len(subfolders))
		}
		if pd.Count() != 3 || pd.Size != size || pd.Incomplete {
			t.Fatalf("count %d size %d incomplete %v, expected 3, %d, false", pd.Count(), pd.Size, pd.Incomplete, size)
		}
		if len(pd.UnreadIDs) != 2 {
			t.Fatalf("got %d unread ids, expected 2", len(pd.UnreadIDs))
		}
		if pd.Kinds != KindMessage.Bitmask() {
			t.Fatalf("kind bitmask %b", pd.Kinds)
		}
		tcompare(t, pd.FolderCounts[work], DeltaCounts{Count: 3, Unread: 2, Size: size})
		if len(pd.Blobs) != 3 || len(pd.IndexIDs) != 3 {
			t.Fatalf("got %d blobs, %d index ids, expected 3 and 3", len(pd.Blobs), len(pd.IndexIDs))
		}
		return nil
	})
}

func TestPendingDeleteMerge(t *testing.T) {
	mb := newTestMailbox(t, nil)

	var work int64
	twrite(t, mb, func(txn *Txn) error {
		f, err := txn.CreateFolder(0, "Work", SpecialUse{})
		if err != nil {
			return err
		}
		work = f.ID
		return nil
	})
	aID, _ := tdeliver(t, mb, work, "a", "aaa", true)
	bID, _ := tdeliver(t, mb, work, "b", "bbbb", true)
	cID, _ := tdeliver(t, mb, work, "c", "ccccc", false)

	// Merging per-item aggregates is associative, and merging a disjoint set
	// equals computing the aggregate over the whole folder directly.
	twrite(t, mb, func(txn *Txn) error {
		var pds []*PendingDelete
		for _, id := range []int64{aID, bID, cID} {
			it, err := txn.Item(id, KindMessage)
			tcheck(t, err, "load item")
			pd, err := it.getDeletionInfo(txn, DeleteItem)
			tcheck(t, err, "deletion info")
			pds = append(pds, pd)
		}

		left := newPendingDelete(0)
		left.Merge(pds[0])
		left.Merge(pds[1])
		left.Merge(pds[2])

		bc := newPendingDelete(0)
		bc.Merge(pds[1])
		bc.Merge(pds[2])
		right := newPendingDelete(0)
		right.Merge(pds[0])
		right.Merge(bc)

		tcompare(t, left, right)

		f, err := txn.Folder(work)
		tcheck(t, err, "load folder")
		whole, _, err := txn.folderDeletionInfo(f)
		tcheck(t, err, "folder info")

		whole.RootID = 0
		tcompare(t, left, whole)
		return nil
	})
}

func TestDeleteCascade(t *testing.T) {
	mb := newTestMailbox(t, nil)
	inbox := tfolder(t, mb, "Inbox")

	var convID int64
	var msgIDs []int64
	twrite(t, mb, func(txn *Txn) error {
		conv, err := txn.CreateItem(NewItem{Kind: KindConversation, FolderID: inbox, Subject: "thread"})
		if err != nil {
			return err
		}
		convID = conv.ID()
		for i := 0; i < 2; i++ {
			msg, err := txn.CreateItem(NewItem{Kind: KindMessage, FolderID: inbox, ParentID: convID, Subject: "thread", Unread: true})
			if err != nil {
				return err
			}
			msgIDs = append(msgIDs, msg.ID())
		}
		return nil
	})

	// Deleting the last message leaves the conversation empty; it is swept up
	// in the same transaction.
	twrite(t, mb, func(txn *Txn) error {
		for _, id := range msgIDs {
			it, err := txn.Item(id, KindMessage)
			if err != nil {
				return err
			}
			if err := it.Delete(txn, DeleteItem); err != nil {
				return err
			}
		}
		return nil
	})
	twrite(t, mb, func(txn *Txn) error {
		if _, err := txn.Item(convID, KindUnknown); !errors.Is(err, ErrNoSuchItem) {
			t.Fatalf("got %v, expected emptied conversation to be removed", err)
		}
		f, err := txn.Folder(inbox)
		tcheck(t, err, "load inbox")
		tcompare(t, f.Counts, FolderCounts{})
		return nil
	})
}

func TestDeleteSubtree(t *testing.T) {
	mb := newTestMailbox(t, nil)
	inbox := tfolder(t, mb, "Inbox")

	// Deleting a conversation removes its messages; contents-only keeps the
	// denied part out and leaves the container.
	var convID int64
	var msgIDs []int64
	twrite(t, mb, func(txn *Txn) error {
		conv, err := txn.CreateItem(NewItem{Kind: KindConversation, FolderID: inbox, Subject: "all"})
		if err != nil {
			return err
		}
		convID = conv.ID()
		for i := 0; i < 3; i++ {
			msg, err := txn.CreateItem(NewItem{Kind: KindMessage, FolderID: inbox, ParentID: convID, Subject: "all"})
			if err != nil {
				return err
			}
			msgIDs = append(msgIDs, msg.ID())
		}
		return nil
	})

	// One child is protected: the cascade is incomplete, the container and the
	// protected child survive.
	protected := msgIDs[1]
	mb.Access = func(kind Kind, id int64, want Rights) Rights {
		if id == protected && want&RightDelete != 0 {
			return want &^ RightDelete
		}
		return want
	}
	twrite(t, mb, func(txn *Txn) error {
		conv, err := txn.Item(convID, KindConversation)
		tcheck(t, err, "load conversation")
		pd, err := conv.getDeletionInfo(txn, DeleteItem)
		tcheck(t, err, "deletion info")
		if !pd.Incomplete || pd.Count() != 2 {
			t.Fatalf("incomplete %v count %d, expected incomplete aggregate of 2", pd.Incomplete, pd.Count())
		}
		for _, id := range pd.AllIDs() {
			if id == protected || id == convID {
				t.Fatalf("aggregate includes excluded item %d", id)
			}
		}
		return conv.Delete(txn, DeleteItem)
	})
	twrite(t, mb, func(txn *Txn) error {
		if _, err := txn.Item(protected, KindMessage); err != nil {
			t.Fatalf("protected item gone: %v", err)
		}
		if _, err := txn.Item(convID, KindConversation); err != nil {
			t.Fatalf("container gone despite incomplete cascade: %v", err)
		}
		return nil
	})

	// Without the restriction the whole subtree goes.
	mb.Access = nil
	twrite(t, mb, func(txn *Txn) error {
		conv, err := txn.Item(convID, KindConversation)
		if err != nil {
			return err
		}
		return conv.Delete(txn, DeleteItem)
	})
	twrite(t, mb, func(txn *Txn) error {
		for _, id := range append(msgIDs, convID) {
			if _, err := txn.Item(id, KindUnknown); !errors.Is(err, ErrNoSuchItem) {
				t.Fatalf("item %d survived subtree delete: %v", id, err)
			}
		}
		return nil
	})
}

func TestDumpster(t *testing.T) {
	mb := newTestMailbox(t, func(cfg *config.Limits) {
		cfg.DumpsterEnabled = true
	})
	inbox := tfolder(t, mb, "Inbox")
	dumpster := tfolder(t, mb, "Dumpster")
	id, actions := tdeliver(t, mb, inbox, "precious", "keep me", false)
	mb.RunActions(ctxbg, actions)

	var loc string
	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindMessage)
		tcheck(t, err, "load message")
		loc = it.Locator()
		return nil
	})

	// The first delete is soft: the row moves to the dumpster detached,
	// storage stays untouched.
	_, actions = twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindMessage)
		if err != nil {
			return err
		}
		return it.Delete(txn, DeleteItem)
	})
	if len(blobRemovals(actions)) != 0 || len(indexRemovals(actions)) != 0 {
		t.Fatalf("soft delete queued storage cleanup: %v", actions)
	}
	mb.RunActions(ctxbg, actions)

	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindMessage)
		tcheck(t, err, "load dumpstered message")
		if it.FolderID() != dumpster || it.ParentID() != 0 {
			t.Fatalf("folder %d parent %d, expected detached in dumpster", it.FolderID(), it.ParentID())
		}
		src, err := txn.Folder(inbox)
		tcheck(t, err, "load inbox")
		tcompare(t, src.Counts, FolderCounts{})
		d, err := txn.Folder(dumpster)
		tcheck(t, err, "load dumpster")
		tcompare(t, d.Counts, FolderCounts{Count: 1, Size: int64(len("keep me"))})
		return nil
	})
	if f, err := mb.OpenContent(loc); err != nil {
		t.Fatalf("blob gone after soft delete: %v", err)
	} else {
		f.Close()
	}

	// Deleting from the dumpster is the final purge.
	_, actions = twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindMessage)
		if err != nil {
			return err
		}
		return it.Delete(txn, DeleteItem)
	})
	tcompare(t, blobRemovals(actions), []string{loc})
	if len(indexRemovals(actions)) != 1 {
		t.Fatalf("final purge did not request index removal: %v", actions)
	}
	mb.RunActions(ctxbg, actions)

	twrite(t, mb, func(txn *Txn) error {
		if _, err := txn.Item(id, KindUnknown); !errors.Is(err, ErrNoSuchItem) {
			t.Fatalf("got %v, expected ErrNoSuchItem after purge", err)
		}
		return nil
	})
	if _, err := mb.OpenContent(loc); !errors.Is(err, ErrNoSuchBlob) {
		t.Fatalf("got %v, expected ErrNoSuchBlob after purge", err)
	}
}

func TestDumpsterDrafts(t *testing.T) {
	mb := newTestMailbox(t, func(cfg *config.Limits) {
		cfg.DumpsterEnabled = true
	})
	drafts := tfolder(t, mb, "Drafts")
	id, actions := tdeliver(t, mb, drafts, "unfinished", "wip", false)
	mb.RunActions(ctxbg, actions)

	// Drafts skip the dumpster, their first delete already cleans up.
	var loc string
	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindMessage)
		tcheck(t, err, "load draft")
		if it.Flags()&FDraft == 0 {
			t.Fatalf("message in drafts folder without draft flag")
		}
		loc = it.Locator()
		return nil
	})
	_, actions = twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindMessage)
		if err != nil {
			return err
		}
		return it.Delete(txn, DeleteItem)
	})
	tcompare(t, blobRemovals(actions), []string{loc})
	twrite(t, mb, func(txn *Txn) error {
		if _, err := txn.Item(id, KindUnknown); !errors.Is(err, ErrNoSuchItem) {
			t.Fatalf("got %v, expected draft to be hard-deleted", err)
		}
		return nil
	})
}

func TestTombstones(t *testing.T) {
	mb := newTestMailbox(t, func(cfg *config.Limits) {
		cfg.SyncTracking = true
	})
	inbox := tfolder(t, mb, "Inbox")
	id, _ := tdeliver(t, mb, inbox, "gone", "x", false)

	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindMessage)
		if err != nil {
			return err
		}
		return it.Delete(txn, DeleteItem)
	})

	ts := Tombstone{ID: id}
	err := mb.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		return tx.Get(&ts)
	})
	tcheck(t, err, "get tombstone")
	if ts.Kind != KindMessage || ts.ModSeq <= 0 {
		t.Fatalf("tombstone %+v", ts)
	}

	state := SyncState{ID: 1}
	err = mb.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		return tx.Get(&state)
	})
	tcheck(t, err, "get sync state")
	if state.HighestDeletedModSeq != ts.ModSeq {
		t.Fatalf("highest deleted modseq %d, tombstone %d", state.HighestDeletedModSeq, ts.ModSeq)
	}
}
