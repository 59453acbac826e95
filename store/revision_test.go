package store

import (
	"errors"
	"io"
	"testing"

	"github.com/mjl-/bstore"

	"github.com/keepmail/keepmail/config"
)

// tdocument creates a document with staged content in its own transaction.
func tdocument(t *testing.T, mb *Mailbox, folderID int64, name, content string) int64 {
	t.Helper()
	st := tstage(t, mb, content)
	var id int64
	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.CreateItem(NewItem{Kind: KindDocument, FolderID: folderID, Name: name, Staged: st})
		if err != nil {
			return err
		}
		id = it.ID()
		return nil
	})
	return id
}

// tsetcontent replaces an item's content in its own transaction and returns
// the queued actions.
func tsetcontent(t *testing.T, mb *Mailbox, id int64, content string) []Action {
	t.Helper()
	st := tstage(t, mb, content)
	_, actions := twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindDocument)
		if err != nil {
			return err
		}
		return it.SetContent(txn, st)
	})
	return actions
}

func blobRemovals(actions []Action) []string {
	var l []string
	for _, a := range actions {
		if x, ok := a.(ActionRemoveBlob); ok {
			l = append(l, x.Locator)
		}
	}
	return l
}

func TestRevisionHistory(t *testing.T) {
	mb := newTestMailbox(t, nil)
	inbox := tfolder(t, mb, "Inbox")
	id := tdocument(t, mb, inbox, "doc.txt", "first")

	actions := tsetcontent(t, mb, id, "second")
	if locs := blobRemovals(actions); len(locs) != 0 {
		t.Fatalf("got blob removals %v, expected none: the snapshot owns the old blob", locs)
	}
	tsetcontent(t, mb, id, "third")

	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindDocument)
		tcheck(t, err, "load document")
		if it.Version() != 3 {
			t.Fatalf("version %d, expected 3 after two content changes", it.Version())
		}
		if it.Flags()&FVersioned == 0 {
			t.Fatalf("versioned flag not set")
		}

		revs, err := it.Revisions(txn)
		tcheck(t, err, "list revisions")
		if len(revs) != 2 || revs[0].Version != 1 || revs[1].Version != 2 {
			t.Fatalf("unexpected revisions %v", revs)
		}
		if revs[0].ModContent >= revs[1].ModContent || revs[1].ModContent >= it.rec.ModContent {
			t.Fatalf("revision save sequences not monotonic")
		}

		// Oldest snapshot still serves the original content.
		r, err := txn.mb.OpenContent(revs[0].Locator)
		tcheck(t, err, "open revision content")
		defer r.Close()
		buf, err := io.ReadAll(r)
		tcheck(t, err, "read revision content")
		if string(buf) != "first" {
			t.Fatalf("got revision content %q", buf)
		}

		// The current version is synthesized, unknown versions are an error.
		cur, err := it.GetRevision(txn, 3)
		tcheck(t, err, "get current version")
		if cur.Locator != it.Locator() || cur.Size != int64(len("third")) {
			t.Fatalf("synthesized revision %v does not match live record", cur)
		}
		if _, err := it.GetRevision(txn, 99); !errors.Is(err, ErrNoSuchRevision) {
			t.Fatalf("got %v, expected ErrNoSuchRevision", err)
		}
		return nil
	})
}

func TestRevisionSameTxn(t *testing.T) {
	mb := newTestMailbox(t, nil)
	inbox := tfolder(t, mb, "Inbox")

	// Creation and content change within one transaction produce no snapshot.
	st1 := tstage(t, mb, "a")
	st2 := tstage(t, mb, "b")
	var id int64
	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.CreateItem(NewItem{Kind: KindDocument, FolderID: inbox, Name: "one.txt", Staged: st1})
		if err != nil {
			return err
		}
		id = it.ID()
		return it.SetContent(txn, st2)
	})

	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindDocument)
		tcheck(t, err, "load document")
		revs, err := it.Revisions(txn)
		tcheck(t, err, "list revisions")
		if len(revs) != 0 || it.Version() != 1 || it.Flags()&FVersioned != 0 {
			t.Fatalf("got %d revisions, version %d: same-transaction change must not snapshot", len(revs), it.Version())
		}
		return nil
	})
}

func TestRevisionCap(t *testing.T) {
	mb := newTestMailbox(t, func(cfg *config.Limits) {
		cfg.MaxRevisions = map[string]int{"document": 2}
	})
	inbox := tfolder(t, mb, "Inbox")
	id := tdocument(t, mb, inbox, "capped.txt", "v1")

	var v1loc string
	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindDocument)
		tcheck(t, err, "load document")
		v1loc = it.Locator()
		return nil
	})

	tsetcontent(t, mb, id, "v2")
	actions := tsetcontent(t, mb, id, "v3")

	// The second change pushes the oldest snapshot beyond the cap of 2 (the
	// live version counts): v1 is purged and its blob, now unreferenced, is
	// queued for removal.
	tcompare(t, blobRemovals(actions), []string{v1loc})

	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindDocument)
		tcheck(t, err, "load document")
		revs, err := it.Revisions(txn)
		tcheck(t, err, "list revisions")
		if len(revs) != 1 || revs[0].Version != 2 {
			t.Fatalf("unexpected revisions %v, expected only version 2", revs)
		}
		if it.Version() != 3 {
			t.Fatalf("version %d, expected 3", it.Version())
		}
		return nil
	})

	mb.RunActions(ctxbg, actions)
	if _, err := mb.OpenContent(v1loc); !errors.Is(err, ErrNoSuchBlob) {
		t.Fatalf("got %v, expected ErrNoSuchBlob after purge", err)
	}
}

func TestRevisionDisabled(t *testing.T) {
	mb := newTestMailbox(t, func(cfg *config.Limits) {
		cfg.MaxRevisions = map[string]int{"document": 1}
	})
	inbox := tfolder(t, mb, "Inbox")
	id := tdocument(t, mb, inbox, "plain.txt", "old")

	var oldLoc string
	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindDocument)
		tcheck(t, err, "load document")
		oldLoc = it.Locator()
		return nil
	})

	// With the cap at 1 no history is kept and the replaced blob is removed
	// right away.
	actions := tsetcontent(t, mb, id, "new")
	tcompare(t, blobRemovals(actions), []string{oldLoc})

	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindDocument)
		tcheck(t, err, "load document")
		revs, err := it.Revisions(txn)
		tcheck(t, err, "list revisions")
		if len(revs) != 0 || it.Flags()&FVersioned != 0 {
			t.Fatalf("history kept despite cap of 1: %v", revs)
		}
		return nil
	})
}

func tmailboxState(t *testing.T, mb *Mailbox) MailboxState {
	t.Helper()
	st := MailboxState{ID: 1}
	err := mb.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		return tx.Get(&st)
	})
	tcheck(t, err, "get mailbox state")
	return st
}

func TestMailboxSize(t *testing.T) {
	// The mailbox-wide size covers live leaf content plus every stored
	// snapshot; after deleting everything it must be back at zero.
	t.Run("revisions", func(t *testing.T) {
		mb := newTestMailbox(t, nil)
		inbox := tfolder(t, mb, "Inbox")
		if st := tmailboxState(t, mb); st.Size != 0 {
			t.Fatalf("size %d in fresh mailbox", st.Size)
		}

		id := tdocument(t, mb, inbox, "sized.txt", "12345")
		if st := tmailboxState(t, mb); st.Size != 5 {
			t.Fatalf("size %d after create, expected 5", st.Size)
		}

		// Each content change snapshots the old content, which keeps counting.
		tsetcontent(t, mb, id, "123456789012345")
		if st := tmailboxState(t, mb); st.Size != 15+5 {
			t.Fatalf("size %d after first change, expected 20", st.Size)
		}
		tsetcontent(t, mb, id, "1234567")
		if st := tmailboxState(t, mb); st.Size != 7+5+15 {
			t.Fatalf("size %d after second change, expected 27", st.Size)
		}

		// Dropping the history leaves only the live content.
		twrite(t, mb, func(txn *Txn) error {
			it, err := txn.Item(id, KindDocument)
			if err != nil {
				return err
			}
			return it.PurgeRevisions(txn, 2, true)
		})
		if st := tmailboxState(t, mb); st.Size != 7 {
			t.Fatalf("size %d after purging history, expected 7", st.Size)
		}

		twrite(t, mb, func(txn *Txn) error {
			it, err := txn.Item(id, KindDocument)
			if err != nil {
				return err
			}
			return it.Delete(txn, DeleteItem)
		})
		if st := tmailboxState(t, mb); st.Size != 0 {
			t.Fatalf("size %d after deleting the only item, expected 0", st.Size)
		}
	})

	// Deleting a versioned item with its history still attached takes the
	// snapshots with it.
	t.Run("versioned", func(t *testing.T) {
		mb := newTestMailbox(t, nil)
		inbox := tfolder(t, mb, "Inbox")
		id := tdocument(t, mb, inbox, "gone.txt", "12345")
		tsetcontent(t, mb, id, "123456789012345")
		twrite(t, mb, func(txn *Txn) error {
			it, err := txn.Item(id, KindDocument)
			if err != nil {
				return err
			}
			return it.Delete(txn, DeleteItem)
		})
		if st := tmailboxState(t, mb); st.Size != 0 {
			t.Fatalf("size %d after deleting versioned item, expected 0", st.Size)
		}
	})

	// A soft delete keeps the row and its size, the purge from the dumpster
	// releases it.
	t.Run("dumpster", func(t *testing.T) {
		mb := newTestMailbox(t, func(cfg *config.Limits) {
			cfg.DumpsterEnabled = true
		})
		inbox := tfolder(t, mb, "Inbox")
		id, _ := tdeliver(t, mb, inbox, "held", "keep", false)
		for _, expect := range []int64{4, 4, 0} {
			if st := tmailboxState(t, mb); st.Size != expect {
				t.Fatalf("size %d, expected %d", st.Size, expect)
			}
			twrite(t, mb, func(txn *Txn) error {
				it, err := txn.Item(id, KindMessage)
				if errors.Is(err, ErrNoSuchItem) {
					return nil
				}
				if err != nil {
					return err
				}
				return it.Delete(txn, DeleteItem)
			})
		}
	})
}

func TestPurgeRevisions(t *testing.T) {
	mb := newTestMailbox(t, nil)
	inbox := tfolder(t, mb, "Inbox")
	id := tdocument(t, mb, inbox, "hist.txt", "v1")
	tsetcontent(t, mb, id, "v2")
	tsetcontent(t, mb, id, "v3")
	tsetcontent(t, mb, id, "v4")

	// Dropping version 2 from the middle queues its blob: it is not shared
	// with a neighbouring snapshot.
	var v2loc string
	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindDocument)
		tcheck(t, err, "load document")
		rev, err := it.GetRevision(txn, 2)
		tcheck(t, err, "get version 2")
		v2loc = rev.Locator
		return nil
	})
	_, actions := twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindDocument)
		if err != nil {
			return err
		}
		return it.PurgeRevisions(txn, 2, false)
	})
	tcompare(t, blobRemovals(actions), []string{v2loc})

	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindDocument)
		tcheck(t, err, "load document")
		if _, err := it.GetRevision(txn, 2); !errors.Is(err, ErrNoSuchRevision) {
			t.Fatalf("got %v, expected ErrNoSuchRevision for purged version", err)
		}
		revs, err := it.Revisions(txn)
		tcheck(t, err, "list revisions")
		if len(revs) != 2 || revs[0].Version != 1 || revs[1].Version != 3 {
			t.Fatalf("unexpected revisions %v, expected versions 1 and 3", revs)
		}
		return nil
	})

	// Purging the newest snapshot including older ones empties the history
	// and clears the versioned flag.
	_, actions = twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindDocument)
		if err != nil {
			return err
		}
		return it.PurgeRevisions(txn, 3, true)
	})
	if len(blobRemovals(actions)) != 2 {
		t.Fatalf("got removals %v, expected blobs of versions 1 and 3", blobRemovals(actions))
	}
	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindDocument)
		tcheck(t, err, "load document")
		revs, err := it.Revisions(txn)
		tcheck(t, err, "list revisions")
		if len(revs) != 0 || it.Flags()&FVersioned != 0 {
			t.Fatalf("history not empty after purging all: %v", revs)
		}
		return nil
	})
}
