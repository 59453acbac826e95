package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/keepmail/keepmail/blobstore"
	"github.com/keepmail/keepmail/config"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got %#v, expected %#v", got, expect)
	}
}

func newTestMailbox(t *testing.T, edit func(*config.Limits)) *Mailbox {
	t.Helper()
	dir := filepath.Join("..", "testdata", "store", strings.ReplaceAll(strings.ToLower(t.Name()), "/", "-"))
	os.RemoveAll(dir)
	cfg := config.Defaults(dir)
	if edit != nil {
		edit(&cfg)
	}
	mb, err := Open(ctxbg, cfg)
	tcheck(t, err, "open mailbox")
	t.Cleanup(func() {
		mb.Close()
	})
	return mb
}

// twrite runs a transaction that must succeed.
func twrite(t *testing.T, mb *Mailbox, fn func(txn *Txn) error) ([]Change, []Action) {
	t.Helper()
	changes, actions, err := mb.Write(ctxbg, fn)
	tcheck(t, err, "transaction")
	return changes, actions
}

func tstage(t *testing.T, mb *Mailbox, content string) *blobstore.Staged {
	t.Helper()
	st, err := mb.Blobs.Stage(strings.NewReader(content))
	tcheck(t, err, "stage content")
	return st
}

func tfolder(t *testing.T, mb *Mailbox, name string) int64 {
	t.Helper()
	var id int64
	twrite(t, mb, func(txn *Txn) error {
		f, err := txn.FolderByName(0, name)
		if err != nil {
			return err
		}
		id = f.ID
		return nil
	})
	return id
}

func tdeliver(t *testing.T, mb *Mailbox, folderID int64, subject, content string, unread bool) (int64, []Action) {
	t.Helper()
	var st *blobstore.Staged
	if content != "" {
		st = tstage(t, mb, content)
	}
	var id int64
	_, actions := twrite(t, mb, func(txn *Txn) error {
		it, err := txn.CreateItem(NewItem{Kind: KindMessage, FolderID: folderID, Subject: subject, Unread: unread, Staged: st})
		if err != nil {
			return err
		}
		id = it.ID()
		return nil
	})
	return id, actions
}

func TestMailbox(t *testing.T) {
	mb := newTestMailbox(t, nil)

	inbox := tfolder(t, mb, "Inbox")
	id, actions := tdeliver(t, mb, inbox, "hi", "hello world", true)
	if len(actions) != 1 {
		t.Fatalf("got %d actions for new message, expected 1 indexing action", len(actions))
	}
	mb.RunActions(ctxbg, actions)

	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindMessage)
		tcheck(t, err, "load message")
		if it.Subject() != "hi" || !it.Unread() || it.Size() != int64(len("hello world")) {
			t.Fatalf("unexpected message state: %q unread=%v size=%d", it.Subject(), it.Unread(), it.Size())
		}
		if it.rec.IndexStatus != IndexDone {
			t.Fatalf("index status %v, expected done after running actions", it.rec.IndexStatus)
		}

		f, err := txn.Folder(inbox)
		tcheck(t, err, "load inbox")
		tcompare(t, f.Counts, FolderCounts{Count: 1, Unread: 1, Size: int64(len("hello world"))})

		r, err := txn.mb.OpenContent(it.Locator())
		tcheck(t, err, "open content")
		defer r.Close()
		buf, err := io.ReadAll(r)
		tcheck(t, err, "read content")
		if string(buf) != "hello world" {
			t.Fatalf("got content %q", buf)
		}

		items, err := txn.ItemsInFolder(inbox, SortDate, true)
		tcheck(t, err, "list inbox")
		if len(items) != 1 || items[0].ID() != id {
			t.Fatalf("unexpected listing %v", items)
		}
		return nil
	})

	// Requesting the wrong kind fails, unknown matches.
	twrite(t, mb, func(txn *Txn) error {
		if _, err := txn.Item(id, KindDocument); !errors.Is(err, ErrWrongKind) {
			t.Fatalf("got %v, expected ErrWrongKind", err)
		}
		_, err := txn.Item(id, KindUnknown)
		tcheck(t, err, "load as unknown")
		return nil
	})

	// Unknown item.
	twrite(t, mb, func(txn *Txn) error {
		if _, err := txn.Item(999999, KindUnknown); !errors.Is(err, ErrNoSuchItem) {
			t.Fatalf("got %v, expected ErrNoSuchItem", err)
		}
		return nil
	})
}

func TestAccessDenied(t *testing.T) {
	mb := newTestMailbox(t, nil)
	inbox := tfolder(t, mb, "Inbox")
	id, _ := tdeliver(t, mb, inbox, "private", "", true)

	mb.Access = func(kind Kind, itemID int64, want Rights) Rights {
		return want &^ RightWrite
	}
	_, _, err := mb.Write(ctxbg, func(txn *Txn) error {
		it, err := txn.Item(id, KindMessage)
		if err != nil {
			return err
		}
		return it.AlterUnread(txn, false)
	})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("got %v, expected ErrPermission", err)
	}

	// The failed transaction left no visible effect.
	mb.Access = nil
	twrite(t, mb, func(txn *Txn) error {
		it, err := txn.Item(id, KindMessage)
		tcheck(t, err, "load message")
		if !it.Unread() {
			t.Fatalf("message was marked read by a denied transaction")
		}
		return nil
	})
}
