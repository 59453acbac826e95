/*
Package blobstore stores item content in per-blob files on disk.

Layout:

	<dir>/tmp/<uuid>             staged content, not yet owned by an item
	<dir>/blob/<shard>/<id>-<seq>  adopted content for item <id> at save-sequence <seq>

Content is staged first, outside any metadata transaction. A transaction that
takes ownership adopts the staged file under the item's id and save-sequence,
or links an existing blob when a copy shares content. Removal is expected to
happen only after the owning transaction has committed.
*/
package blobstore

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/keepmail/keepmail/mlog"
)

var xlog = mlog.New("blobstore")

// ErrAbsent is returned when a locator does not resolve to a stored blob.
var ErrAbsent = errors.New("no such blob")

// Store is a content store rooted at a directory.
type Store struct {
	dir string
}

// Open initializes a store rooted at dir, creating the staging directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0770); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "blob"), 0770); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Staged is content written to the staging area, not yet owned by an item.
type Staged struct {
	Size   int64
	Digest string // base64 raw-url sha256 of the content.

	path string
}

// Stage writes the content from r to a staging file and computes its digest.
func (s *Store) Stage(r io.Reader) (*Staged, error) {
	p := filepath.Join(s.dir, "tmp", uuid.NewString())
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0660)
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err == nil {
		err = f.Sync()
	}
	xerr := f.Close()
	if err == nil {
		err = xerr
	}
	if err != nil {
		if rerr := os.Remove(p); rerr != nil {
			xlog.Errorx("removing failed staging file", rerr, mlog.Field("path", p))
		}
		return nil, fmt.Errorf("writing staged content: %w", err)
	}
	return &Staged{
		Size:   n,
		Digest: base64.RawURLEncoding.EncodeToString(h.Sum(nil)),
		path:   p,
	}, nil
}

// Unstage removes a staged file that will not be adopted.
func (s *Store) Unstage(st *Staged) error {
	return os.Remove(st.path)
}

// Adopt moves staged content into place for item id at save-sequence seq,
// returning the blob locator.
func (s *Store) Adopt(st *Staged, id, seq int64) (string, error) {
	loc := Locator(id, seq)
	p := filepath.Join(s.dir, "blob", loc)
	os.MkdirAll(filepath.Dir(p), 0770)
	if err := os.Rename(st.path, p); err != nil {
		return "", fmt.Errorf("adopting staged blob: %w", err)
	}
	return loc, nil
}

// Link makes the content behind locator also available under item id at
// save-sequence seq, hard-linking when the file system supports it and copying
// otherwise. Returns the new locator.
func (s *Store) Link(locator string, id, seq int64) (string, error) {
	src, err := s.path(locator)
	if err != nil {
		return "", err
	}
	loc := Locator(id, seq)
	dst := filepath.Join(s.dir, "blob", loc)
	os.MkdirAll(filepath.Dir(dst), 0770)
	if err := linkOrCopy(dst, src); err != nil {
		return "", fmt.Errorf("linking blob: %w", err)
	}
	return loc, nil
}

// Reader opens the content behind locator.
func (s *Store) Reader(locator string) (*os.File, error) {
	p, err := s.path(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil && os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrAbsent, locator)
	}
	return f, err
}

// Remove deletes the blob behind locator. Callers must only remove blobs after
// the transaction that released them has committed.
func (s *Store) Remove(locator string) error {
	p, err := s.path(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrAbsent, locator)
		}
		return err
	}
	return nil
}

// 64 characters, power of 2 so shards divide the id space evenly.
const shardChars = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ-_"

// Locator returns the location token for item id at save-sequence seq,
// e.g. "ab/1-7". 8k blobs per shard directory.
func Locator(id, seq int64) string {
	v := id >> 13
	shard := ""
	for {
		shard += string(shardChars[int(v)&(len(shardChars)-1)])
		v >>= 6
		if v == 0 {
			break
		}
	}
	return fmt.Sprintf("%s/%d-%d", shard, id, seq)
}

// path validates a locator and returns its absolute path. Locators come from
// the metadata store, but a corrupted value must not escape the blob root.
func (s *Store) path(locator string) (string, error) {
	shard, file, ok := strings.Cut(locator, "/")
	if !ok || shard == "" || strings.ContainsAny(shard, "./\\") {
		return "", fmt.Errorf("%w: malformed locator %q", ErrAbsent, locator)
	}
	idstr, seqstr, ok := strings.Cut(file, "-")
	if !ok {
		return "", fmt.Errorf("%w: malformed locator %q", ErrAbsent, locator)
	}
	if _, err := strconv.ParseInt(idstr, 10, 64); err != nil {
		return "", fmt.Errorf("%w: malformed locator %q", ErrAbsent, locator)
	}
	if _, err := strconv.ParseInt(seqstr, 10, 64); err != nil {
		return "", fmt.Errorf("%w: malformed locator %q", ErrAbsent, locator)
	}
	return filepath.Join(s.dir, "blob", shard, file), nil
}

// linkOrCopy attempts a hardlink, falling back to a regular file copy. If dst
// was created and an error occurred, it is removed.
func linkOrCopy(dst, src string) (rerr error) {
	err := os.Link(src, dst)
	if err == nil {
		return nil
	} else if os.IsNotExist(err) {
		// No point in trying a regular copy, it would fail the same way.
		return err
	}

	sf, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		err := sf.Close()
		xlog.Check(err, "closing copied source file")
	}()

	df, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0660)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer func() {
		if df != nil {
			err := os.Remove(dst)
			xlog.Check(err, "removing partial destination file")
			err = df.Close()
			xlog.Check(err, "closing partial destination file")
		}
	}()

	if _, err := io.Copy(df, sf); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err := df.Sync(); err != nil {
		return fmt.Errorf("sync destination: %w", err)
	}
	err = df.Close()
	df = nil
	if err != nil {
		if rerr := os.Remove(dst); rerr != nil {
			xlog.Errorx("removing destination file after close error", rerr)
		}
		return err
	}
	return nil
}
