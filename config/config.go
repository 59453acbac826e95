// Package config holds the configuration for a mailbox store, parsed from an
// sconf file.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/mjl-/sconf"
)

// Limits is the tunable behaviour of a mailbox store. The zero value is not
// usable, call Defaults or parse a config file.
type Limits struct {
	DataDir              string         `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings.\n\nDirectory where mailbox databases and blobs are stored. If relative, it is relative to the working directory."`
	LogLevel             string         `sconf:"optional" sconf-doc:"Default log level, one of: error, info, debug."`
	MaxRevisions         map[string]int `sconf:"optional" sconf-doc:"Maximum number of content revisions kept per item, by item kind name (e.g. document, appointment). 1 means no history is kept, 0 or absent means unbounded. The current version counts towards the maximum."`
	MetadataLimit        int            `sconf:"optional" sconf-doc:"Maximum combined serialized size in bytes of the custom metadata sections of one item. Default 10000."`
	DumpsterEnabled      bool           `sconf:"optional" sconf-doc:"If set, deleted items move through the dumpster folder before their blobs and index entries are cleaned up. Final removal from the dumpster cleans up storage."`
	DumpsterForSpam      bool           `sconf:"optional" sconf-doc:"If set along with DumpsterEnabled, items deleted from the spam folder also pass through the dumpster. Default is to clean them up immediately."`
	SyncTracking         bool           `sconf:"optional" sconf-doc:"If set, a tombstone record is written for every deleted item id, for synchronization clients."`
	TrackProtocolIDs     bool           `sconf:"optional" sconf-doc:"If set, items get a separate protocol-visible id that is refreshed when the item moves between folders."`
	UnreadBatchSize      int            `sconf:"optional" sconf-doc:"Number of unread item ids processed per batch while propagating deletions. Default 500."`
	MaxNameLength        int            `sconf:"optional" sconf-doc:"Maximum length of an item or folder name, after trailing whitespace is stripped. Default 128."`
}

// DefaultMetadataLimit bounds the combined serialized size of an item's custom
// metadata sections.
const DefaultMetadataLimit = 10000

// DefaultUnreadBatchSize is the deletion-propagation batch size for unread ids.
const DefaultUnreadBatchSize = 500

// DefaultMaxNameLength is the maximum item/folder name length.
const DefaultMaxNameLength = 128

// Defaults returns limits with default values filled in, rooted at dir.
func Defaults(dir string) Limits {
	l := Limits{DataDir: dir}
	l.fill()
	return l
}

func (l *Limits) fill() {
	if l.MetadataLimit == 0 {
		l.MetadataLimit = DefaultMetadataLimit
	}
	if l.UnreadBatchSize == 0 {
		l.UnreadBatchSize = DefaultUnreadBatchSize
	}
	if l.MaxNameLength == 0 {
		l.MaxNameLength = DefaultMaxNameLength
	}
}

// Load parses the sconf file at path.
func Load(path string) (Limits, error) {
	f, err := os.Open(path)
	if err != nil {
		return Limits{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads an sconf config from r.
func Parse(r io.Reader) (Limits, error) {
	var l Limits
	if err := sconf.Parse(r, &l); err != nil {
		return Limits{}, fmt.Errorf("parsing config: %w", err)
	}
	l.fill()
	return l, nil
}

// Describe writes an annotated example config to w.
func Describe(w io.Writer) error {
	l := Defaults("data")
	return sconf.Describe(w, &l)
}
