package store

import (
	"strings"
)

// Kind is the type of a mail item. The codes are persisted, do not renumber.
type Kind uint8

const (
	KindUnknown      Kind = 0
	KindFolder       Kind = 1
	KindSearchFolder Kind = 2
	KindTag          Kind = 3
	KindConversation Kind = 4
	KindMessage      Kind = 5
	KindContact      Kind = 6
	KindDocument     Kind = 8
	KindNote         Kind = 9
	KindFlag         Kind = 10 // Memory-only system flag pseudo-item.
	KindAppointment  Kind = 11
	KindVirtualConv  Kind = 12 // Memory-only 1-message conversation.
	KindMountpoint   Kind = 13
	KindWiki         Kind = 14 // Legacy, read as document.
	KindTask         Kind = 15
	KindChat         Kind = 16
	KindComment      Kind = 17
	KindLink         Kind = 18
)

var kindNames = map[Kind]string{
	KindUnknown:      "unknown",
	KindFolder:       "folder",
	KindSearchFolder: "searchfolder",
	KindTag:          "tag",
	KindConversation: "conversation",
	KindMessage:      "message",
	KindContact:      "contact",
	KindDocument:     "document",
	KindNote:         "note",
	KindFlag:         "flag",
	KindAppointment:  "appointment",
	KindVirtualConv:  "virtualconversation",
	KindMountpoint:   "mountpoint",
	KindWiki:         "wiki",
	KindTask:         "task",
	KindChat:         "chat",
	KindComment:      "comment",
	KindLink:         "link",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind returns the kind for a human-readable name, KindUnknown if not
// recognized. "briefcase" is a synonym of document.
func ParseKind(name string) Kind {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "briefcase" {
		return KindDocument
	}
	for k, s := range kindNames {
		if s == name {
			return k
		}
	}
	return KindUnknown
}

// capabilities of one item kind. Containers aggregate their children's counts,
// leaves count individually against folder and tag totals.
type kindCaps struct {
	Leaf        bool
	Taggable    bool
	Copyable    bool
	Movable     bool
	Mutable     bool
	CanChildren bool
	TrackUnread bool
	Indexable   bool
	Lockable    bool
	Named       bool // Carries a user-visible name, unique among folder siblings.
}

var kindCapsTable = map[Kind]kindCaps{
	KindFolder:       {CanChildren: true, Movable: true, Mutable: true, TrackUnread: true, Named: true},
	KindSearchFolder: {Movable: true, Mutable: true, Named: true},
	KindMountpoint:   {Movable: true, Mutable: true, Named: true},
	KindTag:          {Mutable: true, TrackUnread: true, Named: true},
	KindFlag:         {},
	KindConversation: {Taggable: true, CanChildren: true, TrackUnread: true},
	KindVirtualConv:  {Taggable: true, CanChildren: true, TrackUnread: true},
	KindMessage:      {Leaf: true, Taggable: true, Copyable: true, Movable: true, TrackUnread: true, Indexable: true},
	KindChat:         {Leaf: true, Taggable: true, Copyable: true, Movable: true, TrackUnread: true, Indexable: true},
	KindContact:      {Leaf: true, Taggable: true, Copyable: true, Movable: true, Mutable: true, Indexable: true},
	KindDocument:     {Leaf: true, Taggable: true, Copyable: true, Movable: true, Mutable: true, CanChildren: true, Indexable: true, Lockable: true, Named: true},
	KindWiki:         {Leaf: true, Taggable: true, Copyable: true, Movable: true, Mutable: true, CanChildren: true, Indexable: true, Lockable: true, Named: true},
	KindNote:         {Leaf: true, Taggable: true, Copyable: true, Movable: true, Mutable: true, Indexable: true, Named: true},
	KindAppointment:  {Leaf: true, Taggable: true, Copyable: true, Movable: true, Mutable: true, CanChildren: true, Indexable: true},
	KindTask:         {Leaf: true, Taggable: true, Copyable: true, Mutable: true, CanChildren: true, Indexable: true, Movable: true, Named: true},
	KindComment:      {Leaf: true, Taggable: true, Copyable: true, Mutable: true},
	KindLink:         {Leaf: true, Taggable: true, Copyable: true, Movable: true, Mutable: true, Named: true},
}

func (k Kind) caps() kindCaps {
	return kindCapsTable[k]
}

// IsLeaf returns whether items of this kind count individually against folder
// and tag size totals. Containers and registry kinds (folder, tag, flag,
// conversation) do not.
func (k Kind) IsLeaf() bool { return k.caps().Leaf }

func (k Kind) Taggable() bool    { return k.caps().Taggable }
func (k Kind) Copyable() bool    { return k.caps().Copyable }
func (k Kind) Movable() bool     { return k.caps().Movable }
func (k Kind) Mutable() bool     { return k.caps().Mutable }
func (k Kind) CanChildren() bool { return k.caps().CanChildren }
func (k Kind) TrackUnread() bool { return k.caps().TrackUnread }
func (k Kind) Indexable() bool   { return k.caps().Indexable }
func (k Kind) Lockable() bool    { return k.caps().Lockable }
func (k Kind) Named() bool       { return k.caps().Named }

// AcceptableKind returns whether an item of kind actual satisfies a request
// for kind desired. A desired KindUnknown matches anything. A few kinds
// substitute for others: search folders and mountpoints for folders, flags
// for tags, virtual conversations for conversations, wikis for documents,
// chats for messages.
func AcceptableKind(desired, actual Kind) bool {
	if desired == actual || desired == KindUnknown {
		return true
	}
	switch {
	case desired == KindFolder && (actual == KindSearchFolder || actual == KindMountpoint):
		return true
	case desired == KindTag && actual == KindFlag:
		return true
	case desired == KindConversation && actual == KindVirtualConv:
		return true
	case desired == KindDocument && actual == KindWiki:
		return true
	case desired == KindMessage && actual == KindChat:
		return true
	}
	return false
}

// Bitmask returns the kind as a single bit, for compact kind sets in deletion
// records.
func (k Kind) Bitmask() uint32 {
	return 1 << uint32(k)
}

// KindsOfBitmask expands a kind bitmask into kinds, ascending.
func KindsOfBitmask(mask uint32) []Kind {
	var l []Kind
	for k := Kind(0); k < 32; k++ {
		if mask&(1<<uint32(k)) != 0 {
			if _, ok := kindNames[k]; ok {
				l = append(l, k)
			}
		}
	}
	return l
}
