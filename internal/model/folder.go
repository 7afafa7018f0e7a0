package model

import (
	"strings"

	"github.com/emersion/go-imap/v2"
)

// FolderType classifies a mailbox by its role.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDrafts  FolderType = "drafts"
	FolderTrash   FolderType = "trash"
	FolderSpam    FolderType = "spam"
	FolderArchive FolderType = "archive"
	FolderRegular FolderType = "regular"
)

// MailboxState is the per-folder synchronization watermark. UIDs are
// only comparable within the same UIDValidity epoch: when the epoch
// changes, every cached UID for the folder is meaningless and the
// folder must be purged and fully resynced.
type MailboxState struct {
	Path       string
	Delimiter  string
	Attributes []string
	Selectable bool
	Type       FolderType

	UIDValidity      uint32
	HighestSyncedUID imap.UID
	UIDNext          imap.UID
}

// specialUseTypes maps RFC 6154 SPECIAL-USE attributes to folder types.
var specialUseTypes = map[string]FolderType{
	"\\inbox":   FolderInbox,
	"\\sent":    FolderSent,
	"\\drafts":  FolderDrafts,
	"\\trash":   FolderTrash,
	"\\junk":    FolderSpam,
	"\\archive": FolderArchive,
	"\\all":     FolderArchive,
}

// DetectFolderType classifies a folder from its SPECIAL-USE attributes,
// falling back to common path-name conventions.
func DetectFolderType(path string, attributes []string) FolderType {
	for _, attr := range attributes {
		if t, ok := specialUseTypes[strings.ToLower(attr)]; ok {
			return t
		}
	}

	name := strings.ToLower(path)
	if i := strings.LastIndexAny(name, "/."); i >= 0 {
		name = name[i+1:]
	}
	switch name {
	case "inbox":
		return FolderInbox
	case "sent", "sent messages", "sent items":
		return FolderSent
	case "drafts":
		return FolderDrafts
	case "trash", "deleted items", "deleted messages":
		return FolderTrash
	case "spam", "junk", "junk mail":
		return FolderSpam
	case "archive", "archives", "all mail":
		return FolderArchive
	}
	return FolderRegular
}
