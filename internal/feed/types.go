package feed

import (
	"context"
	"time"
)

// Reason classifies why the feed surfaced an event to us.
type Reason string

const (
	ReasonMention Reason = "mention"
	ReasonReply   Reason = "reply"
	ReasonFollow  Reason = "follow"
	ReasonRepost  Reason = "repost"
	ReasonLike    Reason = "like"
)

// Author identifies the account that produced an event.
type Author struct {
	Handle string `json:"handle"`
	DID    string `json:"did"`
}

// Ref is a pointer to another post.
type Ref struct {
	URI string `json:"uri"`
	CID string `json:"cid,omitempty"`
}

// ReplyRefs carries the thread position of a reply post.
type ReplyRefs struct {
	Parent *Ref `json:"parent,omitempty"`
	Root   *Ref `json:"root,omitempty"`
}

// Record is the post body attached to an event.
type Record struct {
	Text      string     `json:"text"`
	CreatedAt string     `json:"createdAt,omitempty"`
	Reply     *ReplyRefs `json:"reply,omitempty"`
}

// Event is one inbound notification from the feed source.
type Event struct {
	URI       string   `json:"uri"`
	CID       string   `json:"cid,omitempty"`
	IndexedAt string   `json:"indexed_at"`
	Reason    Reason   `json:"reason"`
	Author    Author   `json:"author"`
	Record    *Record  `json:"record,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	IsRead    bool     `json:"is_read,omitempty"`
}

// RootURI returns the conversation root for the event.
// An event that carries no explicit root is its own root.
func (e Event) RootURI() string {
	if e.Record != nil && e.Record.Reply != nil && e.Record.Reply.Root != nil && e.Record.Reply.Root.URI != "" {
		return e.Record.Reply.Root.URI
	}
	return e.URI
}

// ParentURI returns the immediate parent for the event.
// A post without a parent is its own parent for deduplication purposes.
func (e Event) ParentURI() string {
	if e.Record != nil && e.Record.Reply != nil && e.Record.Reply.Parent != nil && e.Record.Reply.Parent.URI != "" {
		return e.Record.Reply.Parent.URI
	}
	return e.URI
}

// Text returns the post text, empty when the event has no record.
func (e Event) Text() string {
	if e.Record == nil {
		return ""
	}
	return e.Record.Text
}

// Page is one page of events from the feed source.
type Page struct {
	Events []Event
	Cursor string // empty when there are no further pages
}

// Source supplies paginated notification events and accepts mark-seen
// acknowledgements. Authentication and session renewal are the source's
// own business.
type Source interface {
	// ListNotifications returns up to limit events starting at cursor
	// (empty cursor means the newest page).
	ListNotifications(ctx context.Context, cursor string, limit int) (Page, error)

	// UpdateSeen acknowledges everything up to the given instant.
	UpdateSeen(ctx context.Context, seenAt time.Time) error
}

// Post is one entry of a fetched conversation thread.
type Post struct {
	URI       string
	CID       string
	Author    Author
	Text      string
	CreatedAt string
	IndexedAt string
}

// ThreadFetcher returns the full ordered post list of a conversation
// given its root identifier.
type ThreadFetcher interface {
	FetchThread(ctx context.Context, rootURI string) ([]Post, error)
}
