package archive

import (
	"context"
)

// MessageRef identifies a message at the provider. Immutable once fetched.
type MessageRef struct {
	ID       string
	ThreadID string
}

// Header is a single message header as returned by the provider.
type Header struct {
	Name  string
	Value string
}

// Part is one node of a message's part tree. A part qualifies as an
// attachment when it carries both a filename and an attachment body id.
type Part struct {
	Filename     string
	MimeType     string
	AttachmentID string
	Parts        []Part
}

// MessagePayload is the normalized full message returned by a provider.
type MessagePayload struct {
	ID       string
	ThreadID string
	Headers  []Header
	Parts    []Part
}

// AttachmentDescriptor is a fetched attachment ready for storage. Transient:
// produced by the extractor, consumed once by the content store.
type AttachmentDescriptor struct {
	Filename        string
	Data            []byte
	SourceMessageID string
	Sender          string
}

// MailProvider is the provider-agnostic mailbox contract. Implementations
// translate provider failures into the error taxonomy of this package
// (AuthError, RateLimitError, TimeoutError).
type MailProvider interface {
	// ListMessages returns one page of message refs matching the query.
	// An empty pageToken requests the first page; an empty next token
	// means the listing is exhausted.
	ListMessages(ctx context.Context, query, pageToken string) (refs []MessageRef, next string, err error)

	// GetMessage fetches the full payload for a message id.
	GetMessage(ctx context.Context, id string) (*MessagePayload, error)

	// GetAttachment fetches and decodes one attachment body.
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)

	// MarkRead clears the unread state of a message.
	MarkRead(ctx context.Context, id string) error
}
