// Package gmail implements archive.MailProvider over the Gmail REST API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailvault/mailvault/internal/archive"
)

const pageSize = 100

// Adapter implements archive.MailProvider for Gmail.
type Adapter struct {
	svc  *gmail.Service
	user string
}

// New creates a Gmail adapter pulling access tokens from ts.
func New(ctx context.Context, ts oauth2.TokenSource) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Adapter{svc: svc, user: "me"}, nil
}

// ListMessages returns one page of message refs matching the Gmail query.
func (a *Adapter) ListMessages(ctx context.Context, query, pageToken string) ([]archive.MessageRef, string, error) {
	call := a.svc.Users.Messages.List(a.user).Q(query).MaxResults(pageSize)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, "", wrapErr("list messages", err)
	}

	refs := make([]archive.MessageRef, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		refs = append(refs, archive.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return refs, resp.NextPageToken, nil
}

// GetMessage fetches the full message and normalizes its part tree.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*archive.MessagePayload, error) {
	msg, err := a.svc.Users.Messages.Get(a.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, wrapErr("get message", err)
	}

	payload := &archive.MessagePayload{ID: msg.Id, ThreadID: msg.ThreadId}
	if msg.Payload == nil {
		return payload, nil
	}
	for _, h := range msg.Payload.Headers {
		payload.Headers = append(payload.Headers, archive.Header{Name: h.Name, Value: h.Value})
	}
	payload.Parts = []archive.Part{convertPart(msg.Payload)}
	return payload, nil
}

// GetAttachment fetches and base64-decodes one attachment body.
func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	att, err := a.svc.Users.Messages.Attachments.Get(a.user, messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		return nil, wrapErr("get attachment", err)
	}

	// Attachment bodies arrive as URL-safe base64, usually without padding.
	data, err := base64.RawURLEncoding.DecodeString(att.Data)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(att.Data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment: %w", err)
	}
	return data, nil
}

// MarkRead removes the UNREAD label from a message.
func (a *Adapter) MarkRead(ctx context.Context, id string) error {
	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{"UNREAD"}}
	_, err := a.svc.Users.Messages.Modify(a.user, id, req).Context(ctx).Do()
	if err != nil {
		return wrapErr("mark read", err)
	}
	return nil
}

// convertPart maps a Gmail message part, recursively, onto the normalized
// part tree.
func convertPart(p *gmail.MessagePart) archive.Part {
	part := archive.Part{
		Filename: p.Filename,
		MimeType: p.MimeType,
	}
	if p.Body != nil {
		part.AttachmentID = p.Body.AttachmentId
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}

// wrapErr maps Gmail API failures onto the archive error taxonomy.
func wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &archive.TimeoutError{Op: op, Err: err}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return &archive.AuthError{Err: err}
		case apiErr.Code == 429, apiErr.Code == 403 && rateLimited(apiErr):
			return &archive.RateLimitError{RetryAfter: retryAfter(apiErr), Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// rateLimited distinguishes 403 throttling from 403 permission denials.
func rateLimited(apiErr *googleapi.Error) bool {
	for _, e := range apiErr.Errors {
		if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return strings.Contains(apiErr.Message, "Rate Limit")
}

// retryAfter parses the provider's Retry-After hint, if any.
func retryAfter(apiErr *googleapi.Error) time.Duration {
	v := apiErr.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
