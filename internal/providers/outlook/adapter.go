// Package outlook implements archive.MailProvider over Microsoft Graph.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/mailvault/mailvault/internal/archive"
)

const pageSize = 100

// unreadWithAttachments is the Graph equivalent of the Gmail
// "is:unread has:attachment" filter. Graph has no free-text query syntax for
// this, so the scanner's query string is not interpreted here.
const unreadWithAttachments = "isRead eq false and hasAttachments eq true"

// Adapter implements archive.MailProvider for Outlook mailboxes.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
}

// New creates an Outlook adapter pulling access tokens from ts.
func New(ts oauth2.TokenSource) (*Adapter, error) {
	cred := &tokenSourceCredential{ts: ts}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &Adapter{client: client}, nil
}

// ListMessages pages through unread messages with attachments. The page token
// is the @odata.nextLink of the previous page: the server-side cursor stays
// stable while already-processed messages drop out of the unread filter, so a
// $skip offset would silently jump over messages marked read mid-scan.
func (a *Adapter) ListMessages(ctx context.Context, query, pageToken string) ([]archive.MessageRef, string, error) {
	var result models.MessageCollectionResponseable
	var err error
	if pageToken != "" {
		result, err = users.NewItemMessagesRequestBuilder(pageToken, a.client.GetAdapter()).Get(ctx, nil)
	} else {
		filter := unreadWithAttachments
		requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Filter: &filter,
				Top:    int32Ptr(pageSize),
				Select: []string{"id", "conversationId"},
			},
		}
		result, err = a.client.Me().Messages().Get(ctx, requestConfig)
	}
	if err != nil {
		return nil, "", wrapErr("list messages", err)
	}

	msgs := result.GetValue()
	refs := make([]archive.MessageRef, 0, len(msgs))
	for _, m := range msgs {
		ref := archive.MessageRef{}
		if id := m.GetId(); id != nil {
			ref.ID = *id
		}
		if convID := m.GetConversationId(); convID != nil {
			ref.ThreadID = *convID
		}
		refs = append(refs, ref)
	}

	next := ""
	if link := result.GetOdataNextLink(); link != nil {
		next = *link
	}
	return refs, next, nil
}

// GetMessage fetches a message and synthesizes a flat part tree from its
// attachment list; Graph does not expose raw MIME parts.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*archive.MessagePayload, error) {
	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "conversationId", "from", "internetMessageHeaders"},
		},
	}

	msg, err := a.client.Me().Messages().ByMessageId(id).Get(ctx, requestConfig)
	if err != nil {
		return nil, wrapErr("get message", err)
	}

	payload := &archive.MessagePayload{ID: id}
	if convID := msg.GetConversationId(); convID != nil {
		payload.ThreadID = *convID
	}
	for _, h := range msg.GetInternetMessageHeaders() {
		if h.GetName() == nil || h.GetValue() == nil {
			continue
		}
		payload.Headers = append(payload.Headers, archive.Header{Name: *h.GetName(), Value: *h.GetValue()})
	}
	// Graph truncates internetMessageHeaders on some mailboxes; fall back to
	// the structured from field so the sender is never lost.
	if _, ok := findHeader(payload.Headers, "From"); !ok {
		if addr := fromAddress(msg); addr != "" {
			payload.Headers = append(payload.Headers, archive.Header{Name: "From", Value: addr})
		}
	}

	attachments, err := a.client.Me().Messages().ByMessageId(id).Attachments().Get(ctx, nil)
	if err != nil {
		return nil, wrapErr("list attachments", err)
	}
	for _, att := range attachments.GetValue() {
		part := archive.Part{}
		if name := att.GetName(); name != nil {
			part.Filename = *name
		}
		if ct := att.GetContentType(); ct != nil {
			part.MimeType = *ct
		}
		if attID := att.GetId(); attID != nil {
			part.AttachmentID = *attID
		}
		payload.Parts = append(payload.Parts, part)
	}
	return payload, nil
}

// GetAttachment fetches one file attachment's content bytes.
func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	att, err := a.client.Me().Messages().ByMessageId(messageID).Attachments().ByAttachmentId(attachmentID).Get(ctx, nil)
	if err != nil {
		return nil, wrapErr("get attachment", err)
	}

	file, ok := att.(models.FileAttachmentable)
	if !ok {
		return nil, fmt.Errorf("attachment %s of message %s is not a file attachment", attachmentID, messageID)
	}
	return file.GetContentBytes(), nil
}

// MarkRead patches the message's isRead flag.
func (a *Adapter) MarkRead(ctx context.Context, id string) error {
	body := models.NewMessage()
	isRead := true
	body.SetIsRead(&isRead)

	_, err := a.client.Me().Messages().ByMessageId(id).Patch(ctx, body, nil)
	if err != nil {
		return wrapErr("mark read", err)
	}
	return nil
}

func fromAddress(msg models.Messageable) string {
	from := msg.GetFrom()
	if from == nil {
		return ""
	}
	email := from.GetEmailAddress()
	if email == nil || email.GetAddress() == nil {
		return ""
	}
	return *email.GetAddress()
}

func findHeader(headers []archive.Header, name string) (string, bool) {
	for _, h := range headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// wrapErr maps Graph failures onto the archive error taxonomy.
func wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &archive.TimeoutError{Op: op, Err: err}
	}

	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		switch odataErr.ResponseStatusCode {
		case 401:
			return &archive.AuthError{Err: err}
		case 429:
			return &archive.RateLimitError{Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// tokenSourceCredential adapts an oauth2.TokenSource to the Azure credential
// interface the Graph client expects.
type tokenSourceCredential struct {
	ts oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
