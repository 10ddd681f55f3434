package archive

import (
	"context"
	"fmt"
	"strings"
)

// Extractor pulls attachment bodies out of a message's part tree.
type Extractor struct {
	provider MailProvider
}

// NewExtractor creates an extractor fetching bodies from the given provider.
func NewExtractor(provider MailProvider) *Extractor {
	return &Extractor{provider: provider}
}

// Extract walks the payload's part tree and returns a descriptor for every
// part carrying both a filename and an attachment body reference, in tree
// order. The sender is taken from the From header; a payload without one is
// malformed.
func (e *Extractor) Extract(ctx context.Context, payload *MessagePayload) ([]AttachmentDescriptor, error) {
	sender, ok := headerValue(payload.Headers, "From")
	if !ok {
		return nil, &MalformedMessageError{MessageID: payload.ID, Reason: "missing From header"}
	}

	var parts []Part
	collectAttachmentParts(payload.Parts, &parts)

	descriptors := make([]AttachmentDescriptor, 0, len(parts))
	for _, part := range parts {
		data, err := e.provider.GetAttachment(ctx, payload.ID, part.AttachmentID)
		if err != nil {
			return nil, fmt.Errorf("fetch attachment %q of message %s: %w", part.Filename, payload.ID, err)
		}
		descriptors = append(descriptors, AttachmentDescriptor{
			Filename:        part.Filename,
			Data:            data,
			SourceMessageID: payload.ID,
			Sender:          sender,
		})
	}
	return descriptors, nil
}

// collectAttachmentParts appends qualifying parts depth-first, parents before
// their nested parts.
func collectAttachmentParts(parts []Part, out *[]Part) {
	for _, p := range parts {
		if p.Filename != "" && p.AttachmentID != "" {
			*out = append(*out, p)
		}
		if len(p.Parts) > 0 {
			collectAttachmentParts(p.Parts, out)
		}
	}
}

// headerValue finds a header by case-insensitive name.
func headerValue(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}
