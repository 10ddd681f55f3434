package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	provider := &fakeProvider{
		attachments: map[string][]byte{
			"m/a1": []byte("first"),
			"m/a2": []byte("second"),
			"m/a3": []byte("third"),
		},
	}
	extractor := NewExtractor(provider)

	t.Run("walks nested parts in order", func(t *testing.T) {
		payload := &MessagePayload{
			ID:      "m",
			Headers: []Header{{Name: "From", Value: "sender@example.com"}},
			Parts: []Part{
				{
					MimeType: "multipart/mixed",
					Parts: []Part{
						{MimeType: "text/plain"}, // body, no filename
						{Filename: "one.pdf", AttachmentID: "a1"},
						{
							MimeType: "multipart/related",
							Parts: []Part{
								{Filename: "two.png", AttachmentID: "a2"},
							},
						},
					},
				},
				{Filename: "three.zip", AttachmentID: "a3"},
			},
		}

		descriptors, err := extractor.Extract(context.Background(), payload)
		require.NoError(t, err)
		require.Len(t, descriptors, 3)

		assert.Equal(t, "one.pdf", descriptors[0].Filename)
		assert.Equal(t, []byte("first"), descriptors[0].Data)
		assert.Equal(t, "two.png", descriptors[1].Filename)
		assert.Equal(t, "three.zip", descriptors[2].Filename)
		for _, d := range descriptors {
			assert.Equal(t, "m", d.SourceMessageID)
			assert.Equal(t, "sender@example.com", d.Sender)
		}
	})

	t.Run("From header lookup is case-insensitive", func(t *testing.T) {
		payload := &MessagePayload{
			ID:      "m",
			Headers: []Header{{Name: "FROM", Value: "caps@example.com"}},
			Parts:   []Part{{Filename: "one.pdf", AttachmentID: "a1"}},
		}

		descriptors, err := extractor.Extract(context.Background(), payload)
		require.NoError(t, err)
		require.Len(t, descriptors, 1)
		assert.Equal(t, "caps@example.com", descriptors[0].Sender)
	})

	t.Run("missing From header is a malformed message", func(t *testing.T) {
		payload := &MessagePayload{
			ID:      "m",
			Headers: []Header{{Name: "Subject", Value: "hello"}},
			Parts:   []Part{{Filename: "one.pdf", AttachmentID: "a1"}},
		}

		_, err := extractor.Extract(context.Background(), payload)
		var malformed *MalformedMessageError
		require.ErrorAs(t, err, &malformed)
		assert.Equal(t, "m", malformed.MessageID)
	})

	t.Run("parts without filename or body reference are skipped", func(t *testing.T) {
		payload := &MessagePayload{
			ID:      "m",
			Headers: []Header{{Name: "From", Value: "s@example.com"}},
			Parts: []Part{
				{Filename: "inline-name-only.png"},         // no attachment body
				{AttachmentID: "a1"},                       // no filename
				{Filename: "real.pdf", AttachmentID: "a2"}, // qualifies
			},
		}

		descriptors, err := extractor.Extract(context.Background(), payload)
		require.NoError(t, err)
		require.Len(t, descriptors, 1)
		assert.Equal(t, "real.pdf", descriptors[0].Filename)
	})
}
