package archive

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

type fakeProvider struct {
	mu          sync.Mutex
	pages       [][]MessageRef
	payloads    map[string]*MessagePayload
	attachments map[string][]byte
	listErrs    []error
	markReadErr map[string]error
	readIDs     []string
	listCalls   int
}

func (p *fakeProvider) ListMessages(ctx context.Context, query, pageToken string) ([]MessageRef, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++

	if len(p.listErrs) > 0 {
		err := p.listErrs[0]
		p.listErrs = p.listErrs[1:]
		return nil, "", err
	}

	page := 0
	if pageToken != "" {
		page, _ = strconv.Atoi(pageToken)
	}
	if page >= len(p.pages) {
		return nil, "", nil
	}
	next := ""
	if page+1 < len(p.pages) {
		next = strconv.Itoa(page + 1)
	}
	return p.pages[page], next, nil
}

func (p *fakeProvider) GetMessage(ctx context.Context, id string) (*MessagePayload, error) {
	payload, ok := p.payloads[id]
	if !ok {
		return nil, fmt.Errorf("unknown message %s", id)
	}
	return payload, nil
}

func (p *fakeProvider) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	data, ok := p.attachments[messageID+"/"+attachmentID]
	if !ok {
		return nil, fmt.Errorf("unknown attachment %s of %s", attachmentID, messageID)
	}
	return data, nil
}

func (p *fakeProvider) MarkRead(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.markReadErr[id]; err != nil {
		return err
	}
	p.readIDs = append(p.readIDs, id)
	return nil
}

func (p *fakeProvider) read(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.readIDs {
		if r == id {
			return true
		}
	}
	return false
}

type fakeStore struct {
	mu          sync.Mutex
	blobs       map[string][]byte
	failOn      map[string]error
	blockCh     chan struct{}
	entered     chan struct{}
	enteredOnce sync.Once
	nextID      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: map[string][]byte{}, failOn: map[string]error{}}
}

func (s *fakeStore) Put(ctx context.Context, filename string, data []byte, meta PutMetadata) (string, error) {
	if s.entered != nil {
		s.enteredOnce.Do(func() { close(s.entered) })
	}
	if s.blockCh != nil {
		<-s.blockCh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[filename]; err != nil {
		return "", err
	}
	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.blobs[id] = data
	return id, nil
}

func (s *fakeStore) filenames(files []StoredFile) []string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Filename)
	}
	return names
}

func payloadWithAttachments(id, sender string, filenames ...string) *MessagePayload {
	p := &MessagePayload{
		ID:      id,
		Headers: []Header{{Name: "From", Value: sender}},
	}
	for i, name := range filenames {
		p.Parts = append(p.Parts, Part{Filename: name, AttachmentID: fmt.Sprintf("att-%d", i)})
	}
	return p
}

func TestCoordinatorRun(t *testing.T) {
	t.Run("partial storage failure keeps message unread", func(t *testing.T) {
		// Message A: one attachment, stores fine. Message B: two
		// attachments, the second fails to store.
		provider := &fakeProvider{
			pages: [][]MessageRef{{{ID: "msg-a"}, {ID: "msg-b"}}},
			payloads: map[string]*MessagePayload{
				"msg-a": payloadWithAttachments("msg-a", "alice@example.com", "a.pdf"),
				"msg-b": payloadWithAttachments("msg-b", "bob@example.com", "b1.png", "b2.png"),
			},
			attachments: map[string][]byte{
				"msg-a/att-0": []byte("0123456789"),
				"msg-b/att-0": []byte("12345"),
				"msg-b/att-1": []byte("67890"),
			},
		}
		store := newFakeStore()
		store.failOn["b2.png"] = errors.New("disk full")

		coord := NewCoordinator(provider, store, "is:unread has:attachment", testRetry, 4)
		summary, err := coord.Run(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 2, summary.MessagesScanned)
		assert.Equal(t, 2, summary.AttachmentsStored)
		assert.ElementsMatch(t, []string{"a.pdf", "b1.png"}, store.filenames(summary.FilesSaved))

		assert.True(t, provider.read("msg-a"), "msg-a should be marked read")
		assert.False(t, provider.read("msg-b"), "msg-b must stay unread after a failed put")

		require.Len(t, summary.PerMessageErrors, 1)
		assert.Equal(t, "msg-b", summary.PerMessageErrors[0].MessageID)
	})

	t.Run("malformed message does not block the rest of the run", func(t *testing.T) {
		provider := &fakeProvider{
			pages: [][]MessageRef{{{ID: "bad"}, {ID: "good"}}},
			payloads: map[string]*MessagePayload{
				"bad": {
					ID:    "bad",
					Parts: []Part{{Filename: "x.bin", AttachmentID: "att-0"}},
					// No From header.
				},
				"good": payloadWithAttachments("good", "carol@example.com", "ok.txt"),
			},
			attachments: map[string][]byte{
				"bad/att-0":  []byte("junk"),
				"good/att-0": []byte("fine"),
			},
		}
		store := newFakeStore()

		coord := NewCoordinator(provider, store, "q", testRetry, 4)
		summary, err := coord.Run(context.Background())
		require.NoError(t, err)

		require.Len(t, summary.PerMessageErrors, 1)
		assert.Equal(t, "bad", summary.PerMessageErrors[0].MessageID)
		assert.True(t, provider.read("good"))
		assert.False(t, provider.read("bad"))
		assert.Equal(t, 1, summary.AttachmentsStored)
	})

	t.Run("scans every message across pages exactly once", func(t *testing.T) {
		var pages [][]MessageRef
		payloads := map[string]*MessagePayload{}
		attachments := map[string][]byte{}
		for p := 0; p < 3; p++ {
			var page []MessageRef
			for i := 0; i < 4; i++ {
				id := fmt.Sprintf("m-%d-%d", p, i)
				page = append(page, MessageRef{ID: id})
				payloads[id] = payloadWithAttachments(id, "s@example.com", id+".dat")
				attachments[id+"/att-0"] = []byte(id)
			}
			pages = append(pages, page)
		}
		provider := &fakeProvider{pages: pages, payloads: payloads, attachments: attachments}
		store := newFakeStore()

		coord := NewCoordinator(provider, store, "q", testRetry, 4)
		summary, err := coord.Run(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 12, summary.MessagesScanned)
		assert.Equal(t, 12, summary.AttachmentsStored)
		assert.Len(t, provider.readIDs, 12)

		seen := map[string]int{}
		for _, id := range provider.readIDs {
			seen[id]++
		}
		for id, n := range seen {
			assert.Equal(t, 1, n, "message %s processed %d times", id, n)
		}
	})

	t.Run("message with no attachments is noted, not marked read", func(t *testing.T) {
		provider := &fakeProvider{
			pages: [][]MessageRef{{{ID: "empty"}}},
			payloads: map[string]*MessagePayload{
				"empty": {ID: "empty", Headers: []Header{{Name: "from", Value: "x@example.com"}}},
			},
		}
		store := newFakeStore()

		coord := NewCoordinator(provider, store, "q", testRetry, 4)
		summary, err := coord.Run(context.Background())
		require.NoError(t, err)

		assert.Empty(t, summary.PerMessageErrors)
		require.Len(t, summary.Notes, 1)
		assert.Equal(t, "empty", summary.Notes[0].MessageID)
		assert.False(t, provider.read("empty"))
	})

	t.Run("throttling is retried within the budget", func(t *testing.T) {
		provider := &fakeProvider{
			pages: [][]MessageRef{{{ID: "m"}}},
			payloads: map[string]*MessagePayload{
				"m": payloadWithAttachments("m", "s@example.com", "f.txt"),
			},
			attachments: map[string][]byte{"m/att-0": []byte("data")},
			listErrs: []error{
				&RateLimitError{Err: errors.New("429")},
				&RateLimitError{Err: errors.New("429")},
			},
		}
		store := newFakeStore()

		coord := NewCoordinator(provider, store, "q", testRetry, 4)
		summary, err := coord.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, summary.MessagesScanned)
		assert.True(t, provider.read("m"))
	})

	t.Run("exhausted rate limit aborts the run", func(t *testing.T) {
		provider := &fakeProvider{
			listErrs: []error{
				&RateLimitError{Err: errors.New("429")},
				&RateLimitError{Err: errors.New("429")},
				&RateLimitError{Err: errors.New("429")},
			},
		}
		coord := NewCoordinator(provider, newFakeStore(), "q", testRetry, 4)

		_, err := coord.Run(context.Background())
		var rle *RateLimitError
		require.ErrorAs(t, err, &rle)
	})

	t.Run("auth error aborts the run", func(t *testing.T) {
		provider := &fakeProvider{
			listErrs: []error{&AuthError{Err: errors.New("token revoked")}},
		}
		coord := NewCoordinator(provider, newFakeStore(), "q", testRetry, 4)

		_, err := coord.Run(context.Background())
		var ae *AuthError
		require.ErrorAs(t, err, &ae)
	})

	t.Run("mark read failure is recorded but not retried", func(t *testing.T) {
		provider := &fakeProvider{
			pages: [][]MessageRef{{{ID: "m"}}},
			payloads: map[string]*MessagePayload{
				"m": payloadWithAttachments("m", "s@example.com", "f.txt"),
			},
			attachments: map[string][]byte{"m/att-0": []byte("data")},
			markReadErr: map[string]error{"m": errors.New("network blip")},
		}
		store := newFakeStore()

		coord := NewCoordinator(provider, store, "q", testRetry, 4)
		summary, err := coord.Run(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 1, summary.AttachmentsStored)
		require.Len(t, summary.PerMessageErrors, 1)
		assert.Contains(t, summary.PerMessageErrors[0].Reason, "mark read")
	})

	t.Run("concurrent runs are mutually exclusive", func(t *testing.T) {
		provider := &fakeProvider{
			pages: [][]MessageRef{{{ID: "m"}}},
			payloads: map[string]*MessagePayload{
				"m": payloadWithAttachments("m", "s@example.com", "f.txt"),
			},
			attachments: map[string][]byte{"m/att-0": []byte("data")},
		}
		store := newFakeStore()
		store.blockCh = make(chan struct{})
		store.entered = make(chan struct{})

		coord := NewCoordinator(provider, store, "q", testRetry, 4)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := coord.Run(context.Background())
			assert.NoError(t, err)
		}()

		// Wait until the first run is blocked inside the store write, then
		// a second run must be rejected.
		select {
		case <-store.entered:
		case <-time.After(time.Second):
			t.Fatal("first run never reached the store")
		}
		_, err := coord.Run(context.Background())
		require.ErrorIs(t, err, ErrRunInProgress)

		close(store.blockCh)
		<-done

		// With the first run finished, a new run is accepted again.
		_, err = coord.Run(context.Background())
		require.NoError(t, err)
	})
}
