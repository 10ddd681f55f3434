package archive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// PutMetadata is the provenance recorded with each stored attachment.
type PutMetadata struct {
	MessageID string
	Sender    string
}

// ContentStore is the durable blob sink the coordinator writes to. Put must
// be atomic: the blob and its metadata are visible together or not at all.
type ContentStore interface {
	Put(ctx context.Context, filename string, data []byte, meta PutMetadata) (string, error)
}

// StoredFile reports one archived attachment in a run summary.
type StoredFile struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// MessageError is a failure isolated to one message.
type MessageError struct {
	MessageID string `json:"messageId"`
	Reason    string `json:"reason"`
}

// MessageNote records a message that was skipped without being an error,
// e.g. one that matched the filter but yielded no attachments.
type MessageNote struct {
	MessageID string `json:"messageId"`
	Note      string `json:"note"`
}

// Summary is the result of one ingestion run.
type Summary struct {
	MessagesScanned   int            `json:"messagesScanned"`
	AttachmentsStored int            `json:"attachmentsStored"`
	FilesSaved        []StoredFile   `json:"filesSaved"`
	PerMessageErrors  []MessageError `json:"perMessageErrors"`
	Notes             []MessageNote  `json:"notes,omitempty"`
}

// Coordinator orchestrates scan, extract, store and mark-read for one
// mailbox. Runs are mutually exclusive; a second Run while one is active
// returns ErrRunInProgress.
type Coordinator struct {
	provider  MailProvider
	scanner   *Scanner
	extractor *Extractor
	store     ContentStore
	query     string
	retry     RetryPolicy
	putConc   int

	runMu sync.Mutex
}

// NewCoordinator wires the pipeline. query is the provider filter, e.g.
// "is:unread has:attachment". putConcurrency bounds parallel store writes
// within one message; values below 1 fall back to 4.
func NewCoordinator(provider MailProvider, store ContentStore, query string, retry RetryPolicy, putConcurrency int) *Coordinator {
	if putConcurrency < 1 {
		putConcurrency = 4
	}
	retrying := &retryingProvider{inner: provider, retry: retry}
	return &Coordinator{
		provider:  retrying,
		scanner:   NewScanner(retrying),
		extractor: NewExtractor(retrying),
		store:     store,
		query:     query,
		retry:     retry,
		putConc:   putConcurrency,
	}
}

// Run performs one full ingestion cycle. Per-message failures are isolated
// into the summary; an AuthError or a rate limit that survives its retry
// budget aborts the run and is returned alongside the partial summary.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	if !c.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer c.runMu.Unlock()

	summary := &Summary{
		FilesSaved:       []StoredFile{},
		PerMessageErrors: []MessageError{},
	}

	err := c.scanner.Scan(ctx, c.query, func(ref MessageRef) error {
		summary.MessagesScanned++
		return c.processMessage(ctx, ref, summary)
	})
	if err != nil {
		return summary, err
	}
	return summary, nil
}

// processMessage drives one message through the per-message state machine.
// It returns an error only for failures fatal to the whole run.
func (c *Coordinator) processMessage(ctx context.Context, ref MessageRef, summary *Summary) error {
	payload, err := c.provider.GetMessage(ctx, ref.ID)
	if err != nil {
		if fatal(err) {
			return err
		}
		summary.PerMessageErrors = append(summary.PerMessageErrors, MessageError{
			MessageID: ref.ID,
			Reason:    fmt.Sprintf("fetch payload: %v", err),
		})
		return nil
	}

	descriptors, err := c.extractor.Extract(ctx, payload)
	if err != nil {
		if fatal(err) {
			return err
		}
		summary.PerMessageErrors = append(summary.PerMessageErrors, MessageError{
			MessageID: ref.ID,
			Reason:    fmt.Sprintf("extract attachments: %v", err),
		})
		return nil
	}

	if len(descriptors) == 0 {
		summary.Notes = append(summary.Notes, MessageNote{
			MessageID: ref.ID,
			Note:      "no extractable attachments",
		})
		return nil
	}

	stored, putErr := c.storeAll(ctx, descriptors)
	summary.AttachmentsStored += len(stored)
	summary.FilesSaved = append(summary.FilesSaved, stored...)

	if putErr != nil {
		// Attachments stored before the failure remain stored; the
		// message stays unread so the next run reprocesses it and
		// dedup absorbs the blobs already written.
		summary.PerMessageErrors = append(summary.PerMessageErrors, MessageError{
			MessageID: ref.ID,
			Reason:    putErr.Error(),
		})
		return nil
	}

	// Mark-read failures are not retried within the run.
	if err := c.provider.MarkRead(ctx, ref.ID); err != nil {
		if fatal(err) {
			return err
		}
		log.Printf("mark read failed for %s, deferring to next run: %v", ref.ID, err)
		summary.PerMessageErrors = append(summary.PerMessageErrors, MessageError{
			MessageID: ref.ID,
			Reason:    fmt.Sprintf("mark read: %v", err),
		})
	}
	return nil
}

// storeAll writes the message's attachments through a bounded worker pool
// and joins before returning. All successfully stored files are reported
// even when a sibling put fails.
func (c *Coordinator) storeAll(ctx context.Context, descriptors []AttachmentDescriptor) ([]StoredFile, error) {
	type putResult struct {
		file StoredFile
		err  error
	}

	results := make([]putResult, len(descriptors))
	sem := make(chan struct{}, c.putConc)
	var wg sync.WaitGroup

	for i, desc := range descriptors {
		wg.Add(1)
		go func(i int, desc AttachmentDescriptor) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			var id string
			err := c.retry.Do(ctx, func() error {
				var putErr error
				id, putErr = c.store.Put(ctx, desc.Filename, desc.Data, PutMetadata{
					MessageID: desc.SourceMessageID,
					Sender:    desc.Sender,
				})
				return putErr
			})
			if err != nil {
				results[i] = putResult{err: &StorageError{Filename: desc.Filename, Err: err}}
				return
			}
			results[i] = putResult{file: StoredFile{
				ID:       id,
				Filename: desc.Filename,
				Size:     int64(len(desc.Data)),
			}}
		}(i, desc)
	}
	wg.Wait()

	var stored []StoredFile
	var firstErr error
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		stored = append(stored, r.file)
	}
	return stored, firstErr
}

// fatal reports errors that abort the entire run: authentication failures
// and throttling that already exhausted its retry budget.
func fatal(err error) bool {
	var ae *AuthError
	var rle *RateLimitError
	return errors.As(err, &ae) || errors.As(err, &rle)
}

// retryingProvider applies the bounded retry policy to provider reads.
// MarkRead passes through untouched: a failed mark-read is deferred to the
// next run instead of retried.
type retryingProvider struct {
	inner MailProvider
	retry RetryPolicy
}

func (p *retryingProvider) ListMessages(ctx context.Context, query, pageToken string) ([]MessageRef, string, error) {
	var refs []MessageRef
	var next string
	err := p.retry.Do(ctx, func() error {
		var err error
		refs, next, err = p.inner.ListMessages(ctx, query, pageToken)
		return err
	})
	return refs, next, err
}

func (p *retryingProvider) GetMessage(ctx context.Context, id string) (*MessagePayload, error) {
	var payload *MessagePayload
	err := p.retry.Do(ctx, func() error {
		var err error
		payload, err = p.inner.GetMessage(ctx, id)
		return err
	})
	return payload, err
}

func (p *retryingProvider) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var data []byte
	err := p.retry.Do(ctx, func() error {
		var err error
		data, err = p.inner.GetAttachment(ctx, messageID, attachmentID)
		return err
	})
	return data, err
}

func (p *retryingProvider) MarkRead(ctx context.Context, id string) error {
	return p.inner.MarkRead(ctx, id)
}
