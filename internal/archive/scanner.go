package archive

import (
	"context"
	"fmt"
)

// Scanner walks the provider's paginated message listing.
type Scanner struct {
	provider MailProvider
}

// NewScanner creates a scanner over the given provider.
func NewScanner(provider MailProvider) *Scanner {
	return &Scanner{provider: provider}
}

// Scan calls fn for every message matching query, following page cursors
// until the provider reports no next page. The sequence is lazy: pages are
// fetched as fn consumes them, and fn returning an error stops the scan.
func (s *Scanner) Scan(ctx context.Context, query string, fn func(MessageRef) error) error {
	pageToken := ""
	for {
		refs, next, err := s.provider.ListMessages(ctx, query, pageToken)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		for _, ref := range refs {
			if err := fn(ref); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		pageToken = next
	}
}
