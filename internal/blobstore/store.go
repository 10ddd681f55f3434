// Package blobstore persists attachment bytes in a content-addressable
// sqlite store with per-put transactional outbox events.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mailvault/mailvault/internal/archive"
)

//go:embed schema.sql
var schemaSQL string

const archivedSubject = "mailvault.attachment.archived"

// NotFoundError is returned by Get for an unknown storage id.
type NotFoundError struct {
	StorageID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no stored attachment with id %s", e.StorageID)
}

// Metadata is the provenance block of a stored attachment.
type Metadata struct {
	MessageID string `json:"messageId"`
	Sender    string `json:"sender"`
}

// StoredAttachment is the durable record returned by List and Get.
// Immutable after creation.
type StoredAttachment struct {
	StorageID  string    `json:"id"`
	Filename   string    `json:"filename"`
	SizeBytes  int64     `json:"size"`
	UploadedAt time.Time `json:"uploadDate"`
	Metadata   Metadata  `json:"metadata"`
}

// OutboxMessage is one pending archived event awaiting publication.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Store is a sqlite-backed content store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the store database at dbPath, applying the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put durably stores a named blob and returns its storage id. The write is
// atomic: blob, metadata and the archived outbox event commit together.
// Identical bytes under the same filename dedup to the existing record, with
// the originating message appended as an additional reference.
func (s *Store) Put(ctx context.Context, filename string, data []byte, meta archive.PutMetadata) (string, error) {
	sum := sha256.Sum256(data)
	shaHex := hex.EncodeToString(sum[:])
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	blobID, err := s.ensureBlob(ctx, tx, shaHex, data, now)
	if err != nil {
		return "", err
	}

	var attachmentID string
	deduplicated := false
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM attachments WHERE blob_id = ? AND filename = ?
	`, blobID, filename).Scan(&attachmentID)
	switch {
	case err == sql.ErrNoRows:
		attachmentID = uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attachments (id, blob_id, filename, size_bytes, uploaded_at, message_id, sender)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, attachmentID, blobID, filename, int64(len(data)), now.Unix(), meta.MessageID, meta.Sender)
		if err != nil {
			return "", fmt.Errorf("failed to insert attachment: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("failed to look up attachment: %w", err)
	default:
		deduplicated = true
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attachment_refs (attachment_id, message_id, sender, created_at)
		VALUES (?, ?, ?, ?)
	`, attachmentID, meta.MessageID, meta.Sender, now.Unix())
	if err != nil {
		return "", fmt.Errorf("failed to insert attachment ref: %w", err)
	}

	if err := s.appendArchivedEvent(ctx, tx, attachmentID, filename, int64(len(data)), shaHex, meta, deduplicated, now); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return attachmentID, nil
}

// ensureBlob inserts the content blob unless an identical one exists.
func (s *Store) ensureBlob(ctx context.Context, tx *sql.Tx, shaHex string, data []byte, now time.Time) (string, error) {
	var blobID string
	err := tx.QueryRowContext(ctx, `SELECT id FROM blobs WHERE sha256 = ?`, shaHex).Scan(&blobID)
	if err == nil {
		return blobID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to look up blob: %w", err)
	}

	blobID = uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO blobs (id, sha256, size_bytes, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, blobID, shaHex, int64(len(data)), data, now.Unix())
	if err != nil {
		return "", fmt.Errorf("failed to insert blob: %w", err)
	}
	return blobID, nil
}

func (s *Store) appendArchivedEvent(ctx context.Context, tx *sql.Tx, attachmentID, filename string, size int64, shaHex string, meta archive.PutMetadata, deduplicated bool, now time.Time) error {
	payload, err := json.Marshal(map[string]interface{}{
		"event_id":     uuid.NewString(),
		"ts":           now.Unix(),
		"storage_id":   attachmentID,
		"filename":     filename,
		"size_bytes":   size,
		"sha256":       shaHex,
		"message_id":   meta.MessageID,
		"sender":       meta.Sender,
		"deduplicated": deduplicated,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal archived event: %w", err)
	}

	// msg_id keys JetStream dedup on (attachment, message) so a rerun of an
	// unread message does not emit a second event.
	msgID := fmt.Sprintf("attachment.archived|%s|%s", attachmentID, meta.MessageID)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now.Unix(), archivedSubject, "attachment.archived", payload, msgID, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// List returns metadata for every stored attachment. Order is unspecified.
func (s *Store) List(ctx context.Context) ([]StoredAttachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, size_bytes, uploaded_at, message_id, sender
		FROM attachments
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var out []StoredAttachment
	for rows.Next() {
		var a StoredAttachment
		var uploaded int64
		if err := rows.Scan(&a.StorageID, &a.Filename, &a.SizeBytes, &uploaded, &a.Metadata.MessageID, &a.Metadata.Sender); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.UploadedAt = time.Unix(uploaded, 0)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Get streams the raw bytes for a storage id along with its metadata.
func (s *Store) Get(ctx context.Context, storageID string) (io.ReadCloser, *StoredAttachment, error) {
	var a StoredAttachment
	var uploaded int64
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.filename, a.size_bytes, a.uploaded_at, a.message_id, a.sender, b.content
		FROM attachments a
		JOIN blobs b ON b.id = a.blob_id
		WHERE a.id = ?
	`, storageID).Scan(&a.StorageID, &a.Filename, &a.SizeBytes, &uploaded, &a.Metadata.MessageID, &a.Metadata.Sender, &content)
	if err == sql.ErrNoRows {
		return nil, nil, &NotFoundError{StorageID: storageID}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query attachment: %w", err)
	}
	a.UploadedAt = time.Unix(uploaded, 0)
	return io.NopCloser(bytes.NewReader(content)), &a, nil
}

// DequeueOutbox fetches archived events ready for publication.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and schedules the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
