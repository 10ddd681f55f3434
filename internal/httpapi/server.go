// Package httpapi exposes the archiver over HTTP: the OAuth handshake
// surface, the fetch trigger and the stored-file listing/download routes.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mailvault/mailvault/internal/archive"
	"github.com/mailvault/mailvault/internal/blobstore"
	"github.com/mailvault/mailvault/internal/credentials"
)

// Runner triggers one ingestion run. Satisfied by *archive.Coordinator.
type Runner interface {
	Run(ctx context.Context) (*archive.Summary, error)
}

// FileStore is the read side of the content store used by the file routes.
type FileStore interface {
	List(ctx context.Context) ([]blobstore.StoredAttachment, error)
	Get(ctx context.Context, storageID string) (io.ReadCloser, *blobstore.StoredAttachment, error)
}

// Server holds the route dependencies.
type Server struct {
	creds       *credentials.Store
	runner      Runner
	files       FileStore
	frontendURL string
}

// NewServer wires the HTTP surface.
func NewServer(creds *credentials.Store, runner Runner, files FileStore, frontendURL string) *Server {
	return &Server{creds: creds, runner: runner, files: files, frontendURL: frontendURL}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	r.GET("/auth/google", s.authURL)
	r.GET("/auth/google/callback", s.authCallback)
	r.POST("/fetch", s.fetch)
	r.GET("/files", s.listFiles)
	r.GET("/files/:id/download", s.downloadFile)

	return r
}

func (s *Server) authURL(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"authUrl": s.creds.AuthURL("state")})
}

func (s *Server) authCallback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code parameter"})
		return
	}

	if err := s.creds.Exchange(c.Request.Context(), code); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Authentication failed."})
		return
	}
	c.Redirect(http.StatusFound, s.frontendURL+"?auth_success=true")
}

func (s *Server) fetch(c *gin.Context) {
	if !s.creds.IsValid() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated. Please log in first."})
		return
	}

	summary, err := s.runner.Run(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, archive.ErrRunInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": "A fetch run is already in progress."})
		case isAuthErr(err):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated. Please log in first."})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch and save attachments."})
		}
		return
	}

	message := fmt.Sprintf("Successfully saved %d attachments.", len(summary.FilesSaved))
	if summary.MessagesScanned == 0 {
		message = "No new unread emails with attachments found."
	}

	c.JSON(http.StatusOK, gin.H{
		"message":           message,
		"filesSaved":        summary.FilesSaved,
		"messagesScanned":   summary.MessagesScanned,
		"attachmentsStored": summary.AttachmentsStored,
		"perMessageErrors":  summary.PerMessageErrors,
	})
}

func (s *Server) listFiles(c *gin.Context) {
	files, err := s.files.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve files."})
		return
	}
	if files == nil {
		files = []blobstore.StoredAttachment{}
	}
	c.JSON(http.StatusOK, files)
}

func (s *Server) downloadFile(c *gin.Context) {
	reader, meta, err := s.files.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		var nfe *blobstore.NotFoundError
		if errors.As(err, &nfe) {
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found."})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve file."})
		return
	}
	defer reader.Close()

	headers := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", meta.Filename),
	}
	c.DataFromReader(http.StatusOK, meta.SizeBytes, "application/octet-stream", reader, headers)
}

func isAuthErr(err error) bool {
	var ae *archive.AuthError
	return errors.As(err, &ae)
}
