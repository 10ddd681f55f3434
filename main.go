package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/mailvault/mailvault/internal/archive"
	"github.com/mailvault/mailvault/internal/blobstore"
	"github.com/mailvault/mailvault/internal/config"
	"github.com/mailvault/mailvault/internal/credentials"
	"github.com/mailvault/mailvault/internal/events"
	"github.com/mailvault/mailvault/internal/httpapi"
	"github.com/mailvault/mailvault/internal/providers/gmail"
	"github.com/mailvault/mailvault/internal/providers/outlook"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal(err)
	}

	store, err := blobstore.Open(filepath.Join(cfg.DataDir, "archive.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	creds := credentials.NewStore(&oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes:       []string{gmailapi.GmailModifyScope},
		Endpoint:     google.Endpoint,
	})

	provider, err := newProvider(ctx, cfg, creds)
	if err != nil {
		log.Fatal(err)
	}

	coordinator := archive.NewCoordinator(provider, store, cfg.MailQuery, archive.DefaultRetryPolicy, 4)

	// Archived events flow through the sqlite outbox regardless; the
	// dispatcher only runs when a NATS endpoint is configured.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	var dispatcher *events.Dispatcher
	if cfg.NATSURL != "" {
		publisher, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatal(err)
		}
		defer publisher.Close()

		if err := publisher.EnsureStream(ctx); err != nil {
			log.Fatal(err)
		}

		dispatcher = events.NewDispatcher(store, publisher)
		go dispatcher.Run(dispatcherCtx)
	}

	server := httpapi.NewServer(creds, coordinator, store, cfg.FrontendURL)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("listening on :%s (provider=%s)", cfg.Port, cfg.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	// Let an in-flight fetch run finish its store writes before exiting.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}

	cancelDispatcher()
	if dispatcher != nil {
		dispatcher.Wait()
	}
}

func newProvider(ctx context.Context, cfg *config.Config, creds *credentials.Store) (archive.MailProvider, error) {
	switch cfg.Provider {
	case "microsoft":
		return outlook.New(creds.TokenSource(ctx))
	default:
		return gmail.New(ctx, creds.TokenSource(ctx))
	}
}
