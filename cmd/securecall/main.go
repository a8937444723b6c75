package main

import (
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/caredial/securecall/internal/api"
	"github.com/caredial/securecall/internal/config"
	"github.com/caredial/securecall/internal/media"
	"github.com/caredial/securecall/internal/session"
)

const helpText = `securecall - End-to-end encrypted CareDial video session agent

Usage:
  securecall [options]

Joins a two-party CareDial video session, negotiates the call over the
signaling hub and encrypts every media frame with per-call keys. Status
is logged to stderr.

Environment Variables (required):
  CAREDIAL_TOKEN    Access token from the CareDial appointment API
  CAREDIAL_SESSION  Video session id to join

Environment Variables (optional):
  CAREDIAL_API_URL                   Appointment API base URL
  CAREDIAL_ALLOW_UNENCRYPTED         Allow calls when E2EE is unavailable
  CAREDIAL_DROP_ON_ENCRYPT_FAILURE   Drop (not pass through) frames that fail to encrypt
  CAREDIAL_TRACK_RELEASE             Capture teardown order: direct | deferred
  CAREDIAL_KEY_ROTATION_SECONDS      Key rotation interval (default 300)

Options:
  -h, --help  Show this help message
`

const statusInterval = 30 * time.Second

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %s, shutting down", sig)
		cancel()
	}()

	apiClient := api.NewClient(cfg.APIBase)
	log.Printf("[main] fetching session ticket for %s", cfg.SessionID)
	ticket, err := apiClient.FetchTicket(cfg.Token, cfg.SessionID)
	if err != nil {
		log.Fatalf("[main] fetch ticket: %v", err)
	}
	log.Printf("[main] ticket obtained: room=%s signal=%s", ticket.RoomID, ticket.SignalServer)

	sess, err := session.New(cfg, ticket, media.NewStaticSource())
	if err != nil {
		log.Fatalf("[main] create session: %v", err)
	}

	if err := sess.Start(ctx); err != nil {
		sess.Close()
		log.Fatalf("[main] start session: %v", err)
	}

	go func() {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := sess.Status()
				fs := sess.Stats()
				log.Printf("[main] status: conn=%s enc=%s peers=%d dur=%s enc_frames=%d dec_frames=%d dropped=%d",
					st.Connection, st.Encryption, len(st.Participants),
					st.Duration.Round(time.Second), fs.Encrypted, fs.Decrypted, fs.Dropped)
				if code := sess.SecurityCode(); code != "" {
					log.Printf("[main] security code: %s", code)
				}
			}
		}
	}()

	<-ctx.Done()
	log.Printf("[main] shutting down")

	sess.Close()

	log.Printf("[main] done")
}
