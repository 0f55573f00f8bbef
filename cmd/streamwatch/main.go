package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/streampass/streampass/internal/download"
	"github.com/streampass/streampass/internal/protocol"
	"github.com/streampass/streampass/internal/streamclient"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "gateway base URL")
	slug := flag.String("slug", "", "slug of the video to watch")
	password := flag.String("password", "", "share password, if the video has one")
	viewerSession := flag.String("viewer-session", "", "viewer session id to resume")
	saveTo := flag.String("save", "", "download the file to this path instead of streaming")
	flag.Parse()

	if *slug == "" {
		log.Fatal("-slug is required")
	}

	client := streamclient.New(streamclient.Config{URL: wsURL(*serverURL)})
	defer client.Close()

	done := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(done) }) }

	client.Events().On(streamclient.EventSessionRevoked, func(ev streamclient.Event) {
		log.Printf("access to %s was revoked by the owner", ev.Slug)
		stop()
	})
	client.Events().On(streamclient.EventLimitExceeded, func(ev streamclient.Event) {
		log.Printf("another device took over the viewing slot for %s", ev.Slug)
		stop()
	})
	client.Events().On(streamclient.EventConnectionLost, func(ev streamclient.Event) {
		log.Printf("connection lost: %v", ev.Err)
	})
	client.Events().On(streamclient.EventReconnected, func(streamclient.Event) {
		log.Println("reconnected")
	})
	client.Events().On(streamclient.EventReconnectionFailed, func(ev streamclient.Event) {
		log.Printf("could not reconnect: %v", ev.Err)
		stop()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := client.Connect(ctx); err != nil {
		cancel()
		log.Fatalf("connect: %v", err)
	}
	cancel()

	tokenCtx, tokenCancel := context.WithTimeout(context.Background(), 15*time.Second)
	token, err := client.Tokens().Request(tokenCtx, *slug, streamclient.TokenOptions{
		ViewerSessionID: *viewerSession,
		SharePassword:   *password,
	})
	tokenCancel()
	if err != nil {
		if tokErr, ok := streamclient.AsTokenError(err); ok && tokErr.IsBusiness() {
			log.Fatalf("access denied: %s", tokErr.Message)
		}
		log.Fatalf("token request: %v", err)
	}
	log.Printf("playback token granted for %s", token.Slug)

	client.Watch().Start(*slug, protocol.WatchMetadata{
		DeviceType: "cli",
		Source:     "direct",
	})
	defer client.Watch().End(*slug)

	if *saveTo != "" {
		if err := saveFile(*serverURL, *slug, *saveTo); err != nil {
			log.Fatalf("download: %v", err)
		}
		return
	}

	log.Printf("watching %s, press Ctrl-C to stop", *slug)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-done:
	}
	log.Printf("ending session after %ds watched", client.Watch().AccumulatedSeconds(*slug))
}

// wsURL converts the HTTP base URL into the websocket endpoint.
func wsURL(base string) string {
	trimmed := strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(trimmed, "https://"):
		return "wss://" + strings.TrimPrefix(trimmed, "https://") + "/ws"
	case strings.HasPrefix(trimmed, "http://"):
		return "ws://" + strings.TrimPrefix(trimmed, "http://") + "/ws"
	default:
		return trimmed + "/ws"
	}
}

func saveFile(serverURL, slug, destPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	resp, err := http.Get(strings.TrimSuffix(serverURL, "/") + "/api/download/" + slug)
	if err != nil {
		return fmt.Errorf("request download link: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download link request returned status %d", resp.StatusCode)
	}

	var link struct {
		Title       string `json:"title"`
		DownloadURL string `json:"downloadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&link); err != nil {
		return fmt.Errorf("decode download link: %w", err)
	}

	log.Printf("downloading %q to %s", link.Title, destPath)
	err = download.New().ToFile(ctx, link.DownloadURL, destPath, func(written, total int64) {
		if total > 0 {
			fmt.Printf("\r%d/%d bytes (%d%%)", written, total, written*100/total)
		} else {
			fmt.Printf("\r%d bytes", written)
		}
	})
	fmt.Println()
	if err != nil {
		return err
	}
	log.Println("download complete")
	return nil
}
