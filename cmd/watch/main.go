// Command watch logs in to a neolive server and prints who comes online and
// goes offline on the global presence channel.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/neolive/internal/presence"
	"github.com/npezzotti/neolive/internal/realtime"
	"github.com/samber/lo"
)

func login(ctx context.Context, client *http.Client, server, email, password string) error {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}

	return nil
}

func main() {
	var (
		server   string
		email    string
		password string
	)
	flag.StringVar(&server, "server", "http://localhost:8000", "neolive server URL")
	flag.StringVar(&email, "email", "", "account email")
	flag.StringVar(&password, "password", os.Getenv("NEOLIVE_PASSWORD"), "account password")
	flag.Parse()

	logger := log.New(os.Stderr, "[neolive-watch] ", log.LstdFlags)
	server = strings.TrimSuffix(server, "/")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jar, err := cookiejar.New(nil)
	if err != nil {
		logger.Fatal("cookie jar:", err)
	}
	httpClient := &http.Client{Jar: jar}

	if err := login(ctx, httpClient, server, email, password); err != nil {
		logger.Fatal(err)
	}

	client, err := realtime.Dial(ctx, realtime.Options{
		URL:        "ws" + strings.TrimPrefix(server, "http") + "/ws",
		Dialer:     &websocket.Dialer{Jar: jar, HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout},
		Authorizer: &realtime.HTTPAuthorizer{Endpoint: server + "/api/pusher/auth", Client: httpClient},
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("connect:", err)
	}
	defer client.Close()
	logger.Printf("connected as socket %s", client.SocketId())

	store := presence.NewStore()
	var previous []string
	unsubscribe := store.Subscribe(func(members []string) {
		online, offline := lo.Difference(members, previous)
		for _, id := range online {
			fmt.Printf("+ %s\n", id)
		}
		for _, id := range offline {
			fmt.Printf("- %s\n", id)
		}
		previous = members
	})
	defer unsubscribe()

	reconciler := presence.NewReconciler(client, store, logger)
	reconciler.OnStateChange(func(s presence.State) {
		logger.Printf("presence %s", s)
	})

	if err := reconciler.Run(ctx); err != nil {
		logger.Println("presence:", err)
	}
}
