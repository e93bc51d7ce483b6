package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/hub"
	"github.com/npezzotti/go-chatsync/internal/reconcile"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/npezzotti/go-chatsync/internal/wsclient"
	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

var (
	serverURL string
	email     string
	password  string
	room      string
	verbose   bool
)

func main() {
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "chat server base URL")
	flag.StringVar(&email, "email", "", "account email address")
	flag.StringVar(&password, "password", "", "account password")
	flag.StringVar(&room, "room", "public", "room to join")
	flag.BoolVar(&verbose, "v", false, "log debug output to stderr")
	flag.Parse()

	logger := zap.NewNop()
	if verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintln(os.Stderr, "logger:", err)
			os.Exit(1)
		}
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}

	self, err := login(ctx, &http.Client{Jar: jar, Timeout: requestTimeout}, base)
	if err != nil {
		return err
	}

	wsURL := *base
	wsURL.Scheme = strings.Replace(base.Scheme, "http", "ws", 1)
	wsURL.Path = "/ws"

	dialer := *websocket.DefaultDialer
	dialer.Jar = jar

	session, err := wsclient.Dial(ctx, &dialer, wsURL.String(), nil, self.Id, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	view, err := withTimeout(ctx, func(ctx context.Context) (*reconcile.View, error) {
		return session.Join(ctx, room)
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}

	fmt.Printf("joined %s as %s\n", room, self.Username)
	for _, it := range view.Messages() {
		printMessage(it.Message)
	}
	markUnread(ctx, session, self.Id, view.Messages())

	go watch(ctx, session, self.Id)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Done():
			return session.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, session, line); quit {
				return nil
			}
		}
	}
}

func login(ctx context.Context, client *http.Client, base *url.URL) (types.User, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return types.User{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("/api/auth/login").String(), bytes.NewReader(body))
	if err != nil {
		return types.User{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return types.User{}, fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.User{}, fmt.Errorf("login: %s", resp.Status)
	}

	var u types.User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return types.User{}, fmt.Errorf("decode login response: %w", err)
	}
	return u, nil
}

// handleLine runs one line of input and reports whether to quit.
func handleLine(ctx context.Context, s *wsclient.Session, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	var err error

	switch cmd {
	case "/quit":
		return true
	case "/hide", "/purge":
		var id int64
		id, err = strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil {
			fmt.Println("usage:", cmd, "<message id>")
			return false
		}
		_, err = withTimeout(ctx, func(ctx context.Context) (struct{}, error) {
			if cmd == "/hide" {
				return struct{}{}, s.Hide(ctx, []int64{id})
			}
			return struct{}{}, s.Purge(ctx, id)
		})
	default:
		var sent types.Message
		sent, err = withTimeout(ctx, func(ctx context.Context) (types.Message, error) {
			return s.Send(ctx, reconcile.Draft{Content: &line})
		})
		if err == nil {
			printMessage(sent)
		}
	}

	if err != nil {
		fmt.Println("error:", err)
	}
	return false
}

// watch prints room events and marks other users' messages read.
func watch(ctx context.Context, s *wsclient.Session, selfId string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case ev := <-s.Events():
			switch e := ev.Event.(type) {
			case hub.Insert:
				if e.Message.AuthorId != selfId {
					printMessage(e.Message)
					markUnread(ctx, s, selfId, []reconcile.Item{{Message: e.Message}})
				}
			case hub.Update:
				if e.Message.AuthorId == selfId && e.Message.Status == string(types.StatusRead) {
					fmt.Printf("  #%d read\n", e.Message.Id)
				}
			case hub.Delete:
				fmt.Printf("  #%d deleted\n", e.MessageId)
			case hub.Typing:
				if e.UserId != selfId && e.IsTyping {
					fmt.Printf("  %s is typing...\n", e.Username)
				}
			case hub.StoryViewed:
				fmt.Printf("  %s viewed your story #%d\n", e.ViewerId, e.StoryId)
			}
		case n := <-s.Notifications():
			if p := n.Presence; p != nil {
				state := "offline"
				if p.Present {
					state = "online"
				}
				fmt.Printf("  %s is %s\n", p.UserId, state)
			}
			if r := n.Resync; r != nil {
				fmt.Println("  connection fell behind, rejoin with a restart")
			}
		}
	}
}

func markUnread(ctx context.Context, s *wsclient.Session, selfId string, items []reconcile.Item) {
	var ids []int64
	for _, it := range items {
		if !it.Pending && it.Message.AuthorId != selfId {
			ids = append(ids, it.Message.Id)
		}
	}
	if len(ids) == 0 {
		return
	}

	if _, err := withTimeout(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.MarkRead(ctx, ids)
	}); err != nil {
		fmt.Println("error: mark read:", err)
	}
}

func printMessage(m types.Message) {
	author := m.AuthorName
	if author == "" {
		author = m.AuthorId
	}

	body := "[deleted]"
	switch {
	case m.IsDeleted:
	case m.Content != nil:
		body = *m.Content
	case m.AttachmentURL != nil:
		body = *m.AttachmentURL
	}

	fmt.Printf("#%d %s %s: %s\n", m.Id, m.CreatedAt.Local().Format("15:04"), author, body)
}

func withTimeout[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return fn(ctx)
}
