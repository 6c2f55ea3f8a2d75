// Command relay-client is a line-oriented terminal client, mainly useful for
// poking at a running relay during development.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/e2echat/relay/pkg/client"
	"github.com/e2echat/relay/pkg/logging"
)

func main() {
	serverURL := flag.String("server", "http://localhost:3001", "relay HTTP origin")
	sessionRef := flag.String("session", "", "session reference (sessionId[:authKey[:passwordHash]])")
	userID := flag.String("user", "", "user id (random when empty)")
	displayName := flag.String("name", "", "display name")
	creator := flag.Bool("creator", false, "join as the session creator")
	reserveMode := flag.String("reserve", "", "reserve the session first with this chat mode (group|private|password)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := logging.LevelWarn
	if *verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(level)

	if *sessionRef == "" {
		fmt.Fprintln(os.Stderr, "usage: relay-client -session <ref> [-user <id>] [-creator]")
		os.Exit(2)
	}
	if *userID == "" {
		*userID = "user-" + uuid.NewString()[:8]
	}
	if *displayName == "" {
		*displayName = *userID
	}

	ctx := context.Background()

	if *reserveMode != "" {
		parts := strings.SplitN(*sessionRef, ":", 2)
		if len(parts) != 2 {
			fmt.Fprintln(os.Stderr, "a reservation needs a sessionId:authKey reference")
			os.Exit(2)
		}
		if err := client.Reserve(ctx, *serverURL, parts[0], parts[1], *reserveMode); err != nil {
			fmt.Fprintln(os.Stderr, "reservation failed:", err)
			os.Exit(1)
		}
		fmt.Println("session reserved:", parts[0])
	}

	c, err := client.New(client.Config{
		ServerURL:   wsURL(*serverURL),
		SessionRef:  *sessionRef,
		UserID:      *userID,
		DisplayName: *displayName,
		IsCreator:   *creator,
		JoinTimeout: 15 * time.Second,
		Logger:      logger,
	}, client.Handlers{
		OnMessage: func(m client.Message) {
			when := time.UnixMilli(m.Timestamp).Format("15:04:05")
			if m.Undecryptable {
				fmt.Printf("[%s] %s: <undecryptable>\n", when, m.From)
				return
			}
			name := m.SenderDisplayName
			if name == "" {
				name = m.From
			}
			fmt.Printf("[%s] %s: %s\n", when, name, m.Text)
		},
		OnPresence: func(userID, displayName string, joined bool) {
			verb := "left"
			if joined {
				verb = "joined"
			}
			fmt.Printf("* %s %s\n", displayName, verb)
		},
		OnTyping: func(userID, displayName string, typing bool) {
			if typing {
				fmt.Printf("* %s is typing...\n", displayName)
			}
		},
		OnError: func(code, message string) {
			fmt.Fprintf(os.Stderr, "session error %s: %s\n", code, message)
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := c.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.Close()

	if err := c.Join(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "join failed:", err)
		os.Exit(1)
	}
	fmt.Printf("joined as %s; type messages, /quit to exit\n", *userID)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}
		if err := c.Send(ctx, line); err != nil {
			fmt.Fprintln(os.Stderr, "send failed:", err)
		}
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Leave(leaveCtx); err != nil {
		logger.Warn("Leave failed", slog.Any("error", err))
	}
}

func wsURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://") + "/ws"
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://") + "/ws"
	default:
		return httpURL
	}
}
