// Package main is an interactive terminal client for the doctor chat service.
// It connects to the WebSocket endpoint, authenticates with the token from the
// environment, and drives a single conversation at a time.
//
// Usage:
//
//	chatcli [-url ws://localhost:8080/ws] [-api http://localhost:8080]
//
// Commands at the prompt:
//
//	/rooms        list conversations
//	/open <id>    open a conversation
//	/new          create a conversation
//	/leave        close the current conversation
//	/quit         exit
//
// Any other input is sent as a message to the open conversation.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vikasv13579/doctor-chat-client/internal/history"
	"github.com/vikasv13579/doctor-chat-client/internal/identity"
	"github.com/vikasv13579/doctor-chat-client/internal/metrics"
	"github.com/vikasv13579/doctor-chat-client/internal/protocol"
	"github.com/vikasv13579/doctor-chat-client/internal/router"
	"github.com/vikasv13579/doctor-chat-client/internal/session"
	"github.com/vikasv13579/doctor-chat-client/internal/transport"
	"github.com/vikasv13579/doctor-chat-client/internal/typing"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	config := transport.DefaultConfig()
	if v := os.Getenv("CHAT_WS_URL"); v != "" {
		config.URL = v
	}
	if v := os.Getenv("CHAT_RECONNECT_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReconnectWait = d
		}
	}
	if v := os.Getenv("CHAT_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.PingInterval = d
		}
	}

	apiBase := "http://localhost:8080"
	if v := os.Getenv("CHAT_API_URL"); v != "" {
		apiBase = v
	}

	wsURL := flag.String("url", config.URL, "WebSocket endpoint")
	api := flag.String("api", apiBase, "HTTP API base URL")
	metricsAddr := flag.String("metrics", os.Getenv("METRICS_ADDR"), "Prometheus listen address (empty to disable)")
	flag.Parse()
	config.URL = *wsURL

	tokens := identity.NewChecked(identity.Env("CHAT_TOKEN"), 30*time.Second)

	log.Printf("doctor chat client starting")
	log.Printf("  ws_url:         %s", config.URL)
	log.Printf("  api_url:        %s", *api)
	log.Printf("  ping_interval:  %s", config.PingInterval)
	log.Printf("  reconnect_wait: %s", config.ReconnectWait)

	r := router.New()
	conn := transport.New(config, tokens, r.Dispatch)
	engine := session.NewEngine(conn, history.NewClient(*api, tokens), session.Config{
		Typing: typing.DefaultConfig(),
		OnMessage: func(m protocol.Message) {
			fmt.Printf("[%s] %s: %s\n", m.RoomID, m.SenderID, m.Content)
		},
		OnTypingChange: func(active bool) {
			if active {
				fmt.Println("… typing")
			}
		},
	})
	detach := engine.Attach(r)

	cancelStatus := conn.OnStatusChange(func(s transport.Status) {
		log.Printf("transport status: %s", s)
		switch s {
		case transport.StatusConnected:
			engine.HandleConnected()
		case transport.StatusDisconnected:
			engine.HandleDisconnected()
		}
	})

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("metrics endpoint error: %v", err)
			}
		}()
		log.Printf("  metrics_addr:   %s", *metricsAddr)
	}

	shutdown := func(code int) {
		detach()
		cancelStatus()
		engine.Close()
		conn.Disconnect()
		r.Close()
		os.Exit(code)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		shutdown(0)
	}()

	ctx := context.Background()
	if err := conn.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}

	repl(ctx, engine, shutdown)
}

// repl reads commands from stdin until EOF or /quit.
func repl(ctx context.Context, engine *session.Engine, shutdown func(int)) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("type /rooms to list conversations, /quit to exit")

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			shutdown(0)

		case line == "/rooms":
			rooms, err := engine.ListRooms(ctx)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			printRooms(rooms)

		case strings.HasPrefix(line, "/open "):
			id := protocol.ID(strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
			if err := engine.SelectRoom(ctx, id); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			waitForTimeline(engine)

		case line == "/new":
			room, err := engine.CreateRoom(ctx)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("created room %s\n", room.ID)

		case line == "/leave":
			engine.ClearRoom()
			fmt.Println("conversation closed")

		case strings.HasPrefix(line, "/"):
			fmt.Printf("unknown command %q\n", line)

		default:
			// A line of input is the closest a line-buffered terminal gets to
			// a keystroke signal.
			engine.NotifyLocalTyping()
			if err := engine.SendMessage(line); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		}
	}
	shutdown(0)
}

// waitForTimeline blocks briefly until the opened room's history lands, then
// prints it. The engine keeps working if the fetch is slow; this only covers
// the interactive case.
func waitForTimeline(engine *session.Engine) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if engine.State() == session.StateActive {
			for _, m := range engine.Timeline() {
				fmt.Printf("[%s] %s: %s\n", m.RoomID, m.SenderID, m.Content)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Println("history still loading")
}

func printRooms(rooms []history.Room) {
	if len(rooms) == 0 {
		fmt.Println("no conversations")
		return
	}
	for _, room := range rooms {
		name := "unknown"
		status := " "
		if room.OtherUser != nil {
			name = room.OtherUser.FullName
			if room.OtherUser.IsOnline {
				status = "*"
			}
		}
		unread := ""
		if room.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", room.UnreadCount)
		}
		fmt.Printf("%s %-6s %s%s\n", status, room.ID, name, unread)
		if room.LastMessage != "" {
			fmt.Printf("         %s\n", room.LastMessage)
		}
	}
}
