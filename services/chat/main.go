package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/resideease/chat/internal/chatclient"
	"github.com/resideease/chat/internal/config"
	"github.com/resideease/chat/internal/logger"
	"github.com/resideease/chat/internal/model"
)

func main() {
	logger.SetPrefix("chat")
	userID := flag.String("user", "", "participant id")
	username := flag.String("name", "", "display name")
	room := flag.String("room", "", "room id to open (e.g. a booking id for support)")
	booking := flag.String("booking", "", "booking id for a direct conversation")
	peer := flag.String("peer", "", "other participant id for a direct conversation")
	flag.Parse()

	if *userID == "" || *username == "" {
		fmt.Fprintln(os.Stderr, "usage: chat -user <id> -name <name> [-room <roomId> | -booking <id> -peer <id>]")
		os.Exit(2)
	}

	cfg := config.Load()

	session := chatclient.NewSession(chatclient.SessionConfig{
		Endpoint:    cfg.Client.RelayURL,
		Identity:    chatclient.Identity{UserID: *userID, Username: *username},
		BackoffBase: cfg.Client.ReconnectBackoff,
		BackoffCap:  cfg.Client.ReconnectCap,
		QueueLimit:  cfg.Client.SendQueueLimit,
	})
	defer session.Disconnect()

	ctrl, err := chatclient.NewController(chatclient.ControllerConfig{
		Transport:    session,
		History:      chatclient.NewHistoryClient(cfg.Client.APIBaseURL, 0),
		UserID:       *userID,
		Username:     *username,
		AckTimeout:   cfg.Client.AckTimeout,
		TypingIdle:   cfg.Client.TypingIdle,
		TypingExpiry: cfg.Client.TypingExpiry,
	})
	if err != nil {
		logger.Errorf("controller: %v", err)
		os.Exit(1)
	}
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Connect(ctx); err != nil {
		logger.Errorf("connect %s: %v", cfg.Client.RelayURL, err)
		os.Exit(1)
	}

	switch {
	case *room != "":
		err = ctrl.OpenRoom(ctx, *room)
	case *booking != "" && *peer != "":
		err = ctrl.OpenBookingRoom(ctx, *booking, *peer)
	default:
		err = ctrl.OpenRoom(ctx, model.SupportRoomID("support"))
	}
	if err != nil {
		logger.Errorf("open room: %v", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
		os.Stdin.Close()
	}()

	fmt.Println("connected; type a message, or /view, /reload, /retry <tempId>, /quit")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/view":
			printView(ctrl.Snapshot())
		case line == "/reload":
			if err := ctrl.ReloadHistory(ctx); err != nil {
				fmt.Printf("reload failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/retry "):
			tempID := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
			if err := ctrl.Retry(tempID); err != nil {
				fmt.Printf("retry failed: %v\n", err)
			}
		default:
			ctrl.NotifyTyping()
			tempID, err := ctrl.Send(line)
			if err != nil {
				fmt.Printf("send failed (retry with /retry %s): %v\n", tempID, err)
			}
		}
	}
}

func printView(v chatclient.View) {
	fmt.Printf("room %s\n", v.RoomID)
	if v.HistoryFailed {
		fmt.Println("  history unavailable, /reload to retry")
	}
	for _, m := range v.Messages {
		id := m.ServerID
		if id == "" {
			id = m.TempID
		}
		fmt.Printf("  [%s] %s: %s (%s)\n", id, m.SenderName, m.Body, m.Status)
	}
	if len(v.Online) > 0 {
		names := make([]string, 0, len(v.Online))
		for _, p := range v.Online {
			names = append(names, p.DisplayName)
		}
		fmt.Printf("  online: %s\n", strings.Join(names, ", "))
	}
	if len(v.Typing) > 0 {
		fmt.Printf("  typing: %s\n", strings.Join(v.Typing, ", "))
	}
}
