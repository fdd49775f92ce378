package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"matcha/internal/api"
	"matcha/internal/call"
	"matcha/internal/config"
	"matcha/internal/events"
	"matcha/internal/realtime"
	"matcha/pkg/logger"

	"github.com/joho/godotenv"
)

// matcha-rt is a headless realtime client: it opens the notification
// stream and the first conversation's channels and logs everything the
// core dispatches. Incoming calls are rejected since there is no media.
func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Initialize logger
	logger.Init()

	// Load configuration
	cfg := config.Load()

	core, err := realtime.NewCore(cfg, call.NoMediaProvider{})
	if err != nil {
		logger.Fatal("Failed to initialize realtime core: " + err.Error())
	}
	defer core.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Infof("Connected as user %d (%s)", core.User().ID, core.User().Username)

	stream := core.NotificationStream(
		func(count int) {
			logger.Infof("Unread notifications: %d", count)
		},
		func(n api.Notification) {
			logger.WithFields(map[string]interface{}{
				"notification_type": n.Type,
				"sender_id":         n.SenderID,
			}).Info(n.Context)
		},
	)
	if err := stream.Connect(ctx); err != nil {
		logger.Fatal("Failed to open notification stream: " + err.Error())
	}
	defer stream.Close()

	if err := stream.Sync(ctx); err != nil {
		logger.WithError(err).Warn("Failed to sync unread count")
	}

	conversations, err := core.Conversations(ctx)
	if err != nil {
		logger.Fatal("Failed to fetch conversations: " + err.Error())
	}
	if len(conversations) == 0 {
		logger.Info("No conversations yet, watching notifications only")
		waitForInterrupt()
		return
	}

	conv := conversations[0]
	var session *realtime.Session
	session, err = core.OpenSession(ctx, conv, realtime.Callbacks{
		OnChatMessage: func(conversationID int64, msg events.ChatMessage) {
			logger.WithFields(map[string]interface{}{
				"chat_id":   conversationID,
				"sender_id": msg.SenderID,
			}).Info(msg.Content)
		},
		OnTypingUsersChanged: func(conversationID int64, usernames []string) {
			logger.WithField("chat_id", conversationID).Infof("Typing: %v", usernames)
		},
		OnCallPhaseChanged: func(phase call.Phase, peerUserID int64) {
			logger.Infof("Call phase %s (peer %d)", phase, peerUserID)
			if phase == call.PhaseIncomingRing {
				// Headless: no camera to answer with
				if err := session.RejectCall(); err != nil {
					logger.WithError(err).Warn("Failed to reject incoming call")
				}
			}
		},
		OnDateProposalChanged: func(status events.DateInviteStatus) {
			logger.Infof("Date proposal status: %s", status)
		},
		OnDateResult: func(message string) {
			logger.Info("Date result: " + message)
		},
		OnNotice: func(err error) {
			logger.Warn(err.Error())
		},
	})
	if err != nil {
		logger.Fatal("Failed to open session: " + err.Error())
	}
	defer session.Close()

	history, err := session.History(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to fetch message history")
	} else {
		logger.Infof("Conversation %d (%s): %d messages", conv.ID, conv.Name, len(history))
	}

	waitForInterrupt()
}

func waitForInterrupt() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")
}
