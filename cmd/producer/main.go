package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-relay/internal/app"
	"go-relay/internal/config"
	"go-relay/internal/observability"
	"go-relay/pkg/models"

	"github.com/sirupsen/logrus"
)

// producer publishes one normalized inbound message, the way the webhook
// front end does.
func main() {
	channelTag := flag.String("channel", "log", "source channel (whatsapp, telegram, discord, email, log)")
	sender := flag.String("sender", "", "sender address")
	body := flag.String("body", "", "message text")
	messageID := flag.String("message-id", "", "provider message id; random when empty")
	conversationID := flag.String("conversation-id", "", "conversation id")
	metadata := flag.String("metadata", "", "metadata, JSON or free text")
	flag.Parse()

	logger := observability.GetLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}

	ch, err := models.ParseChannel(*channelTag)
	if err != nil {
		logger.WithError(err).Fatal("Invalid channel")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	rt, err := app.Bootstrap(startCtx, cfg, "producer")
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("Failed to start producer")
	}
	defer rt.Close()

	pub := rt.Publisher(cfg.Consumer.Name)
	id, env, err := pub.PublishInbound(ctx, cfg.Streams.Inbound, models.Envelope{
		Channel:        ch,
		SenderAddress:  *sender,
		Body:           *body,
		MessageID:      *messageID,
		ConversationID: *conversationID,
		Metadata:       *metadata,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to publish message")
	}

	logger.WithFields(logrus.Fields{
		"stream":       cfg.Streams.Inbound,
		"entry_id":     id,
		"business_key": env.BusinessKey,
	}).Info("Message published")
}
