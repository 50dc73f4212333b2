package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go-relay/internal/observability"
	"go-relay/pkg/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

const telegramMaxText = 4096

// TelegramBot is the part of tgbotapi.BotAPI the sender uses.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramSender struct {
	bot    TelegramBot
	logger logrus.FieldLogger
}

// NewTelegramSender builds a bot whose HTTP calls are bounded by timeout.
// The Bot API client takes no context.
func NewTelegramSender(token string, timeout time.Duration) (*TelegramSender, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return NewTelegramSenderWithBot(bot), nil
}

func NewTelegramSenderWithBot(bot TelegramBot) *TelegramSender {
	return &TelegramSender{bot: bot, logger: observability.GetLogger()}
}

func (s *TelegramSender) Channel() models.Channel {
	return models.ChannelTelegram
}

// Send accepts a numeric chat id or an @channel username as destination.
func (s *TelegramSender) Send(ctx context.Context, destination, body string) Result {
	if err := ctx.Err(); err != nil {
		return Transient(err)
	}
	destination = strings.TrimSpace(destination)
	text := truncateRunes(body, telegramMaxText)
	if len(text) < len(body) {
		s.logger.WithFields(logrus.Fields{
			"destination": destination,
			"body_runes":  utf8.RuneCountInString(body),
			"max_runes":   telegramMaxText,
		}).Warn("Reply truncated to Telegram message limit")
	}

	var msg tgbotapi.MessageConfig
	switch {
	case strings.HasPrefix(destination, "@"):
		msg = tgbotapi.NewMessageToChannel(destination, text)
	default:
		chatID, err := strconv.ParseInt(destination, 10, 64)
		if err != nil {
			return Permanent(fmt.Errorf("%w: %q", ErrInvalidDestination, destination))
		}
		msg = tgbotapi.NewMessage(chatID, text)
	}

	sent, err := s.bot.Send(msg)
	if err != nil {
		if apiErr, ok := telegramError(err); ok {
			return fromHTTPStatus(apiErr.Code, fmt.Errorf("telegram: %w", err))
		}
		return Transient(fmt.Errorf("telegram: %w", err))
	}
	return Success(strconv.Itoa(sent.MessageID))
}

// telegramError unwraps both pointer and value forms of tgbotapi.Error.
func telegramError(err error) (tgbotapi.Error, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val, true
	}
	return tgbotapi.Error{}, false
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
