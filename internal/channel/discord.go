package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go-relay/pkg/models"

	"github.com/bwmarrin/discordgo"
)

const discordMaxText = 2000

// DiscordSession is the part of discordgo.Session the sender uses.
type DiscordSession interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type DiscordSender struct {
	session DiscordSession
}

// NewDiscordSender builds a REST-only session; no gateway connection is opened.
func NewDiscordSender(token string) (*DiscordSender, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return NewDiscordSenderWithSession(session), nil
}

func NewDiscordSenderWithSession(session DiscordSession) *DiscordSender {
	return &DiscordSender{session: session}
}

func (s *DiscordSender) Channel() models.Channel {
	return models.ChannelDiscord
}

func (s *DiscordSender) Send(ctx context.Context, destination, body string) Result {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return Permanent(ErrInvalidDestination)
	}
	if err := ctx.Err(); err != nil {
		return Transient(err)
	}

	msg, err := s.session.ChannelMessageSend(destination, truncateRunes(body, discordMaxText), discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil {
			return fromHTTPStatus(restErr.Response.StatusCode, fmt.Errorf("discord: %w", err))
		}
		return Transient(fmt.Errorf("discord: %w", err))
	}

	var id string
	if msg != nil {
		id = msg.ID
	}
	return Success(id)
}
