package ros

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Attachment describes the result of sending a file attachment message.
type Attachment struct {
	MessageID     uint64
	AttachmentURL string
}

// RateLimitError is the typed error ChatClient implementations return when
// the transport reports a rate limit, distinct from any other transport
// failure.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("chat service rate limited, retry after %s", e.RetryAfter)
}

// ChatClient is the minimal chat-service surface the engine requires. The
// transport SDK itself (discordgo) is an external collaborator; only these
// verbs matter to ROS.
type ChatClient interface {
	Connect(token string) error
	AwaitReady(ctx context.Context) error
	ResolveChannel(id uint64) error
	SendFileAttachment(ctx context.Context, body []byte, filename, message string) (Attachment, error)
	GetMessage(ctx context.Context, messageID uint64) error
	DeleteMessage(ctx context.Context, messageID uint64) error
	Close() error
}

// discordClient implements ChatClient over github.com/bwmarrin/discordgo.
type discordClient struct {
	session   *discordgo.Session
	channelID string
}

// NewDiscordClient constructs a ChatClient backed by discordgo. Connect must
// be called before any other method.
func NewDiscordClient() ChatClient {
	return &discordClient{}
}

func (c *discordClient) Connect(token string) error {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("ros: create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsNone
	if err := session.Open(); err != nil {
		return fmt.Errorf("ros: open discord session: %w", err)
	}
	c.session = session
	return nil
}

func (c *discordClient) AwaitReady(ctx context.Context) error {
	deadline := 30 * time.Second
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.session.State != nil && c.session.State.Ready.SessionID != "" {
			return nil
		}
		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			return fmt.Errorf("ros: timed out waiting for session ready")
		}
	}
}

func (c *discordClient) ResolveChannel(id uint64) error {
	channel, err := c.session.Channel(fmt.Sprintf("%d", id))
	if err != nil {
		return fmt.Errorf("ros: resolve channel %d: %w", id, err)
	}
	if channel.Type != discordgo.ChannelTypeGuildText && channel.Type != discordgo.ChannelTypeDM {
		return fmt.Errorf("ros: channel %d is not a text channel", id)
	}
	c.channelID = channel.ID
	return nil
}

func (c *discordClient) SendFileAttachment(ctx context.Context, body []byte, filename, message string) (Attachment, error) {
	msg, err := c.session.ChannelMessageSendComplex(c.channelID, &discordgo.MessageSend{
		Content: message,
		Files: []*discordgo.File{{
			Name:        filename,
			ContentType: "application/octet-stream",
			Reader:      bytes.NewReader(body),
		}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return Attachment{}, translateError(err)
	}
	if len(msg.Attachments) == 0 {
		return Attachment{}, fmt.Errorf("ros: send returned no attachment")
	}

	id, err := parseSnowflake(msg.ID)
	if err != nil {
		return Attachment{}, err
	}
	return Attachment{MessageID: id, AttachmentURL: msg.Attachments[0].URL}, nil
}

func (c *discordClient) GetMessage(ctx context.Context, messageID uint64) error {
	_, err := c.session.ChannelMessage(c.channelID, fmt.Sprintf("%d", messageID), discordgo.WithContext(ctx))
	if err != nil {
		return translateError(err)
	}
	return nil
}

func (c *discordClient) DeleteMessage(ctx context.Context, messageID uint64) error {
	err := c.session.ChannelMessageDelete(c.channelID, fmt.Sprintf("%d", messageID), discordgo.WithContext(ctx))
	if err != nil {
		return translateError(err)
	}
	return nil
}

func (c *discordClient) Close() error {
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}

// translateError maps discordgo's rate-limit errors to RateLimitError so
// callers never need to know about the transport SDK's own error types.
func translateError(err error) error {
	if rl, ok := err.(*discordgo.RateLimitError); ok {
		return &RateLimitError{RetryAfter: rl.RateLimit.RetryAfter}
	}
	if rest, ok := err.(*discordgo.RESTError); ok && rest.Response != nil && rest.Response.StatusCode == 429 {
		return &RateLimitError{RetryAfter: 60 * time.Second}
	}
	return err
}

func parseSnowflake(s string) (uint64, error) {
	var id uint64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("ros: parse message id %q: %w", s, err)
	}
	return id, nil
}
