package notify

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"restock_monitor/internal/model"
)

var kindColors = map[model.EventKind]int{
	model.EventStarted:     0x0099ff,
	model.EventAvailable:   0x00ff00,
	model.EventAddedToCart: 0xffa500,
	model.EventPurchased:   0x9b59b6,
	model.EventError:       0xff0000,
	model.EventStopped:     0x808080,
}

var kindTitles = map[model.EventKind]string{
	model.EventStarted:     "Monitor started",
	model.EventAvailable:   "Back in stock",
	model.EventAddedToCart: "Added to cart",
	model.EventPurchased:   "Purchase confirmed",
	model.EventError:       "Error",
	model.EventStopped:     "Monitor stopped",
}

// DiscordSink posts events to a webhook as embeds.
type DiscordSink struct {
	session  *discordgo.Session
	id       string
	token    string
	username string
}

func NewDiscordSink(webhookURL, username string) (*DiscordSink, error) {
	id, token, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	return &DiscordSink{session: s, id: id, token: token, username: username}, nil
}

// ParseWebhookURL splits https://discord.com/api/webhooks/<id>/<token>.
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", errors.New("invalid discord webhook url")
}

func (s *DiscordSink) Name() string { return "discord" }

func (s *DiscordSink) Send(ctx context.Context, evt model.NotificationEvent) error {
	params := &discordgo.WebhookParams{
		Username: s.username,
		Embeds:   []*discordgo.MessageEmbed{BuildEmbed(evt)},
	}
	if a := evt.Attachment; a != nil && len(a.Data) > 0 {
		params.Files = []*discordgo.File{{
			Name:        a.Name,
			ContentType: a.ContentType,
			Reader:      bytes.NewReader(a.Data),
		}}
	}
	_, err := s.session.WebhookExecute(s.id, s.token, false, params, discordgo.WithContext(ctx))
	return err
}

// BuildEmbed renders an event; fields are sorted for stable output.
func BuildEmbed(evt model.NotificationEvent) *discordgo.MessageEmbed {
	title := kindTitles[evt.Kind]
	if title == "" {
		title = string(evt.Kind)
	}
	if evt.TaskName != "" {
		title += ": " + evt.TaskName
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	embed := &discordgo.MessageEmbed{
		Title:       title,
		Description: evt.Message,
		URL:         evt.URL,
		Color:       kindColors[evt.Kind],
		Timestamp:   ts.Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: "Restock Monitor"},
	}

	keys := make([]string, 0, len(evt.Fields))
	for k := range evt.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: k, Value: evt.Fields[k], Inline: true})
	}
	if evt.TaskID != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "task", Value: evt.TaskID, Inline: true})
	}

	switch {
	case evt.ImageURL != "":
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: evt.ImageURL}
	case evt.Attachment != nil && strings.HasPrefix(evt.Attachment.ContentType, "image/"):
		embed.Image = &discordgo.MessageEmbedImage{URL: "attachment://" + evt.Attachment.Name}
	}
	return embed
}
