// Package notify posts operator alerts for terminal dispatch failures.
// Delivery is best-effort: errors are logged, never returned.
package notify

import (
	"fmt"
	"log"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"

	"chatpool/internal/config"
)

// Notifier fans an alert out to every configured channel.
type Notifier struct {
	slack        *slack.Client
	slackChannel string

	discord        *discordgo.Session
	discordChannel string
}

// New builds a notifier, or nil when no channel is configured. All methods
// are safe on a nil receiver.
func New(cfg config.NotifyConfig) *Notifier {
	n := &Notifier{}
	configured := false

	if cfg.SlackToken != "" && cfg.SlackChannel != "" {
		n.slack = slack.New(cfg.SlackToken)
		n.slackChannel = cfg.SlackChannel
		configured = true
	}
	if cfg.DiscordToken != "" && cfg.DiscordChannelID != "" {
		session, err := discordgo.New("Bot " + cfg.DiscordToken)
		if err != nil {
			log.Printf("notify: discord session: %v", err)
		} else {
			n.discord = session
			n.discordChannel = cfg.DiscordChannelID
			configured = true
		}
	}
	if !configured {
		return nil
	}
	return n
}

// JobFailed alerts operators about a terminal dispatch failure.
func (n *Notifier) JobFailed(jobID, requestID, code, message string) {
	if n == nil {
		return
	}
	text := fmt.Sprintf("chatpool: job failed (%s)\njob_id: %s\nrequest_id: %s\n%s",
		code, jobID, requestID, message)
	n.post(text)
}

func (n *Notifier) post(text string) {
	if n.slack != nil {
		_, _, err := n.slack.PostMessage(n.slackChannel, slack.MsgOptionText(text, false))
		if err != nil {
			log.Printf("notify: slack post: %v", err)
		}
	}
	if n.discord != nil {
		if _, err := n.discord.ChannelMessageSend(n.discordChannel, text); err != nil {
			log.Printf("notify: discord post: %v", err)
		}
	}
}
