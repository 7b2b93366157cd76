// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/ax-platform/ax/lib/session"
)

// SlackConfig configures the Slack adapter (grounded on
// haasonsaas-nexus's internal/channels/slack.Config).
type SlackConfig struct {
	BotToken string // xoxb-...
	AppToken string // xapp-..., Socket Mode
}

// SlackAdapter implements Adapter over Slack's Socket Mode API,
// generalized from haasonsaas-nexus's channels/slack.Adapter to this
// platform's session.Address/Delivery model rather than a
// Nexus-specific models.Message type.
type SlackAdapter struct {
	cfg          SlackConfig
	client       *slack.Client
	socketClient *socketmode.Client
	logger       *slog.Logger

	botUserIDMu sync.RWMutex
	botUserID   string
}

func NewSlackAdapter(cfg SlackConfig, logger *slog.Logger) *SlackAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &SlackAdapter{
		cfg:          cfg,
		client:       client,
		socketClient: socketmode.New(client),
		logger:       logger,
	}
}

func (a *SlackAdapter) Provider() string { return "slack" }

func (a *SlackAdapter) Start(ctx context.Context, handle func(InboundMessage)) error {
	authResp, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("channel: slack auth: %w", err)
	}
	a.botUserIDMu.Lock()
	a.botUserID = authResp.UserID
	a.botUserIDMu.Unlock()

	go a.runSocket(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-a.socketClient.Events:
			if !ok {
				return nil
			}
			a.handleEvent(event, handle)
		}
	}
}

func (a *SlackAdapter) runSocket(ctx context.Context) {
	if err := a.socketClient.Run(); err != nil {
		a.logger.Error("channel: slack socket mode error", "error", err)
	}
}

func (a *SlackAdapter) handleEvent(event socketmode.Event, handle func(InboundMessage)) {
	if event.Type != socketmode.EventTypeEventsAPI {
		if event.Request != nil {
			a.socketClient.Ack(*event.Request)
		}
		return
	}
	eventsAPI, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	a.socketClient.Ack(*event.Request)

	if eventsAPI.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := eventsAPI.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.BotID != "" {
			return
		}
		handle(a.toInbound(ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp))
	case *slackevents.AppMentionEvent:
		handle(a.toInbound(ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp))
	}
}

func (a *SlackAdapter) toInbound(channelID, user, text, ts, threadTS string) InboundMessage {
	addr := session.Address{Provider: a.Provider(), Scope: session.ScopeChannel, Workspace: "", Channel: channelID}
	if threadTS != "" {
		parent := addr
		addr = session.Address{Provider: a.Provider(), Scope: session.ScopeThread, Channel: channelID, Thread: threadTS, Parent: &parent}
	}
	isDM := strings.HasPrefix(channelID, "D")
	if isDM {
		addr = session.Address{Provider: a.Provider(), Scope: session.ScopeDM, Peer: user}
	}

	a.botUserIDMu.RLock()
	botUserID := a.botUserID
	a.botUserIDMu.RUnlock()
	mentioned := isDM || threadTS != "" || (botUserID != "" && strings.Contains(text, fmt.Sprintf("<@%s>", botUserID)))

	return InboundMessage{
		Address:   addr,
		MessageID: fmt.Sprintf("%s:%s", channelID, ts),
		SenderID:  user,
		Text:      strings.TrimSpace(stripMentions(text)),
		Mentioned: mentioned,
	}
}

func stripMentions(text string) string {
	for strings.Contains(text, "<@") {
		start := strings.Index(text, "<@")
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return text
}

func (a *SlackAdapter) Send(ctx context.Context, addr session.Address, text string) error {
	options := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if addr.Scope == session.ScopeThread {
		options = append(options, slack.MsgOptionTS(addr.Thread))
	}
	channelID := addr.Channel
	if addr.Scope == session.ScopeDM {
		channel, _, _, err := a.client.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{addr.Peer}})
		if err != nil {
			return fmt.Errorf("channel: slack open DM: %w", err)
		}
		channelID = channel.ID
	}
	_, _, err := a.client.PostMessageContext(ctx, channelID, options...)
	if err != nil {
		return fmt.Errorf("channel: slack send: %w", err)
	}
	return nil
}

// ShouldRespond follows Slack convention: always respond in DMs and
// within an existing thread; in a public channel, only respond to an
// explicit @-mention of the bot (grounded on haasonsaas-nexus's
// isDM/isMention/ThreadTimeStamp gating in handleMessage).
func (a *SlackAdapter) ShouldRespond(msg InboundMessage) bool {
	return msg.Mentioned
}
