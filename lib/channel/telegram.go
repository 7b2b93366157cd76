// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"

	tgbot "github.com/go-telegram/bot"

	"github.com/ax-platform/ax/lib/session"
)

// TelegramAdapter is an unimplemented skeleton, present for the same
// multi-provider reason as DiscordAdapter (SPEC_FULL.md §11.13).
// Telegram has no channel/guild concept — every chat maps to
// session.ScopeDM (private chats) or session.ScopeGroup (group
// chats); Telegram has no native thread concept, so ScopeThread is
// never produced by this adapter.
type TelegramAdapter struct {
	token string
}

func NewTelegramAdapter(token string) *TelegramAdapter {
	return &TelegramAdapter{token: token}
}

func (a *TelegramAdapter) Provider() string { return "telegram" }

// TODO: implement long-polling/webhook update handling and
// session.Address resolution from chat.id/chat.type.
func (a *TelegramAdapter) Start(ctx context.Context, handle func(InboundMessage)) error {
	b, err := tgbot.New(a.token)
	if err != nil {
		return fmt.Errorf("channel: telegram bot: %w", err)
	}
	_ = b
	return fmt.Errorf("channel: telegram adapter not implemented")
}

func (a *TelegramAdapter) Send(ctx context.Context, addr session.Address, text string) error {
	return fmt.Errorf("channel: telegram adapter not implemented")
}

func (a *TelegramAdapter) ShouldRespond(msg InboundMessage) bool {
	return msg.Mentioned
}
