// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/ax-platform/ax/lib/session"
)

// DiscordAdapter is an unimplemented skeleton proving Adapter is a
// multi-provider interface, not a Slack-only shim (SPEC_FULL.md
// §11.13). Discord's gateway/session model mirrors Slack's Socket
// Mode closely enough that a full implementation follows the same
// shape as SlackAdapter — Start opens a *discordgo.Session, handles
// MessageCreate events, resolves session.Address from
// guild/channel/thread IDs.
type DiscordAdapter struct {
	token string
}

func NewDiscordAdapter(token string) *DiscordAdapter {
	return &DiscordAdapter{token: token}
}

func (a *DiscordAdapter) Provider() string { return "discord" }

// TODO: implement MessageCreate handling and session.Address
// resolution (guild -> channel; DM channels have no guild).
func (a *DiscordAdapter) Start(ctx context.Context, handle func(InboundMessage)) error {
	dg, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("channel: discord session: %w", err)
	}
	_ = dg
	return fmt.Errorf("channel: discord adapter not implemented")
}

func (a *DiscordAdapter) Send(ctx context.Context, addr session.Address, text string) error {
	return fmt.Errorf("channel: discord adapter not implemented")
}

func (a *DiscordAdapter) ShouldRespond(msg InboundMessage) bool {
	return msg.Mentioned
}
