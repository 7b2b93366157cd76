// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentrunner

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ax-platform/ax/lib/llm"
	"github.com/ax-platform/ax/lib/promptbuilder"
)

// maxCorrectiveRetries bounds how many times the hallucination guard
// may inject a corrective instruction in a single turn, so a model
// that keeps repeating the same unsubstantiated claim cannot loop
// forever.
const maxCorrectiveRetries = 2

// Config holds everything one call to Run needs. It is built fresh per
// agent process — a runner handles exactly one sandbox process's
// lifetime.
type Config struct {
	Provider   llm.Provider
	Model      string
	MaxTokens  int
	Dispatcher *Dispatcher
	Builder    *promptbuilder.Builder

	Stdout io.Writer
	Logger *slog.Logger
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Run executes one full agent turn: build the system prompt from ctx,
// seed the conversation from payload, then drive the model loop to
// completion (spec.md §4.5). It streams assistant text to config.Stdout
// as it arrives and returns the final accumulated response text.
func Run(ctx context.Context, config *Config, promptCtx promptbuilder.PromptContext, payload Payload) (string, error) {
	result := config.Builder.Build(promptCtx)
	messages := payload.Messages()
	tools := ToolDefinitions()

	var finalText string
	correctiveAttempts := 0

	for {
		if ctx.Err() != nil {
			return finalText, ctx.Err()
		}

		request := llm.Request{
			Model:     config.Model,
			System:    result.Prompt,
			Messages:  messages,
			Tools:     tools,
			MaxTokens: config.MaxTokens,
		}

		response, err := config.streamTurn(ctx, request)
		if err != nil {
			return finalText, fmt.Errorf("agentrunner: model call: %w", err)
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: response.Content})
		finalText = response.TextContent()

		toolUses := response.ToolUses()
		if correction, needed := CheckHallucinatedScheduling(finalText, toolUses); needed && correctiveAttempts < maxCorrectiveRetries {
			correctiveAttempts++
			config.logger().Warn("hallucinated scheduling claim detected, injecting correction", "attempt", correctiveAttempts)
			messages = append(messages, correction)
			continue
		}

		if len(toolUses) == 0 {
			return finalText, nil
		}

		for _, toolUse := range toolUses {
			result := config.Dispatcher.Dispatch(ctx, *toolUse)
			messages = append(messages, llm.ToolResultMessage(result))
		}
	}
}

// streamTurn drives one model call to completion, writing text deltas
// to config.Stdout as they arrive (spec.md §4.5 "streams text deltas
// to stdout as soon as they arrive").
func (c *Config) streamTurn(ctx context.Context, request llm.Request) (*llm.Response, error) {
	stream, err := c.Provider.Stream(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("starting stream: %w", err)
	}
	defer stream.Close()

	for {
		event, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading stream: %w", err)
		}
		if event.Type == llm.EventTextDelta && event.Text != "" {
			if _, writeErr := io.WriteString(c.Stdout, event.Text); writeErr != nil {
				return nil, fmt.Errorf("writing stdout: %w", writeErr)
			}
		}
	}

	response := stream.Response()
	return &response, nil
}
