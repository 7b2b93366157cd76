// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import "encoding/json"

// Role identifies the speaker of a [Message].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Request is a provider-agnostic chat completion request. Each
// [Provider] implementation translates it to its own wire format.
type Request struct {
	Model         string
	MaxTokens     int
	System        string
	Messages      []Message
	Tools         []ToolDefinition
	Temperature   *float64
	StopSequences []string

	// ExtraHeaders are set on the outbound HTTP request verbatim, for
	// provider features that are only reachable via a header (e.g.
	// Anthropic's beta feature flags).
	ExtraHeaders map[string]string
}

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// UserMessage builds a single-block text message from the user.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// ToolResultMessage wraps a tool result as a user-role message, the
// convention every supported provider's wire format ultimately expects
// (Anthropic encodes it as a tool_result content block inside a user
// message; OpenAI converts it to a role:"tool" message in
// toOpenAIUserMessages).
func ToolResultMessage(result ToolResult) Message {
	return Message{
		Role: RoleUser,
		Content: []ContentBlock{{
			Type:       ContentToolResult,
			ToolResult: &result,
		}},
	}
}

// ContentType discriminates the variant held by a [ContentBlock].
type ContentType string

const (
	ContentText             ContentType = "text"
	ContentToolUse          ContentType = "tool_use"
	ContentToolResult       ContentType = "tool_result"
	ContentThinking         ContentType = "thinking"
	ContentServerToolUse    ContentType = "server_tool_use"
	ContentServerToolResult ContentType = "server_tool_result"
)

// ContentBlock is one block of a message's content. Exactly one of the
// pointer fields is populated, matching Type.
type ContentBlock struct {
	Type ContentType

	Text string // ContentText

	ToolUse    *ToolUse    // ContentToolUse
	ToolResult *ToolResult // ContentToolResult
	Thinking   *Thinking   // ContentThinking

	ServerToolUse    *ServerToolUse    // ContentServerToolUse
	ServerToolResult *ServerToolResult // ContentServerToolResult
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: ContentToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// ThinkingContentBlock builds a thinking content block carrying the
// provider-issued signature needed to replay it in a later request
// (Anthropic's extended-thinking conversation requirement).
func ThinkingContentBlock(content, signature string) ContentBlock {
	return ContentBlock{Type: ContentThinking, Thinking: &Thinking{Content: content, Signature: signature}}
}

// ToolUse is a model-issued request to call a tool.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of executing a ToolUse, sent back to the
// model as conversation history.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Thinking holds an extended-thinking block's content and the opaque
// signature the provider requires to accept it back in a later
// request's conversation history unmodified.
type Thinking struct {
	Content   string
	Signature string
}

// ServerToolUse is a provider-executed tool call (e.g. Anthropic's
// built-in tool search) that the platform neither dispatches nor
// mediates — it is recorded verbatim so conversation replay round-trips.
type ServerToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ServerToolResult is the provider-supplied result counterpart to a
// ServerToolUse.
type ServerToolResult struct {
	ToolUseID string
	Content   json.RawMessage
}

// ToolDefinition declares a callable tool the model may invoke via a
// ToolUse content block.
type ToolDefinition struct {
	// Type marks a provider-managed tool (e.g. Anthropic's
	// "tool_search_tool_bm25_20251119"); Name/Description/InputSchema
	// are ignored by providers when Type is set, since the provider
	// supplies its own definition.
	Type         string
	Name         string
	Description  string
	InputSchema  json.RawMessage
	DeferLoading bool
}

// StopReason is the provider-agnostic reason generation stopped.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// Usage reports token accounting for a single request.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Response is a complete, provider-agnostic chat completion response.
type Response struct {
	Model      string
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
}

// TextContent concatenates every text block in Content, in order.
func (response *Response) TextContent() string {
	var text string
	for _, block := range response.Content {
		if block.Type == ContentText {
			text += block.Text
		}
	}
	return text
}

// ThinkingContent concatenates every thinking block's content, in order.
func (response *Response) ThinkingContent() string {
	var text string
	for _, block := range response.Content {
		if block.Type == ContentThinking && block.Thinking != nil {
			text += block.Thinking.Content
		}
	}
	return text
}

// ToolUses returns every regular tool_use block's ToolUse, in order.
// Server-managed tool calls (ContentServerToolUse) are excluded — the
// agent runner dispatches only ToolUses, never server tool calls, since
// the provider executes those itself.
func (response *Response) ToolUses() []*ToolUse {
	var toolUses []*ToolUse
	for _, block := range response.Content {
		if block.Type == ContentToolUse && block.ToolUse != nil {
			toolUses = append(toolUses, block.ToolUse)
		}
	}
	return toolUses
}

// StreamEventType discriminates the variant held by a [StreamEvent].
type StreamEventType string

const (
	EventTextDelta       StreamEventType = "text_delta"
	EventContentBlockDone StreamEventType = "content_block_done"
	EventDone            StreamEventType = "done"
	EventPing            StreamEventType = "ping"
	EventError           StreamEventType = "error"
)

// StreamEvent is one event yielded by an [EventStream].
type StreamEvent struct {
	Type         StreamEventType
	Text         string       // EventTextDelta
	ContentBlock ContentBlock // EventContentBlockDone
	Error        error        // EventError
}
