// Package classify labels users from a sample of their messages using a
// chat-completion model.
package classify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/voxharbor/voxharbor/store"
)

const (
	labelTimeout     = 30 * time.Second
	labelMaxTokens   = 5
	labelTemperature = 0.0
	sampleTextMaxLen = 300
)

// Verdicts returned by LabelUser. The model is forced to pick one.
const (
	VerdictSpammer = "SPAMMER"
	VerdictUser    = "USER"
	VerdictUnclear = "UNCLEAR"
)

const systemPrompt = `You review accounts of a public chat network.
Given an account profile and a sample of its messages, decide whether the
account is an automated spammer or a regular user.
Reply with exactly one word: SPAMMER, USER or UNCLEAR.`

// Classifier asks a chat-completion model for a verdict on a user.
type Classifier struct {
	client *openai.Client
	model  string
}

// New builds a classifier for the given API key and model.
func New(apiKey, model string) *Classifier {
	return &Classifier{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// LabelUser returns one of the Verdict constants for the user.
func (c *Classifier) LabelUser(ctx context.Context, info store.UserInfo, messages []store.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, labelTimeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   labelMaxTokens,
		Temperature: labelTemperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(info, messages)},
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", errors.Wrap(err, "chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}

	verdict := strings.ToUpper(strings.TrimSpace(resp.Choices[0].Message.Content))
	switch verdict {
	case VerdictSpammer, VerdictUser, VerdictUnclear:
		return verdict, nil
	}
	return VerdictUnclear, nil
}

// BuildPrompt renders the account profile and message sample into the user
// turn of the completion request.
func BuildPrompt(info store.UserInfo, messages []store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Account %d\n", info.UserID)
	if len(info.Usernames) > 0 {
		fmt.Fprintf(&b, "Usernames: %s\n", strings.Join(info.Usernames, ", "))
	}
	if len(info.Names) > 0 {
		fmt.Fprintf(&b, "Display names: %s\n", strings.Join(info.Names, ", "))
	}

	perChat := make(map[string]int)
	for _, msg := range messages {
		name := msg.ChatName
		if name == "" {
			name = "(deleted)"
		}
		perChat[name]++
	}
	chats := make([]string, 0, len(perChat))
	for name := range perChat {
		chats = append(chats, name)
	}
	sort.Strings(chats)

	b.WriteString("\nChats posted in:\n")
	for _, name := range chats {
		fmt.Fprintf(&b, "- %s: %d messages\n", name, perChat[name])
	}

	b.WriteString("\nMessage sample, oldest first:\n")
	for _, msg := range messages {
		text := msg.Text
		if text == "" {
			continue
		}
		if len(text) > sampleTextMaxLen {
			text = text[:sampleTextMaxLen] + "..."
		}
		fmt.Fprintf(&b, "> %s\n", text)
	}
	return b.String()
}
