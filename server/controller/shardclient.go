package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/voxharbor/voxharbor/engine"
	"github.com/voxharbor/voxharbor/store"
)

// ShardAPI is the controller's view of one shard's RPC surface.
type ShardAPI interface {
	KnownChatsCount(ctx context.Context) (int, error)
	Messages(ctx context.Context, comments []store.Comment) ([]store.Message, error)
	Discover(ctx context.Context, joinString string, ignoreProtection bool) error
	UserFromComment(ctx context.Context, chatID, messageID int64) (store.User, error)
	PostText(ctx context.Context, channelID, postID int64, sessionIndex int32) (store.PostText, error)
}

// ShardClient talks to one shard over HTTP.
type ShardClient struct {
	base string
	http *http.Client
}

// NewShardClient wraps a host:port endpoint.
func NewShardClient(endpoint string) *ShardClient {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return &ShardClient{
		base: strings.TrimRight(endpoint, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// NewShardClients wraps a list of endpoints in shard order.
func NewShardClients(endpoints []string) []ShardAPI {
	out := make([]ShardAPI, len(endpoints))
	for i, endpoint := range endpoints {
		out[i] = NewShardClient(endpoint)
	}
	return out
}

func (c *ShardClient) do(ctx context.Context, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return store.ErrNoRows
	case http.StatusConflict:
		return engine.ErrAlreadyJoined
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("%s %s: shard replied %d: %s", method, path, resp.StatusCode, raw)
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

func (c *ShardClient) KnownChatsCount(ctx context.Context) (int, error) {
	var count int
	err := c.do(ctx, http.MethodGet, "/known_chats_count", nil, &count)
	return count, err
}

func (c *ShardClient) Messages(ctx context.Context, comments []store.Comment) ([]store.Message, error) {
	var out []store.Message
	err := c.do(ctx, http.MethodPost, "/messages", comments, &out)
	return out, err
}

func (c *ShardClient) Discover(ctx context.Context, joinString string, ignoreProtection bool) error {
	body := map[string]any{"join_string": joinString, "ignore_protection": ignoreProtection}
	return c.do(ctx, http.MethodPost, "/discover", body, nil)
}

func (c *ShardClient) UserFromComment(ctx context.Context, chatID, messageID int64) (store.User, error) {
	var user store.User
	path := fmt.Sprintf("/user_from_comment?chat_id=%d&message_id=%d", chatID, messageID)
	err := c.do(ctx, http.MethodGet, path, nil, &user)
	return user, err
}

func (c *ShardClient) PostText(ctx context.Context, channelID, postID int64, sessionIndex int32) (store.PostText, error) {
	var text store.PostText
	path := fmt.Sprintf("/post?channel_id=%d&post_id=%d&session_index=%d", channelID, postID, sessionIndex)
	err := c.do(ctx, http.MethodGet, path, nil, &text)
	return text, err
}
