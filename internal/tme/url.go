// Package tme parses t.me links into chat/message references.
package tme

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MessageRef identifies a message inside a chat. Exactly one of ChatID and
// ChatName is set: public links carry a handle, private links a numeric id.
type MessageRef struct {
	ChatID    int64
	ChatName  string
	MessageID int64
}

// PostRef identifies a post inside a public channel.
type PostRef struct {
	ChannelNick string
	PostID      int64
}

// ParseMessageURL accepts https://t.me/<chat>/<msg_id> and
// https://t.me/<chat>/<top>/<msg>?comment=<id> forms.
func ParseMessageURL(raw string) (MessageRef, error) {
	u, err := parse(raw)
	if err != nil {
		return MessageRef{}, err
	}

	segments := pathSegments(u)
	if len(segments) < 2 {
		return MessageRef{}, errors.Errorf("invalid url %q: not enough path segments", raw)
	}
	chat, msg := segments[len(segments)-2], segments[len(segments)-1]

	if comment := u.Query().Get("comment"); comment != "" {
		msg = comment
	}

	messageID, err := strconv.ParseInt(msg, 10, 64)
	if err != nil {
		return MessageRef{}, errors.Wrapf(err, "invalid url %q: message id", raw)
	}

	ref := MessageRef{MessageID: messageID}
	if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
		ref.ChatID = id
	} else {
		ref.ChatName = chat
	}
	return ref, nil
}

// ParsePostURL accepts https://t.me/<channel>/<post_id>.
func ParsePostURL(raw string) (PostRef, error) {
	u, err := parse(raw)
	if err != nil {
		return PostRef{}, err
	}

	segments := pathSegments(u)
	if len(segments) < 2 {
		return PostRef{}, errors.Errorf("invalid url %q: not enough path segments", raw)
	}
	nick, post := segments[len(segments)-2], segments[len(segments)-1]

	postID, err := strconv.ParseInt(post, 10, 64)
	if err != nil {
		return PostRef{}, errors.Wrapf(err, "invalid url %q: post id", raw)
	}
	return PostRef{ChannelNick: nick, PostID: postID}, nil
}

func parse(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid url %q", raw)
	}
	if u.Scheme == "" {
		return nil, errors.Errorf("invalid url %q: scheme must be provided", raw)
	}
	if u.Host != "t.me" {
		return nil, errors.Errorf("invalid url %q: host must be t.me", raw)
	}
	return u, nil
}

func pathSegments(u *url.URL) []string {
	return strings.Split(strings.Trim(u.Path, "/"), "/")
}
