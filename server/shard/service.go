// Package shard exposes one crawl engine to the controller over HTTP.
package shard

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxharbor/voxharbor/chatnet"
	"github.com/voxharbor/voxharbor/engine"
	"github.com/voxharbor/voxharbor/internal/profile"
	"github.com/voxharbor/voxharbor/store"
)

// Crawler is what the RPC surface needs from the session pool.
type Crawler interface {
	KnownChatsCount(ctx context.Context) (int, error)
	DiscoverChat(ctx context.Context, joinString string, ignoreProtection bool) (*chatnet.Chat, error)
	Messages(ctx context.Context, sessionIndex int, chatID int64, ids []int64) ([]*chatnet.Message, error)
}

// Service is the shard-local HTTP server.
type Service struct {
	profile *profile.Profile
	crawler Crawler
	log     *slog.Logger
	echo    *echo.Echo
}

// DiscoverRequest is the body of POST /discover.
type DiscoverRequest struct {
	JoinString       string `json:"join_string"`
	IgnoreProtection bool   `json:"ignore_protection"`
}

// New wires the routes; call Start to listen.
func New(crawler Crawler, p *profile.Profile, log *slog.Logger) *Service {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Service{
		profile: p,
		crawler: crawler,
		log:     log.With("component", "shard-rpc"),
		echo:    e,
	}

	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/known_chats_count", s.knownChatsCount)
	e.POST("/discover", s.discover)
	e.POST("/messages", s.messages)
	e.GET("/user_from_comment", s.userFromComment)
	e.GET("/post", s.post)
	return s
}

// Start listens on the shard bind address; blocks until Shutdown.
func (s *Service) Start() error {
	addr := s.profile.ShardBindAddr()
	s.log.Info("shard rpc listening", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown stops the listener gracefully.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routes for tests.
func (s *Service) Handler() http.Handler { return s.echo }

func (s *Service) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) knownChatsCount(c echo.Context) error {
	count, err := s.crawler.KnownChatsCount(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, count)
}

func (s *Service) discover(c echo.Context) error {
	var req DiscoverRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.JoinString == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "join_string is required")
	}

	chat, err := s.crawler.DiscoverChat(c.Request().Context(), req.JoinString, req.IgnoreProtection)
	if errors.Is(err, engine.ErrAlreadyJoined) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"chat_id": chat.ID, "name": chat.DisplayName()})
}

// messages hydrates sorted comments with their live texts. Consecutive runs
// with the same (session_index, chat_id) become one batched fetch; the runs
// are fetched in parallel and zipped back against their comments. Comments
// whose message is gone are dropped.
func (s *Service) messages(c echo.Context) error {
	var comments []store.Comment
	if err := c.Bind(&comments); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	out, err := s.fetchMessages(c.Request().Context(), comments)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type commentRun struct {
	sessionIndex int
	chatID       int64
	comments     []store.Comment
}

func (s *Service) fetchMessages(ctx context.Context, comments []store.Comment) ([]store.Message, error) {
	var runs []commentRun
	for _, cm := range comments {
		if n := len(runs); n > 0 &&
			runs[n-1].sessionIndex == int(cm.SessionIndex) && runs[n-1].chatID == cm.ChatID {
			runs[n-1].comments = append(runs[n-1].comments, cm)
			continue
		}
		runs = append(runs, commentRun{
			sessionIndex: int(cm.SessionIndex),
			chatID:       cm.ChatID,
			comments:     []store.Comment{cm},
		})
	}

	results := make([][]store.Message, len(runs))
	g, ctx := errgroup.WithContext(ctx)
	for i, run := range runs {
		i, run := i, run
		g.Go(func() error {
			ids := make([]int64, len(run.comments))
			for j, cm := range run.comments {
				ids[j] = cm.MessageID
			}
			msgs, err := s.crawler.Messages(ctx, run.sessionIndex, run.chatID, ids)
			if err != nil {
				return errors.Wrapf(err, "fetch %d messages from chat %d", len(ids), run.chatID)
			}
			if len(msgs) != len(run.comments) {
				return errors.Errorf("chat %d: %d comments but %d messages", run.chatID, len(run.comments), len(msgs))
			}
			for j, msg := range msgs {
				if msg == nil {
					continue
				}
				results[i] = append(results[i], store.Message{
					Text:     msg.Text,
					ChatName: chatName(msg.Chat),
					Comment:  run.comments[j],
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]store.Message, 0, len(comments))
	for _, part := range results {
		out = append(out, part...)
	}
	return out, nil
}

func chatName(chat *chatnet.Chat) string {
	if chat == nil {
		return ""
	}
	name := chat.DisplayName()
	if chat.Username != "" {
		name = name + " (" + chat.Username + ")"
	}
	return name
}

func (s *Service) userFromComment(c echo.Context) error {
	chatID, err1 := strconv.ParseInt(c.QueryParam("chat_id"), 10, 64)
	messageID, err2 := strconv.ParseInt(c.QueryParam("message_id"), 10, 64)
	if err1 != nil || err2 != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "chat_id and message_id must be integers")
	}

	// Any session can read a public message; index 0 is always present.
	msgs, err := s.crawler.Messages(c.Request().Context(), 0, chatID, []int64{messageID})
	if err != nil {
		return err
	}
	if len(msgs) == 0 || msgs[0] == nil || msgs[0].FromUser == nil {
		return echo.NewHTTPError(http.StatusNotFound, "message or author not found")
	}
	author := msgs[0].FromUser
	return c.JSON(http.StatusOK, store.User{
		UserID:   author.ID,
		Username: author.Username,
		Name:     author.FullName(),
	})
}

func (s *Service) post(c echo.Context) error {
	channelID, err1 := strconv.ParseInt(c.QueryParam("channel_id"), 10, 64)
	postID, err2 := strconv.ParseInt(c.QueryParam("post_id"), 10, 64)
	sessionIndex, err3 := strconv.Atoi(c.QueryParam("session_index"))
	if err1 != nil || err2 != nil || err3 != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "channel_id, post_id and session_index must be integers")
	}

	msgs, err := s.crawler.Messages(c.Request().Context(), sessionIndex, channelID, []int64{postID})
	if err != nil {
		return err
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return echo.NewHTTPError(http.StatusNotFound, "post not found")
	}
	return c.JSON(http.StatusOK, store.PostText{Text: msgs[0].Text})
}
