// Package controller is the fleet-facing API: it fans user and message
// queries out across shards and merges the results.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/voxharbor/voxharbor/engine"
	"github.com/voxharbor/voxharbor/internal/profile"
	"github.com/voxharbor/voxharbor/internal/tme"
	"github.com/voxharbor/voxharbor/store"
)

// Directory is what the controller reads from and writes to the store.
type Directory interface {
	UsersByIDs(ctx context.Context, ids []int64) ([]store.User, error)
	UsersByUsernamePrefix(ctx context.Context, prefix string, limit int) ([]store.User, error)
	CommentsByUser(ctx context.Context, userID int64) ([]store.Comment, error)
	CommentByMessage(ctx context.Context, chatID, messageID int64) (store.Comment, error)
	ChatByJoinString(ctx context.Context, joinString string) (store.Chat, error)
	RandomPendingDiscovery(ctx context.Context) (store.DiscoveredChat, error)
	InsertDiscoveredChats(ctx context.Context, rows []store.DiscoveredChat) error
	MarkSessionBroken(ctx context.Context, id int64) error
}

// UserClassifier labels a user from their message sample.
type UserClassifier interface {
	LabelUser(ctx context.Context, info store.UserInfo, messages []store.Message) (string, error)
}

const userSearchLimit = 10

// Service is the controller HTTP server.
type Service struct {
	profile    *profile.Profile
	dir        Directory
	shards     []ShardAPI
	classifier UserClassifier // nil when no API key is configured
	log        *slog.Logger
	echo       *echo.Echo
}

// New wires the routes; call Start to listen.
func New(dir Directory, shards []ShardAPI, classifier UserClassifier, p *profile.Profile, log *slog.Logger) *Service {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Service{
		profile:    p,
		dir:        dir,
		shards:     shards,
		classifier: classifier,
		log:        log.With("component", "controller"),
		echo:       e,
	}

	e.GET("/healthz", s.healthz)
	e.GET("/user", s.getUser)
	e.GET("/users", s.getUsers)
	e.GET("/comments", s.getComments)
	e.POST("/messages", s.postMessages)
	e.GET("/messages_by_user_id", s.messagesByUserID)
	e.GET("/user_by_msg_link", s.userByMsgLink)
	e.GET("/post_by_url", s.postByURL)
	e.POST("/discover", s.discover)
	e.POST("/remove_bot", s.removeBot)
	e.GET("/check_user", s.checkUser)
	return s
}

// Start listens on the controller bind address; blocks until Shutdown.
func (s *Service) Start() error {
	addr := s.profile.ControllerBindAddr()
	s.log.Info("controller listening", "addr", addr, "shards", len(s.shards))
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

func (s *Service) getUser(c echo.Context) error {
	ctx := c.Request().Context()

	if idParam := c.QueryParam("user_id"); idParam != "" {
		userID, err := strconv.ParseInt(idParam, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "user_id must be an integer")
		}
		info, err := s.userInfo(ctx, userID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, info)
	}

	username := c.QueryParam("username")
	if username == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id or username is required")
	}
	rows, err := s.dir.UsersByUsernamePrefix(ctx, username, 100)
	if err != nil {
		return err
	}
	var exact []store.User
	for _, row := range rows {
		if strings.EqualFold(row.Username, username) {
			exact = append(exact, row)
		}
	}
	infos := groupSorted(exact)
	if len(infos) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no such user")
	}
	return c.JSON(http.StatusOK, infos[0])
}

func (s *Service) userInfo(ctx context.Context, userID int64) (store.UserInfo, error) {
	rows, err := s.dir.UsersByIDs(ctx, []int64{userID})
	if err != nil {
		return store.UserInfo{}, err
	}
	infos := store.GroupUserInfo(rows)
	if len(infos) == 0 {
		return store.UserInfo{}, echo.NewHTTPError(http.StatusNotFound, "no such user")
	}
	return infos[0], nil
}

func (s *Service) getUsers(c echo.Context) error {
	username := c.QueryParam("username")
	if username == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username is required")
	}
	rows, err := s.dir.UsersByUsernamePrefix(c.Request().Context(), username, 1000)
	if err != nil {
		return err
	}
	infos := groupSorted(rows)
	if len(infos) > userSearchLimit {
		infos = infos[:userSearchLimit]
	}
	return c.JSON(http.StatusOK, infos)
}

// groupSorted collapses observation rows regardless of their incoming order.
func groupSorted(rows []store.User) []store.UserInfo {
	sorted := append([]store.User{}, rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].UserID < sorted[j].UserID })
	return store.GroupUserInfo(sorted)
}

func (s *Service) getComments(c echo.Context) error {
	userID, err := strconv.ParseInt(c.QueryParam("user_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id must be an integer")
	}
	comments, err := s.dir.CommentsByUser(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, comments)
}

func (s *Service) postMessages(c echo.Context) error {
	var comments []store.Comment
	if err := c.Bind(&comments); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	messages, err := s.fetchMessages(c.Request().Context(), comments)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messages)
}

// fetchMessages sorts the comments into shard-local runs, fans the runs out
// to their shards in parallel and merges the replies in shard order.
func (s *Service) fetchMessages(ctx context.Context, comments []store.Comment) ([]store.Message, error) {
	sorted := append([]store.Comment{}, comments...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	byShard := make(map[int32][]store.Comment)
	for _, cm := range sorted {
		if int(cm.Shard) >= len(s.shards) {
			return nil, echo.NewHTTPError(http.StatusBadRequest,
				"comment names unknown shard "+strconv.Itoa(int(cm.Shard)))
		}
		byShard[cm.Shard] = append(byShard[cm.Shard], cm)
	}

	results := make(map[int32][]store.Message, len(byShard))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for shard, group := range byShard {
		shard, group := shard, group
		g.Go(func() error {
			messages, err := s.shards[shard].Messages(ctx, group)
			if err != nil {
				return errors.Wrapf(err, "shard %d", shard)
			}
			mu.Lock()
			results[shard] = messages
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	shardIDs := make([]int32, 0, len(results))
	for shard := range results {
		shardIDs = append(shardIDs, shard)
	}
	sort.Slice(shardIDs, func(i, j int) bool { return shardIDs[i] < shardIDs[j] })

	out := make([]store.Message, 0, len(comments))
	for _, shard := range shardIDs {
		out = append(out, results[shard]...)
	}
	return out, nil
}

func (s *Service) messagesByUserID(c echo.Context) error {
	userID, err := strconv.ParseInt(c.QueryParam("user_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id must be an integer")
	}
	ctx := c.Request().Context()
	comments, err := s.dir.CommentsByUser(ctx, userID)
	if err != nil {
		return err
	}
	messages, err := s.fetchMessages(ctx, comments)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messages)
}

func (s *Service) userByMsgLink(c echo.Context) error {
	ref, err := tme.ParseMessageURL(c.QueryParam("link"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	chatID, err := s.resolveChatID(ctx, ref)
	if err != nil {
		return err
	}
	comment, err := s.dir.CommentByMessage(ctx, chatID, ref.MessageID)
	if errors.Is(err, store.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "no comment for that message")
	}
	if err != nil {
		return err
	}
	if int(comment.Shard) >= len(s.shards) {
		return errors.Errorf("comment names unknown shard %d", comment.Shard)
	}
	user, err := s.shards[comment.Shard].UserFromComment(ctx, chatID, ref.MessageID)
	if errors.Is(err, store.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "message is gone")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user)
}

// resolveChatID turns a parsed link into the store's chat id. Private links
// carry the bare internal id, which the network prefixes with -100.
func (s *Service) resolveChatID(ctx context.Context, ref tme.MessageRef) (int64, error) {
	if ref.ChatID != 0 {
		full, err := strconv.ParseInt("-100"+strconv.FormatInt(ref.ChatID, 10), 10, 64)
		if err != nil {
			return 0, echo.NewHTTPError(http.StatusBadRequest, "chat id out of range")
		}
		return full, nil
	}
	chat, err := s.dir.ChatByJoinString(ctx, ref.ChatName)
	if errors.Is(err, store.ErrNoRows) {
		return 0, echo.NewHTTPError(http.StatusNotFound, "unknown chat "+ref.ChatName)
	}
	if err != nil {
		return 0, err
	}
	return chat.ID, nil
}

func (s *Service) postByURL(c echo.Context) error {
	ref, err := tme.ParsePostURL(c.QueryParam("link"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	chat, err := s.dir.ChatByJoinString(ctx, ref.ChannelNick)
	if errors.Is(err, store.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown channel "+ref.ChannelNick)
	}
	if err != nil {
		return err
	}
	if int(chat.Shard) >= len(s.shards) {
		return errors.Errorf("chat names unknown shard %d", chat.Shard)
	}
	text, err := s.shards[chat.Shard].PostText(ctx, chat.ID, ref.PostID, chat.SessionIndex)
	if errors.Is(err, store.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "post is gone")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, text)
}

// DiscoverRequest is the body of POST /discover.
type DiscoverRequest struct {
	JoinString       string `json:"join_string"`
	IgnoreProtection bool   `json:"ignore_protection"`
}

func (s *Service) discover(c echo.Context) error {
	var req DiscoverRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.JoinString == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "join_string is required")
	}

	err := s.routeDiscover(c.Request().Context(), req.JoinString, req.IgnoreProtection)
	if errors.Is(err, engine.ErrAlreadyJoined) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// routeDiscover asks every shard for its load and hands the join to the
// least loaded one.
func (s *Service) routeDiscover(ctx context.Context, joinString string, ignoreProtection bool) error {
	if len(s.shards) == 0 {
		return errors.New("no shard endpoints configured")
	}

	counts := make([]int, len(s.shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range s.shards {
		i, shard := i, shard
		g.Go(func() error {
			count, err := shard.KnownChatsCount(gctx)
			if err != nil {
				return errors.Wrapf(err, "shard %d load", i)
			}
			counts[i] = count
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	target := 0
	for i, count := range counts {
		if count < counts[target] {
			target = i
		}
	}
	s.log.Info("routing discovery", "join_string", joinString, "shard", target, "load", counts[target])
	return s.shards[target].Discover(ctx, joinString, ignoreProtection)
}

// RemoveBotRequest is the body of POST /remove_bot.
type RemoveBotRequest struct {
	BotID int64 `json:"bot_id"`
}

func (s *Service) removeBot(c echo.Context) error {
	var req RemoveBotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.BotID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "bot_id is required")
	}
	if err := s.dir.MarkSessionBroken(c.Request().Context(), req.BotID); err != nil {
		return err
	}
	s.log.Warn("session marked broken", "id", req.BotID)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

const classifySampleSize = 5

func (s *Service) checkUser(c echo.Context) error {
	if s.classifier == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "classification is not configured")
	}
	userID, err := strconv.ParseInt(c.QueryParam("user_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id must be an integer")
	}
	ctx := c.Request().Context()

	info, err := s.userInfo(ctx, userID)
	if err != nil {
		return err
	}
	comments, err := s.dir.CommentsByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(comments) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "user has no comments")
	}

	// Oldest and newest comments bracket the user's lifetime.
	sample := comments
	if len(sample) > 2*classifySampleSize {
		sample = append(append([]store.Comment{}, comments[:classifySampleSize]...),
			comments[len(comments)-classifySampleSize:]...)
	}
	messages, err := s.fetchMessages(ctx, sample)
	if err != nil {
		return err
	}
	label, err := s.classifier.LabelUser(ctx, info, messages)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"user_id": userID, "verdict": label})
}
