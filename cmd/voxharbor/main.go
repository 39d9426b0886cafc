package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/voxharbor/voxharbor/chatnet"
	"github.com/voxharbor/voxharbor/classify"
	"github.com/voxharbor/voxharbor/engine"
	"github.com/voxharbor/voxharbor/internal/logsink"
	"github.com/voxharbor/voxharbor/internal/profile"
	"github.com/voxharbor/voxharbor/internal/version"
	"github.com/voxharbor/voxharbor/server/controller"
	"github.com/voxharbor/voxharbor/server/shard"
	"github.com/voxharbor/voxharbor/store"
)

const shutdownTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:   "voxharbor",
	Short: "A sharded crawler and retrieval service for a public chat network.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Ignore a missing .env; deployments pass real environment variables.
		_ = godotenv.Load()
		return nil
	},
}

var shardCmd = &cobra.Command{
	Use:   "shard",
	Short: "Run one crawler shard: session fleet, backfill, tracker and the shard RPC server.",
	Run:   runShard,
}

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the controller: the fleet-facing API that fans queries out across shards.",
	Run:   runController,
}

func runShard(cmd *cobra.Command, _ []string) {
	p, err := buildProfile(cmd)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, p)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	log, sink := newLogger(ctx, st, p)
	log = log.With("shard", p.ShardNum)
	log.Info("starting shard", "version", p.Version, "mode", string(p.Mode))

	dialer, err := chatnet.Driver(p.ChatNetDriver)
	if err != nil {
		log.Error("failed to pick chat network driver", "err", err)
		os.Exit(1)
	}

	eng, err := engine.New(ctx, st, dialer, p, log)
	if err != nil {
		log.Error("failed to build engine", "err", err)
		os.Exit(1)
	}
	if err := eng.Start(ctx); err != nil {
		log.Error("failed to start engine", "err", err)
		os.Exit(1)
	}

	svc := shard.New(eng.Pool, p, log)
	go func() {
		if err := svc.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("shard server stopped", "err", err)
			cancel()
		}
	}()
	go func() {
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("engine stopped", "err", err)
			cancel()
		}
	}()

	waitForTermination(ctx, log)

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn("shard server shutdown", "err", err)
	}
	eng.Stop(shutdownCtx)
	cancel()
	if sink != nil {
		sink.Wait()
	}
}

func runController(cmd *cobra.Command, _ []string) {
	p, err := buildProfile(cmd)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if len(p.ShardEndpoints) == 0 {
		slog.Error("SHARD_ENDPOINTS is required for the controller")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, p)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	log, sink := newLogger(ctx, st, p)
	log.Info("starting controller", "version", p.Version, "shards", len(p.ShardEndpoints))

	var classifier controller.UserClassifier
	if p.OpenAIAPIKey != "" {
		classifier = classify.New(p.OpenAIAPIKey, p.OpenAIModel)
	}

	svc := controller.New(st, controller.NewShardClients(p.ShardEndpoints), classifier, p, log)
	go svc.AutoDiscover(ctx)
	go func() {
		if err := svc.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("controller server stopped", "err", err)
			cancel()
		}
	}()

	waitForTermination(ctx, log)

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn("controller shutdown", "err", err)
	}
	cancel()
	if sink != nil {
		sink.Wait()
	}
}

// buildProfile reads the environment, then lets explicitly passed flags win.
func buildProfile(cmd *cobra.Command) (*profile.Profile, error) {
	p := &profile.Profile{Version: version.String()}
	p.FromEnv()

	if cmd.Flags().Changed("mode") {
		p.Mode = profile.Mode(strings.ToUpper(viper.GetString("mode")))
	}
	if cmd.Flags().Changed("shard-num") {
		p.ShardNum = viper.GetInt("shard-num")
	}
	if cmd.Flags().Changed("shard-port") {
		p.ShardPort = viper.GetInt("shard-port")
	}
	if cmd.Flags().Changed("controller-port") {
		p.ControllerPort = viper.GetInt("controller-port")
	}
	if cmd.Flags().Changed("read-only") {
		p.ReadOnly = viper.GetBool("read-only")
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// newLogger builds the process logger: stderr text always, plus the store
// sink when LOG_TO_STORE is on. The returned handler is nil when the sink is
// disabled.
func newLogger(ctx context.Context, st *store.Store, p *profile.Profile) (*slog.Logger, *logsink.Handler) {
	text := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	if !p.LogToStore {
		return slog.New(text), nil
	}
	sink := logsink.New(st, p.ShardNum, slog.LevelInfo)
	go sink.Run(ctx)
	return slog.New(logsink.Fanout{text, sink}), sink
}

// waitForTermination blocks until SIGINT/SIGTERM or until a component dies.
func waitForTermination(ctx context.Context, log *slog.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, terminationSignals...)
	select {
	case sig := <-c:
		log.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}
}

func init() {
	viper.SetDefault("mode", "PROD")
	viper.SetDefault("shard-num", 0)
	viper.SetDefault("shard-port", 8001)
	viper.SetDefault("controller-port", 8002)
	viper.SetDefault("read-only", false)

	rootCmd.PersistentFlags().String("mode", "PROD", `session table mode, one of "PROD", "DEV_1", "DEV_2"`)
	rootCmd.PersistentFlags().Int("shard-num", 0, "index of this shard in the fleet")
	rootCmd.PersistentFlags().Int("shard-port", 8001, "shard RPC port")
	rootCmd.PersistentFlags().Int("controller-port", 8002, "controller API port")
	rootCmd.PersistentFlags().Bool("read-only", false, "disable writes and auto-discovery")

	for _, name := range []string{"mode", "shard-num", "shard-port", "controller-port", "read-only"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(shardCmd, controllerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
