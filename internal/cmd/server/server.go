// Package server parses server command flags and starts the platform
// runtime: the lobby port, the game port, and the tick loop behind them.
package server

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	accsqlite "github.com/louisbranch/gamehall/internal/account/sqlite"
	"github.com/louisbranch/gamehall/internal/game"
	gamelua "github.com/louisbranch/gamehall/internal/game/lua"
	"github.com/louisbranch/gamehall/internal/gamehost"
	"github.com/louisbranch/gamehall/internal/handoff"
	"github.com/louisbranch/gamehall/internal/lobby"
	"github.com/louisbranch/gamehall/internal/packages"
	pkgsqlite "github.com/louisbranch/gamehall/internal/packages/sqlite"
	entrypoint "github.com/louisbranch/gamehall/internal/platform/cmd"
	"github.com/louisbranch/gamehall/internal/room"
	"github.com/louisbranch/gamehall/internal/session"
)

// Config holds server command configuration.
type Config struct {
	Port            int           `env:"GAMEHALL_PORT" envDefault:"10002"`
	Addr            string        `env:"GAMEHALL_ADDR"`
	GamePort        int           `env:"GAMEHALL_GAME_PORT" envDefault:"33003"`
	DataDir         string        `env:"GAMEHALL_DATA_DIR" envDefault:"data"`
	HandoffKey      string        `env:"GAMEHALL_HANDOFF_KEY"`
	AllowedUsers    []string      `env:"GAMEHALL_ALLOWED_USERS"`
	HeartbeatWindow time.Duration `env:"GAMEHALL_HEARTBEAT_WINDOW" envDefault:"1m"`
	TickInterval    time.Duration `env:"GAMEHALL_TICK_INTERVAL" envDefault:"33ms"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The lobby port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The lobby listen address (overrides -port)")
	fs.IntVar(&cfg.GamePort, "game-port", cfg.GamePort, "The game traffic port")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for databases and package blobs")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the platform and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceServer, func(ctx context.Context) error {
		return run(ctx, cfg)
	})
}

func run(ctx context.Context, cfg Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	accounts, err := accsqlite.Open(filepath.Join(cfg.DataDir, "accounts.db"))
	if err != nil {
		return fmt.Errorf("open account store: %w", err)
	}
	defer accounts.Close()

	index, err := pkgsqlite.Open(filepath.Join(cfg.DataDir, "packages.db"))
	if err != nil {
		return fmt.Errorf("open package index: %w", err)
	}
	defer index.Close()

	registry, err := packages.NewRegistry(filepath.Join(cfg.DataDir, "blobs"), index)
	if err != nil {
		return fmt.Errorf("create package registry: %w", err)
	}

	key := []byte(cfg.HandoffKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate handoff key: %w", err)
		}
		log.Print("GAMEHALL_HANDOFF_KEY not set, using an ephemeral key; tokens will not survive a restart")
	}
	signer, err := handoff.NewSigner(key, handoff.DefaultTTL)
	if err != nil {
		return fmt.Errorf("create handoff signer: %w", err)
	}

	mux, err := gamehost.NewMux(signer, moduleResolver(registry), nil, cfg.TickInterval)
	if err != nil {
		return fmt.Errorf("create game host: %w", err)
	}
	rooms, err := room.NewManager(mux, signer)
	if err != nil {
		return fmt.Errorf("create room manager: %w", err)
	}
	mux.SetCloser(rooms)

	sessions, err := session.NewRegistry(accounts, cfg.AllowedUsers)
	if err != nil {
		return fmt.Errorf("create session registry: %w", err)
	}
	lobbyServer, err := lobby.NewServer(accounts, sessions, rooms, registry, cfg.GamePort)
	if err != nil {
		return fmt.Errorf("create lobby: %w", err)
	}

	lobbyAddr := cfg.Addr
	if lobbyAddr == "" {
		lobbyAddr = fmt.Sprintf(":%d", cfg.Port)
	}
	lobbyListener, err := net.Listen("tcp", lobbyAddr)
	if err != nil {
		return fmt.Errorf("listen on lobby port: %w", err)
	}
	gameListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GamePort))
	if err != nil {
		lobbyListener.Close()
		return fmt.Errorf("listen on game port: %w", err)
	}
	log.Printf("lobby listening on %s, game traffic on %s", lobbyListener.Addr(), gameListener.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lobbyServer.Serve(ctx, lobbyListener) })
	g.Go(func() error { return mux.Serve(ctx, gameListener) })
	g.Go(func() error { return mux.Run(ctx) })
	g.Go(func() error { return expireIdleSessions(ctx, sessions, cfg.HeartbeatWindow) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// expireIdleSessions drops sessions that stopped heartbeating.
func expireIdleSessions(ctx context.Context, sessions *session.Registry, window time.Duration) error {
	if window <= 0 {
		window = time.Minute
	}
	ticker := time.NewTicker(window / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if dropped := sessions.ExpireIdle(window); dropped > 0 {
				log.Printf("expired %d idle session(s)", dropped)
			}
		}
	}
}

// moduleResolver loads Lua game modules from the package registry, caching
// compiled modules per exact version. Package versions are immutable, so a
// cache hit can never serve stale code.
func moduleResolver(registry *packages.Registry) game.Resolver {
	var mu sync.Mutex
	cache := make(map[string]game.Module)

	return game.ResolverFunc(func(ctx context.Context, name string, version int64) (game.Module, error) {
		info, payload, err := registry.Fetch(ctx, name, version)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("%s@%d", info.Name, info.Version)

		mu.Lock()
		defer mu.Unlock()
		if module, ok := cache[key]; ok {
			return module, nil
		}
		module, err := gamelua.LoadModule(info.Name, payload)
		if err != nil {
			return nil, err
		}
		cache[key] = module
		return module, nil
	})
}
