// Setup helps initialize applications: it wires configuration into the
// full render stack so the server and scheduler binaries build the same
// components the same way.
package setup

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/canopus-hq/docforge/auth"
	"github.com/canopus-hq/docforge/config"
	"github.com/canopus-hq/docforge/convert"
	"github.com/canopus-hq/docforge/merge"
	"github.com/canopus-hq/docforge/platform"
	"github.com/canopus-hq/docforge/renderer"
	"github.com/canopus-hq/docforge/scheduler"
	"github.com/canopus-hq/docforge/templatecache"
)

// A Stack is the fully wired render machinery shared by both binaries.
type Stack struct {
	Tokens    *auth.Manager
	Platform  *platform.Client
	Cache     *templatecache.Cache
	Pool      *convert.Pool
	Renderer  *renderer.Renderer
	Scheduler *scheduler.Scheduler
	Logger    *zap.Logger
}

// Logger builds the process logger. DOCFORGE_DEBUG switches to development
// output.
func Logger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Build wires every component from settings. It fails fast on anything that
// would make the stack unusable at runtime: a missing platform URL or an
// unusable token strategy.
func Build(cfg *config.Settings, logger *zap.Logger) (*Stack, error) {
	if cfg.PlatformURL == "" {
		return nil, fmt.Errorf("setup: no platform URL configured")
	}
	tokens, err := auth.NewManager(auth.Config{
		TokenURL:      cfg.TokenURL,
		ClientID:      cfg.ClientID,
		RefreshToken:  cfg.RefreshToken,
		PrivateKeyPEM: cfg.PrivateKeyPEM,
		Principal:     cfg.Principal,
	}, logger)
	if err != nil {
		return nil, err
	}

	client := platform.NewClient(cfg.PlatformURL, tokens, logger)
	cache := templatecache.New(cfg.CacheMaxBytes, client.Templates, logger)
	pool := convert.NewPool(convert.Options{
		Slots:   cfg.ConvertSlots,
		Binary:  cfg.ConverterBinary,
		Args:    cfg.ConverterArgs,
		Timeout: cfg.ConvertTimeout,
		WorkDir: cfg.ConvertWorkDir,
		Logger:  logger,
	})

	r := &renderer.Renderer{
		Templates:    cache,
		Merger:       merge.NewCommand(cfg.MergeBinary, logger),
		Converter:    pool,
		Concatenator: &renderer.PDFConcatenator{SectionBreaks: true},
		Files:        client.Files,
		Links:        client.Links,
		Reuse:        client.Jobs,
		RelationKeys: cfg.RelationKeys,
		HashWindow:   cfg.HashRecencyWindow,
		Logger:       logger,
	}

	sched := scheduler.New(client.Jobs, r, scheduler.Options{
		ActiveInterval: cfg.ActiveInterval,
		IdleInterval:   cfg.IdleInterval,
		BatchSize:      cfg.BatchSize,
		MaxConcurrency: cfg.MaxConcurrency,
		LockTTL:        cfg.LockTTL,
		MaxAttempts:    uint8(cfg.MaxAttempts),
		Logger:         logger,
	})

	return &Stack{
		Tokens:    tokens,
		Platform:  client,
		Cache:     cache,
		Pool:      pool,
		Renderer:  r,
		Scheduler: sched,
		Logger:    logger,
	}, nil
}
