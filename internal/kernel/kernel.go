// Package kernel wires the default plugin set from spec.md §4.12 —
// guard, toolset, loader, permissions, sandbox, channel, cluster
// (optional), logger, database — into an internal/pipeline.Manager and
// exposes {execute, getConfig, hasPlugin}. Grounded on cmd/pulse/main.go's
// wiring order (construct dependencies bottom-up, then hand them to a
// single top-level object that exposes the one entry point callers use).
package kernel

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/isorun/isorun/internal/channelbus"
	"github.com/isorun/isorun/internal/dbpool"
	"github.com/isorun/isorun/internal/models"
	"github.com/isorun/isorun/internal/permission"
	"github.com/isorun/isorun/internal/pipeline"
	"github.com/isorun/isorun/internal/rpcbridge"
	"github.com/isorun/isorun/internal/tools"
	"github.com/isorun/isorun/internal/worker"
)

var componentLog = log.With().Str("component", "kernel").Logger()

// Cluster is the subset of internal/cluster.Cluster the kernel needs,
// kept as an interface so the "cluster" plugin stays genuinely optional
// (spec.md §4.12) without importing internal/cluster when unused.
type Cluster interface {
	Run(ctx context.Context, packet models.Packet, timeoutMs int, internal *tools.Internal) models.Output
}

// Config holds the named defaults from spec.md §4.12.
type Config struct {
	MaxSize      int
	Timeout      time.Duration
	EnvWhitelist []string
	Strict       bool
}

// DefaultConfig returns maxSize=100_000, timeout=3_000ms, envWhitelist=["PUBLIC_*"].
func DefaultConfig() Config {
	return Config{
		MaxSize:      100_000,
		Timeout:      3_000 * time.Millisecond,
		EnvWhitelist: []string{"PUBLIC_*"},
	}
}

// Deps are the kernel's external collaborators; Cluster, Bus, RPC, and DB
// are all individually optional — a nil means the corresponding plugin
// degrades to the in-process, tool-free behavior spec.md §4.12 implies by
// calling cluster "(optional)" and treating channel/database as tools,
// not hard requirements.
type Deps struct {
	Driver  worker.Driver
	Cluster Cluster
	Bus     *channelbus.Bus
	RPC     *rpcbridge.Bridge
	DB      *dbpool.Pool
	Tools   *tools.Registry
}

// Kernel is the top-level object cmd/isorun wires into the HTTP entry.
type Kernel struct {
	cfg     Config
	deps    Deps
	manager *pipeline.Manager
}

// New builds the default plugin set and wires it into a pipeline.Manager.
func New(cfg Config, deps Deps) (*Kernel, error) {
	if cfg.MaxSize <= 0 {
		cfg = DefaultConfig()
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry()
	}
	if deps.Bus == nil {
		deps.Bus = channelbus.New()
	}
	if deps.RPC == nil {
		deps.RPC = rpcbridge.New()
	}

	k := &Kernel{cfg: cfg, deps: deps}
	m, err := pipeline.NewManager(k.defaultPlugins())
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	k.manager = m
	return k, nil
}

// GetConfig returns the kernel's effective configuration.
func (k *Kernel) GetConfig() Config { return k.cfg }

// HasPlugin reports whether a plugin is wired into this kernel's manager.
func (k *Kernel) HasPlugin(name string) bool { return k.manager.HasPlugin(name) }

// Execute runs a request through the full pipeline and always returns a
// well-formed Output (spec.md §4.13: sandbox never throws).
func (k *Kernel) Execute(ctx context.Context, req models.Request) models.Output {
	return k.manager.Execute(ctx, req)
}

func (k *Kernel) defaultPlugins() []pipeline.Plugin {
	return []pipeline.Plugin{
		guardPlugin(k.cfg),
		toolsetPlugin(k.deps.Tools),
		permissionsPlugin(k.cfg, k.deps.Tools),
		loaderPlugin(k.cfg.EnvWhitelist),
		sandboxPlugin(k),
		channelPlugin(k.deps.Bus),
		databasePlugin(k.deps.DB),
		loggerPlugin(),
	}
}

// guardPlugin rejects non-object requests, non-string code, oversized
// code, and non-string entry (spec.md §4.13).
func guardPlugin(cfg Config) pipeline.Plugin {
	return pipeline.Plugin{
		Name:     "guard",
		Required: true,
		Setup: func(m *pipeline.Manager) {
			m.OnValidate(func(ctx context.Context, pctx pipeline.Context) (pipeline.Context, error) {
				req := pctx.Request
				if req.Code == "" {
					return pctx, &pipeline.StageError{Name: models.ErrNameValidationError, Message: "code is required"}
				}
				if len(req.Code) > cfg.MaxSize {
					return pctx, &pipeline.StageError{Name: models.ErrNamePayloadTooLarge, Message: fmt.Sprintf("code exceeds maxSize (%d)", cfg.MaxSize)}
				}
				// entry/code are already statically typed as string by
				// models.Request; spec.md's "non-string entry" guard is
				// enforced for us at the JSON-decode boundary in internal/api.
				return pctx.WithValue("guarded", true), nil
			})
		},
	}
}

// toolsetPlugin resolves the request's tool list against the registry
// during load, stashing it for loader/sandbox to install.
func toolsetPlugin(registry *tools.Registry) pipeline.Plugin {
	return pipeline.Plugin{
		Name: "toolset",
		Post: []string{"guard"},
		Setup: func(m *pipeline.Manager) {
			m.OnLoad(func(ctx context.Context, pctx pipeline.Context) (pipeline.Context, error) {
				resolved := registry.Extract(pctx.Request.Tools)
				return pctx.WithValue("resolvedTools", resolved), nil
			})
		},
	}
}

// permissionsPlugin normalizes the request's permission set, merges in
// each resolved tool's declared permissions, and validates (warn-only).
func permissionsPlugin(cfg Config, registry *tools.Registry) pipeline.Plugin {
	return pipeline.Plugin{
		Name: "permissions",
		Post: []string{"toolset"},
		Setup: func(m *pipeline.Manager) {
			m.OnLoad(func(ctx context.Context, pctx pipeline.Context) (pipeline.Context, error) {
				merged := permission.Normalize(pctx.Request.Permissions)
				if resolved, ok := pctx.Values["resolvedTools"].([]tools.Resolved); ok {
					for _, r := range resolved {
						if r.Tool.Permissions == nil {
							continue
						}
						grant := r.Tool.Permissions(&tools.Internal{}, r.Config)
						merged = permission.Merge(merged, grant)
					}
				}
				permission.Validate(merged, cfg.Strict)
				pctx.Permissions = merged
				return pctx, nil
			})
		},
	}
}

// loaderPlugin materializes the request into a Packet: a data URL
// encoding the code, plus resolved env globals (spec.md §4 loading step).
func loaderPlugin(envWhitelist []string) pipeline.Plugin {
	return pipeline.Plugin{
		Name: "loader",
		Post: []string{"permissions"},
		Setup: func(m *pipeline.Manager) {
			m.OnLoad(func(ctx context.Context, pctx pipeline.Context) (pipeline.Context, error) {
				req := pctx.Request
				envGlobals := permission.Resolve(pctx.Permissions, envWhitelist, os.LookupEnv)
				globals := make(map[string]any, len(envGlobals))
				for k, v := range envGlobals {
					globals[k] = v
				}
				resolved, _ := pctx.Values["resolvedTools"].([]tools.Resolved)
				names := make([]string, 0, len(resolved))
				configs := make(map[string]any, len(resolved))
				for _, r := range resolved {
					names = append(names, r.Tool.Name)
					configs[r.Tool.Name] = r.Config
				}

				pctx.Packet = models.Packet{
					Code:    req.Code,
					Input:   req.Input,
					Entry:   req.EffectiveEntry(),
					URL:     dataURL(req.Code),
					Globals: globals,
					Context: &models.PacketContext{Names: names, Configs: configs},
				}
				return pctx, nil
			})
		},
	}
}

func dataURL(code string) string {
	return "data:text/javascript;base64," + base64.StdEncoding.EncodeToString([]byte(code))
}

// sandboxPlugin executes the packet: through the cluster if wired,
// otherwise against one ephemeral in-process worker (spec.md §4.13:
// "sandbox always returns an Output, never throws").
func sandboxPlugin(k *Kernel) pipeline.Plugin {
	return pipeline.Plugin{
		Name: "sandbox",
		Post: []string{"loader"},
		Setup: func(m *pipeline.Manager) {
			m.OnExecute(func(ctx context.Context, pctx pipeline.Context) (pipeline.Context, error) {
				workerID := uuid.New().String()
				internal := &tools.Internal{
					WorkerID: workerID,
					Bus:      k.deps.Bus,
					RPC:      k.deps.RPC,
					DB:       k.deps.DB,
					Limits:   tools.DefaultLimits(),
				}

				timeoutMs := int(pctx.Request.EffectiveTimeout(k.cfg.Timeout).Milliseconds())

				if k.deps.Cluster != nil {
					out := k.deps.Cluster.Run(ctx, pctx.Packet, timeoutMs, internal)
					pctx.Output = &out
					return pctx, nil
				}

				driver := k.deps.Driver
				if driver == nil {
					driver = worker.InProcessDriver{}
				}
				iso, err := driver.Spawn(workerID)
				if err != nil {
					out := models.ExceptionOutput(models.ErrNameClusterError, err.Error(), 0)
					pctx.Output = &out
					return pctx, nil
				}
				defer iso.Kill()

				resolved, _ := pctx.Values["resolvedTools"].([]tools.Resolved)
				if proc, ok := iso.(worker.ScopeProvider); ok {
					_ = tools.Install(proc.ScopeValue(), internal, resolved)
					defer tools.Teardown(proc.ScopeValue(), internal, resolved)
				}

				out := iso.Run(ctx, pctx.Packet, timeoutMs, internal)
				pctx.Output = &out
				return pctx, nil
			})
		},
	}
}

// channelPlugin is a marker plugin: the channel tool (internal/tools)
// does the actual bus registration at install time, so this only records
// that channel support is wired for HasPlugin callers.
func channelPlugin(bus *channelbus.Bus) pipeline.Plugin {
	return pipeline.Plugin{Name: "channel", Post: []string{"sandbox"}, Setup: func(m *pipeline.Manager) {}}
}

// databasePlugin is a marker plugin mirroring channelPlugin: the db tool
// does the actual pool leasing at install time.
func databasePlugin(pool *dbpool.Pool) pipeline.Plugin {
	return pipeline.Plugin{Name: "database", Post: []string{"sandbox"}, Setup: func(m *pipeline.Manager) {}}
}

// loggerPlugin logs a structured summary of every response (spec.md's
// `audit` diagnostic: "log tool/permission/duration on each response").
func loggerPlugin() pipeline.Plugin {
	return pipeline.Plugin{
		Name: "logger",
		Post: []string{"sandbox"},
		Setup: func(m *pipeline.Manager) {
			m.OnFormat(func(ctx context.Context, pctx pipeline.Context) (pipeline.Context, error) {
				if pctx.Output != nil {
					var toolNames []string
					if pctx.Packet.Context != nil {
						toolNames = pctx.Packet.Context.Names
					}
					componentLog.Info().
						Strs("tools", toolNames).
						Interface("permissions", pctx.Permissions).
						Bool("ok", pctx.Output.OK).
						Int64("duration_ms", pctx.Output.Duration).
						Int("log_count", len(pctx.Output.Logs)).
						Msg("request completed")
				}
				return pctx, nil
			})
		},
	}
}
