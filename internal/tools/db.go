package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/isorun/isorun/internal/dbpool"
	"github.com/isorun/isorun/internal/models"
	"github.com/isorun/isorun/internal/rpcbridge"
	"github.com/isorun/isorun/internal/scope"
)

// DBConfig is the per-request config for the db tool: which connection URL
// to lease from the pool. A zero-value config is rejected at Setup.
type DBConfig struct {
	URL string
}

func asDBConfig(config any) (DBConfig, error) {
	switch c := config.(type) {
	case DBConfig:
		return c, nil
	case map[string]any:
		url, _ := c["url"].(string)
		if url == "" {
			return DBConfig{}, fmt.Errorf("db: config.url is required")
		}
		return DBConfig{URL: url}, nil
	default:
		return DBConfig{}, fmt.Errorf("db: tool requires a config with a url")
	}
}

// DBTool registers db.query/db.exec/db.begin/db.commit/db.rollback handlers
// on the RPC bridge (spec.md §4.7), each routed to the connection leased
// from internal/dbpool for this request's config.url, resolving spec.md §9
// Open Question #1 (transactions, wired rather than omitted). Inside the
// isolate the tool injects only __dbURL; it installs no isolate-side
// function that calls those handlers.
// Declares net+env permissions since the concrete driver dials out and
// reads connection-string environment in practice; grounded on
// internal/ai/tools' per-tool declared-permissions callback.
func DBTool() Tool {
	return Tool{
		Name: "db",
		Setup: func(s *scope.Scope, internal *Internal, config any) error {
			cfg, err := asDBConfig(config)
			if err != nil {
				return err
			}
			if internal.DB == nil || internal.RPC == nil {
				return fmt.Errorf("db: pool or rpc bridge not wired into this deployment")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err = internal.DB.Get(ctx, cfg.URL)
			cancel()
			if err != nil {
				return fmt.Errorf("db: lease connection: %w", err)
			}

			method := func(name string, handler rpcbridge.Handler) {
				internal.RPC.RegisterHandler(internal.WorkerID+":"+name, handler)
			}

			method("db.query", func(ctx context.Context, args any) (any, error) {
				conn, err := internal.DB.Get(ctx, cfg.URL)
				if err != nil {
					return nil, &rpcbridge.RPCError{Name: models.ErrNameRPCError, Message: err.Error()}
				}
				defer internal.DB.Release(cfg.URL)
				q, ok := conn.(interface {
					Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
				})
				if !ok {
					return nil, &rpcbridge.RPCError{Name: models.ErrNameRPCError, Message: "connection does not support query"}
				}
				query, params := queryArgs(args)
				return q.Query(ctx, query, params...)
			})

			method("db.exec", func(ctx context.Context, args any) (any, error) {
				conn, err := internal.DB.Get(ctx, cfg.URL)
				if err != nil {
					return nil, &rpcbridge.RPCError{Name: models.ErrNameRPCError, Message: err.Error()}
				}
				defer internal.DB.Release(cfg.URL)
				e, ok := conn.(interface {
					Exec(ctx context.Context, query string, args ...any) (int64, error)
				})
				if !ok {
					return nil, &rpcbridge.RPCError{Name: models.ErrNameRPCError, Message: "connection does not support exec"}
				}
				query, params := queryArgs(args)
				return e.Exec(ctx, query, params...)
			})

			method("db.begin", func(ctx context.Context, args any) (any, error) {
				id, err := internal.DB.Begin(ctx, cfg.URL)
				if err != nil {
					return nil, &rpcbridge.RPCError{Name: models.ErrNameRPCError, Message: err.Error()}
				}
				return id, nil
			})
			method("db.commit", func(ctx context.Context, args any) (any, error) {
				if err := internal.DB.Commit(cfg.URL); err != nil {
					return nil, &rpcbridge.RPCError{Name: models.ErrNameRPCError, Message: err.Error()}
				}
				return true, nil
			})
			method("db.rollback", func(ctx context.Context, args any) (any, error) {
				if err := internal.DB.Rollback(cfg.URL); err != nil {
					return nil, &rpcbridge.RPCError{Name: models.ErrNameRPCError, Message: err.Error()}
				}
				return true, nil
			})

			return s.Inject("__dbURL", cfg.URL)
		},
		Teardown: func(s *scope.Scope, internal *Internal) error {
			if internal.DB != nil {
				internal.DB.Release(dbURLFromScope(s))
			}
			s.ForceDelete("__dbURL")
			return nil
		},
		Permissions: func(internal *Internal, config any) *models.PermissionSet {
			return &models.PermissionSet{
				Grant: map[models.CapKind]models.Grant{
					models.CapNet: {Blanket: true, Allow: true},
					models.CapEnv: {Blanket: true, Allow: true},
				},
			}
		},
	}
}

// queryArgs normalizes an RPC args payload of shape {query, params} into
// a query string and positional parameter list.
func queryArgs(args any) (string, []any) {
	m, ok := args.(map[string]any)
	if !ok {
		return "", nil
	}
	query, _ := m["query"].(string)
	params, _ := m["params"].([]any)
	return query, params
}

// dbURLFromScope recovers the lease key stashed at Setup time, since
// Teardown only receives the scope, not the original config.
func dbURLFromScope(s *scope.Scope) string {
	v := s.Runtime().GlobalObject().Get("__dbURL")
	if v == nil {
		return ""
	}
	return v.String()
}
