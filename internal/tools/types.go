// Package tools implements the tool registry from spec.md §4.3: turning a
// request's tools: ToolSpec[] into an ordered list of Tool objects,
// installing/tearing them down against a request's Scope. Grounded on
// internal/ai/tools/{registry.go,executor.go}'s ordered-registration and
// per-capability-availability style.
package tools

import (
	"github.com/rs/zerolog/log"

	"github.com/isorun/isorun/internal/channelbus"
	"github.com/isorun/isorun/internal/dbpool"
	"github.com/isorun/isorun/internal/models"
	"github.com/isorun/isorun/internal/rpcbridge"
	"github.com/isorun/isorun/internal/scope"
)

var componentChannelLog = log.With().Str("component", "tools.channel").Logger()
var componentDBLog = log.With().Str("component", "tools.db").Logger()

// Internal is the host-side context a tool's Setup/Teardown can reach:
// the channel bus for cross-isolate pub/sub, the RPC bridge for routing
// calls back out to the host (used by db), and the DB pool itself.
type Internal struct {
	WorkerID string
	Bus      *channelbus.Bus
	RPC      *rpcbridge.Bridge
	DB       *dbpool.Pool
	Limits   Limits

	// channelFlush is set by ChannelTool's Setup, cleared by its Teardown.
	// The worker driver calls it between a packet's turns to dispatch
	// queued channel messages into this isolate's JS listeners.
	channelFlush func()
}

// FlushChannelEvents dispatches any channel messages queued for this
// isolate since the last flush. A no-op if the channel tool isn't
// installed for this request.
func (in *Internal) FlushChannelEvents() {
	if in.channelFlush != nil {
		in.channelFlush()
	}
}

// Limits bounds the capability surfaces exposed to user code. The kernel
// always installs DefaultLimits(); no config option overrides them.
type Limits struct {
	CryptoByteCap      int // per-call getRandomValues cap
	CryptoCallCap      int // per-tool call counter before overflow
	ChannelListenerCap int // per-scope listener registration cap
	ChannelQueueCap     int
}

// DefaultLimits mirrors the numbers named in spec.md §4.3/§4.6.
func DefaultLimits() Limits {
	return Limits{
		CryptoByteCap:      65536,
		CryptoCallCap:      1000,
		ChannelListenerCap: 256,
		ChannelQueueCap:     100,
	}
}

// Tool is the spec.md §3 Tool record: a named integration installed into a
// scope at request time, with its own capability declaration.
type Tool struct {
	Name       string
	Setup      func(s *scope.Scope, internal *Internal, config any) error
	Teardown   func(s *scope.Scope, internal *Internal) error
	Permissions func(internal *Internal, config any) *models.PermissionSet
}

// Resolved is a tool paired with the config extracted for this request.
type Resolved struct {
	Tool   Tool
	Config any
}
