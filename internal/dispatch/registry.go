package dispatch

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/internal/queue"
	"github.com/Aidin1998/crossqueue/internal/router"
	"github.com/Aidin1998/crossqueue/pkg/errors"
)

// Registry resolves an island to its dispatch context: a local Instance
// when this process owns the island, otherwise the Router.
type Registry struct {
	router *router.Router
	logger *zap.Logger

	mu    sync.RWMutex
	local map[int]*Instance
}

// NewRegistry creates an empty registry. rt may be nil when every island is
// local.
func NewRegistry(rt *router.Router, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		router: rt,
		logger: logger.Named("registry"),
		local:  make(map[int]*Instance),
	}
}

// Register adds a locally owned instance.
func (r *Registry) Register(in *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.local[in.Island()]; ok {
		return errors.Invalid.Explain("island %d is already registered", in.Island())
	}
	r.local[in.Island()] = in
	return nil
}

// Instance returns the local instance for island.
func (r *Registry) Instance(island int) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.local[island]
	return in, ok
}

// Islands returns the locally owned islands in ascending order.
func (r *Registry) Islands() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.local))
	for island := range r.local {
		out = append(out, island)
	}
	sort.Ints(out)
	return out
}

// Default returns the lowest numbered local instance. Front-ends bound to a
// single island use it.
func (r *Registry) Default() (*Instance, bool) {
	islands := r.Islands()
	if len(islands) == 0 {
		return nil, false
	}
	return r.Instance(islands[0])
}

// Start launches the loops of every local instance.
func (r *Registry) Start(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, in := range r.local {
		in.Start(ctx)
	}
}

// Close stops every local instance.
func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, in := range r.local {
		in.Close()
	}
}

// InjectOutcome reports how an injection was handled.
type InjectOutcome struct {
	// Request is set when the island is local.
	Request *queue.Request
	Routed  bool
	Ack     router.Ack
}

// Inject queues an injection on a local island or routes it to the process
// owning the island. Routed injections need an explicit slot.
func (r *Registry) Inject(ctx context.Context, island int, origin queue.Origin, payload queue.InjectionPayload) (InjectOutcome, error) {
	if in, ok := r.Instance(island); ok {
		req, err := in.SubmitInjection(origin, payload)
		if err != nil {
			return InjectOutcome{}, err
		}
		return InjectOutcome{Request: req}, nil
	}
	if r.router == nil {
		return InjectOutcome{}, errors.UnknownResource.Explain("island %d is not served here", island)
	}
	if payload.Identity == "" {
		return InjectOutcome{}, errors.InvalidIdentity.Explain("%s is not a valid internal villager name", payload.DisplayName)
	}
	if payload.Slot < 0 || payload.Slot >= queue.DefaultSlotCount {
		return InjectOutcome{}, errors.Invalid.Explain("%d is not a valid villager index (0-%d)", payload.Slot, queue.DefaultSlotCount-1)
	}
	ack, err := r.router.Route(ctx, island, router.InjectVillager(payload.Slot, payload.Identity, payload.Flags))
	if err != nil {
		return InjectOutcome{Routed: true, Ack: ack}, err
	}
	r.logger.Info("injection routed",
		zap.Int("island", island),
		zap.String("villager", payload.Identity),
		zap.Int("slot", payload.Slot),
		zap.String("by", origin.Identity()))
	return InjectOutcome{Routed: true, Ack: ack}, nil
}

// RemoteOrigin tags requests that arrived over the control plane.
var RemoteOrigin = queue.Origin{FrontEnd: "control", UserID: "router", DisplayName: "router"}

// Handler returns the control-plane handler for a local island, so a worker
// process accepts routed commands into its own queues.
func (r *Registry) Handler(island int) router.Handler {
	return router.HandlerFunc(func(ctx context.Context, cmd router.Command) (string, error) {
		return r.HandleCommand(ctx, island, cmd)
	})
}

// HandleCommand applies a routed command to the local instance of island.
func (r *Registry) HandleCommand(_ context.Context, island int, cmd router.Command) (string, error) {
	in, ok := r.Instance(island)
	if !ok {
		return "", errors.UnknownResource.Explain("island %d is not served here", island)
	}
	switch cmd.Op {
	case router.OpInjectVillager:
		args, err := router.ParseInjectVillager(cmd)
		if err != nil {
			return "", err
		}
		name := args.Flags["name"]
		if name == "" {
			name = args.Identity
		}
		req, err := in.SubmitInjection(RemoteOrigin, queue.InjectionPayload{
			Slot:        args.Slot,
			Identity:    args.Identity,
			DisplayName: name,
			Flags:       args.Flags,
		})
		if err != nil {
			return "", err
		}
		return name + " queued at Index " + strconv.Itoa(req.Injection.Slot) + " as request " + req.ID.String(), nil
	case "ping":
		return "pong", nil
	default:
		return "", errors.Invalid.Explain("unsupported command %q", cmd.Op)
	}
}
