package routing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/compiler-explorer/compile-bridge/core/infra/config"
	"github.com/compiler-explorer/compile-bridge/core/infra/logging"
)

// Kind distinguishes queue destinations from direct endpoints.
type Kind string

const (
	KindQueue Kind = "queue"
	KindURL   Kind = "url"

	// orderingSuffix marks a queue as FIFO within its color group.
	orderingSuffix = ".fifo"

	defaultColorTTL = 30 * time.Second
)

// Destination is the outcome of a route resolution.
type Destination struct {
	Kind        Kind
	Target      string
	Environment string
	// Legacy marks a resolution that fell back to a bare (non
	// environment-prefixed) routing entry.
	Legacy bool
}

// Resolver maps compiler identifiers to destinations. Every outcome is
// cached per composite key with no expiry; the active-color flag has its own
// short-lived cache. Resolve never fails: lookup errors degrade to the
// color-appropriate default queue.
type Resolver struct {
	store       Store
	environment string
	queues      *config.QueuesConfig

	mu    sync.Mutex
	cache map[string]Destination

	colorMu  sync.Mutex
	color    string
	colorAt  time.Time
	colorTTL time.Duration
}

// NewResolver builds a resolver for one deployment environment.
func NewResolver(store Store, environment string, queues *config.QueuesConfig) *Resolver {
	return &Resolver{
		store:       store,
		environment: environment,
		queues:      queues,
		cache:       make(map[string]Destination),
		colorTTL:    defaultColorTTL,
	}
}

// Resolve returns the destination for a compiler identifier.
func (r *Resolver) Resolve(ctx context.Context, compilerID string) Destination {
	key := r.environment + "#" + compilerID

	r.mu.Lock()
	if dest, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return dest
	}
	r.mu.Unlock()

	dest := r.resolveUncached(ctx, compilerID, key)

	r.mu.Lock()
	r.cache[key] = dest
	r.mu.Unlock()
	return dest
}

func (r *Resolver) resolveUncached(ctx context.Context, compilerID, key string) Destination {
	entry, err := r.store.Lookup(ctx, key)
	legacy := false
	if errors.Is(err, ErrNotFound) {
		entry, err = r.store.Lookup(ctx, compilerID)
		if err == nil {
			legacy = true
			logging.Info("routing", "legacy routing entry used", "compiler", compilerID)
		}
	}
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logging.Error("routing", "lookup failed, using default queue", "compiler", compilerID, "error", err)
		}
		return Destination{
			Kind:        KindQueue,
			Target:      r.defaultQueue(ctx),
			Environment: r.environment,
			Legacy:      legacy,
		}
	}

	environment := entry.Environment
	if environment == "" {
		environment = r.environment
	}
	if entry.RoutingType == string(KindURL) && entry.TargetURL != "" {
		return Destination{Kind: KindURL, Target: entry.TargetURL, Environment: environment, Legacy: legacy}
	}
	base := entry.QueueName
	if base == "" {
		return Destination{Kind: KindQueue, Target: r.defaultQueue(ctx), Environment: environment, Legacy: legacy}
	}
	return Destination{
		Kind:        KindQueue,
		Target:      r.queueName(base, r.activeColor(ctx)),
		Environment: environment,
		Legacy:      legacy,
	}
}

func (r *Resolver) defaultQueue(ctx context.Context) string {
	color := r.activeColor(ctx)
	return r.queueName(r.queues.DefaultQueue(r.environment, color), color)
}

func (r *Resolver) queueName(base, color string) string {
	return QueueName(base, color)
}

// QueueName renders the concrete queue a base name maps to under a color:
// the color suffix (unless the base is already colored) plus the fixed
// ordering suffix. Workers use the same rendering to pick their consume
// queue.
func QueueName(base, color string) string {
	if base == "" {
		return ""
	}
	base = strings.TrimSuffix(base, orderingSuffix)
	if !strings.HasSuffix(base, "-"+config.ColorBlue) && !strings.HasSuffix(base, "-"+config.ColorGreen) {
		base = base + "-" + color
	}
	return base + orderingSuffix
}

// activeColor reads the cutover flag through a short-lived cache. Failures
// and unset flags fall back to blue.
func (r *Resolver) activeColor(ctx context.Context) string {
	r.colorMu.Lock()
	defer r.colorMu.Unlock()
	if r.color != "" && time.Since(r.colorAt) < r.colorTTL {
		return r.color
	}
	color, err := r.store.ActiveColor(ctx)
	if err != nil {
		logging.Error("routing", "active color read failed", "error", err)
		color = ""
	}
	if color != config.ColorBlue && color != config.ColorGreen {
		color = config.ColorBlue
	}
	r.color = color
	r.colorAt = time.Now()
	return color
}
