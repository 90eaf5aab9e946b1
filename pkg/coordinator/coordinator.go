// Package coordinator drives the poll cycle: acquire a credential, fetch the
// supported endpoints, derive a snapshot and publish it or record the failure.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jameshartig/solarkmon/pkg/derive"
	"github.com/jameshartig/solarkmon/pkg/log"
	"github.com/jameshartig/solarkmon/pkg/solark"
	"github.com/jameshartig/solarkmon/pkg/types"
)

// ErrNoEndpoints is recorded when every endpoint is unsupported or
// unconfigured so nothing can be polled.
var ErrNoEndpoints = errors.New("no usable endpoints")

// Session hands out bearer credentials.
type Session interface {
	Credential(ctx context.Context) (types.Credential, error)
	Refresh(ctx context.Context, stale types.Credential) (types.Credential, error)
}

// Fetcher performs the read endpoint calls.
type Fetcher interface {
	FetchFlow(ctx context.Context, token, plantID string, date time.Time) (types.FlowPayload, error)
	FetchDeviceLive(ctx context.Context, token, serial string) (types.LivePayload, error)
}

// Coordinator owns the published snapshot and the poll state. Readers may call
// its accessors from any goroutine.
type Coordinator struct {
	interval  time.Duration
	location  *time.Location
	plant     types.PlantIdentity
	pvStrings int
	session   Session
	fetcher   Fetcher
	now       func() time.Time

	running  atomic.Bool
	inflight sync.WaitGroup
	snapshot atomic.Pointer[types.MetricSnapshot]

	mu        sync.Mutex
	poll      types.PollState
	state     types.CoordinatorState
	endpoints map[types.Endpoint]types.Availability
	subs      map[chan types.Status]struct{}
	closed    bool
}

// New returns an idle Coordinator. pvStrings is the number of PV string
// inputs to read from the live payload.
func New(cfg *Config, plant types.PlantIdentity, pvStrings int, session Session, fetcher Fetcher) *Coordinator {
	live := types.AvailabilityUnknown
	if plant.Serial == "" {
		live = types.AvailabilityUnconfigured
	}
	return &Coordinator{
		interval:  cfg.interval(),
		location:  cfg.location(),
		plant:     plant,
		pvStrings: pvStrings,
		session:   session,
		fetcher:   fetcher,
		now:       time.Now,
		state:     types.StateIdle,
		endpoints: map[types.Endpoint]types.Availability{
			types.EndpointFlow: types.AvailabilityUnknown,
			types.EndpointLive: live,
		},
		subs: make(map[chan types.Status]struct{}),
	}
}

// Run polls immediately and then on every interval until ctx is done. It waits
// for an in-flight cycle before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(
		ctx,
		"starting poll loop",
		slog.Duration("interval", c.interval),
		slog.String("plantID", c.plant.PlantID),
		slog.String("timezone", c.location.String()),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.start(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "poll loop stopping")
			c.inflight.Wait()
			c.closeSubscribers()
			return nil
		case <-ticker.C:
			c.start(ctx)
		}
	}
}

func (c *Coordinator) start(ctx context.Context) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.Tick(ctx)
	}()
}

// Tick runs one poll cycle unless one is already running, in which case it
// returns false immediately.
func (c *Coordinator) Tick(ctx context.Context) bool {
	if !c.running.CompareAndSwap(false, true) {
		log.Ctx(ctx).DebugContext(ctx, "poll cycle still in flight, skipping tick")
		return false
	}
	defer c.running.Store(false)
	c.cycle(ctx)
	return true
}

func (c *Coordinator) cycle(ctx context.Context) {
	ctx = log.WithAttrs(ctx, slog.String("cycle", uuid.NewString()))
	start := c.now()

	c.mu.Lock()
	c.state = types.StatePolling
	c.poll.LastAttempt = start
	c.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "poll cycle starting")
	snap, err := c.collect(ctx, start)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	c.publish(ctx, snap)
	log.Ctx(ctx).DebugContext(ctx, "poll cycle finished", slog.Duration("took", c.now().Sub(start)))
}

func (c *Coordinator) collect(ctx context.Context, start time.Time) (*types.MetricSnapshot, error) {
	eps := c.Endpoints()
	useFlow := eps[types.EndpointFlow].Usable()
	useLive := eps[types.EndpointLive].Usable()
	if !useFlow && !useLive {
		return nil, ErrNoEndpoints
	}

	cred, err := c.session.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring credential: %w", err)
	}

	var (
		flow             *types.FlowPayload
		live             *types.LivePayload
		flowErr, liveErr error
	)
	// endpoints fail independently so the group never cancels its siblings
	var g errgroup.Group
	if useFlow {
		g.Go(func() error {
			date := start.In(c.location)
			flowErr = c.fetch(ctx, types.EndpointFlow, cred, func(ctx context.Context, token string) error {
				p, err := c.fetcher.FetchFlow(ctx, token, c.plant.PlantID, date)
				if err == nil {
					flow = &p
				}
				return err
			})
			return nil
		})
	}
	if useLive {
		g.Go(func() error {
			liveErr = c.fetch(ctx, types.EndpointLive, cred, func(ctx context.Context, token string) error {
				p, err := c.fetcher.FetchDeviceLive(ctx, token, c.plant.Serial)
				if err == nil {
					live = &p
				}
				return err
			})
			return nil
		})
	}
	_ = g.Wait()

	if flow == nil && live == nil {
		return nil, errors.Join(flowErr, liveErr)
	}
	if flowErr != nil {
		log.Ctx(ctx).InfoContext(ctx, "flow endpoint failed, continuing with live payload", slog.Any("error", flowErr))
	}
	if liveErr != nil {
		log.Ctx(ctx).InfoContext(ctx, "live endpoint failed, continuing with flow payload", slog.Any("error", liveErr))
	}

	return derive.Derive(derive.Input{
		Flow:      flow,
		Live:      live,
		PVStrings: c.pvStrings,
		Now:       c.now(),
	})
}

// fetch calls one endpoint, renewing the credential and retrying once if the
// token is rejected. A NotFound answer marks the endpoint unsupported.
func (c *Coordinator) fetch(ctx context.Context, ep types.Endpoint, cred types.Credential, call func(context.Context, string) error) error {
	err := call(ctx, cred.Token)
	if errors.Is(err, solark.ErrUnauthorized) {
		log.Ctx(ctx).DebugContext(ctx, "token rejected, refreshing", slog.String("endpoint", string(ep)))
		fresh, rerr := c.session.Refresh(ctx, cred)
		if rerr != nil {
			return fmt.Errorf("refreshing credential after %s rejected token: %w", ep, rerr)
		}
		err = call(ctx, fresh.Token)
	}

	switch {
	case err == nil:
		c.setAvailability(ctx, ep, types.AvailabilitySupported)
	case errors.Is(err, solark.ErrNotFound):
		c.setAvailability(ctx, ep, types.AvailabilityUnsupported)
	}
	return err
}

func (c *Coordinator) setAvailability(ctx context.Context, ep types.Endpoint, a types.Availability) {
	c.mu.Lock()
	prev := c.endpoints[ep]
	if prev == types.AvailabilityUnsupported {
		c.mu.Unlock()
		return
	}
	c.endpoints[ep] = a
	c.mu.Unlock()

	if a == types.AvailabilityUnsupported {
		log.Ctx(ctx).WarnContext(ctx, "endpoint not available for plant, skipping it from now on", slog.String("endpoint", string(ep)))
	}
}

func (c *Coordinator) publish(ctx context.Context, snap *types.MetricSnapshot) {
	// readers take c.mu, so the snapshot and the poll state change together
	c.mu.Lock()
	c.snapshot.Store(snap)
	c.poll.ConsecutiveFailures = 0
	c.poll.LastError = ""
	c.poll.LastSuccess = snap.Timestamp
	c.state = types.StatePublished
	status := c.statusLocked(c.now())
	c.mu.Unlock()

	log.Ctx(ctx).InfoContext(
		ctx,
		"published snapshot",
		slog.Int("metrics", snap.Len()),
		slog.Any("sources", snap.Sources),
	)
	c.broadcast(ctx, status)
}

func (c *Coordinator) fail(ctx context.Context, err error) {
	c.mu.Lock()
	c.poll.ConsecutiveFailures++
	c.poll.LastError = err.Error()
	c.state = types.StateFailed
	status := c.statusLocked(c.now())
	c.mu.Unlock()

	log.Ctx(ctx).WarnContext(
		ctx,
		"poll cycle failed",
		slog.Any("error", err),
		slog.Int("consecutiveFailures", status.Poll.ConsecutiveFailures),
		slog.Bool("authError", errors.Is(err, solark.ErrAuth)),
	)
	c.broadcast(ctx, status)
}

// Snapshot returns the most recently published snapshot or nil. The result is
// shared and must not be modified; use Clone for a private copy.
func (c *Coordinator) Snapshot() *types.MetricSnapshot {
	return c.snapshot.Load()
}

// Status returns the latest snapshot with the state that qualifies it.
func (c *Coordinator) Status() types.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(c.now())
}

func (c *Coordinator) statusLocked(now time.Time) types.Status {
	s := types.Status{
		Snapshot:  c.snapshot.Load(),
		Poll:      c.poll,
		State:     c.state,
		UpdatedAt: now,
	}
	if !c.poll.LastSuccess.IsZero() {
		s.Stale = now.Sub(c.poll.LastSuccess)
	}
	return s
}

// Endpoints returns what is known about each read endpoint.
func (c *Coordinator) Endpoints() map[types.Endpoint]types.Availability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.endpoints)
}

// Subscribe returns a channel that receives the status after every finished
// cycle. Updates are dropped when the subscriber falls behind. The channel is
// closed when Run returns or cancel is called.
func (c *Coordinator) Subscribe() (<-chan types.Status, func()) {
	ch := make(chan types.Status, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

func (c *Coordinator) broadcast(ctx context.Context, s types.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- s:
		default:
			log.Ctx(ctx).WarnContext(ctx, "status subscriber full, dropping update")
		}
	}
}

func (c *Coordinator) closeSubscribers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for ch := range c.subs {
		close(ch)
	}
	clear(c.subs)
}
