// Package engine hosts the channel lifecycle state machine, the
// deployed-channel runtime, and the controller that brokers lifecycle
// requests from the control plane.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/connector/inproc"
	"github.com/meridian-hie/meridian/go/dispatcher"
	"github.com/meridian-hie/meridian/go/message"
	"github.com/meridian-hie/meridian/go/pipeline"
	"github.com/meridian-hie/meridian/go/script"
	"github.com/meridian-hie/meridian/go/store"
)

// Controller is the registry of deployed channels and the single
// mutator of their state machines.
type Controller struct {
	store     *store.Store
	evaluator script.Evaluator
	maps      *message.Maps
	bus       *Bus

	serverID string
	shadow   bool

	mu       sync.Mutex
	deployed map[string]*DeployedChannel
}

// Options configures the controller.
type Options struct {
	ServerID   string
	ShadowMode bool
}

// NewController builds a controller over the given store and evaluator.
func NewController(st *store.Store, evaluator script.Evaluator, maps *message.Maps, opts Options) *Controller {
	if evaluator == nil {
		evaluator = script.NopEvaluator{}
	}
	if maps == nil {
		maps = message.NewMaps()
	}
	return &Controller{
		store:     st,
		evaluator: evaluator,
		maps:      maps,
		bus:       NewBus(),
		serverID:  opts.ServerID,
		shadow:    opts.ShadowMode,
		deployed:  map[string]*DeployedChannel{},
	}
}

// Bus exposes the engine event bus for subscribers (dashboard feed).
func (c *Controller) Bus() *Bus { return c.bus }

// Store exposes the message store for the control plane's message
// endpoints.
func (c *Controller) Store() *store.Store { return c.store }

// ---- Configuration CRUD ----

// SaveChannel creates or (with override) updates a channel
// configuration, enforcing name uniqueness and revision monotonicity.
func (c *Controller) SaveChannel(ctx context.Context, ch *Channel, override bool) (created bool, err error) {
	existing, err := c.store.GetChannelRecord(ctx, ch.ID)
	if err != nil && err != store.ErrNotFound {
		return false, wrapf(KindStorage, err, "loading channel %s", ch.ID)
	}

	// Name uniqueness across all channels.
	records, err := c.store.GetChannelRecords(ctx)
	if err != nil {
		return false, wrapf(KindStorage, err, "listing channels")
	}
	for _, r := range records {
		if r.Name == ch.Name && r.ID != ch.ID {
			return false, errf(KindConflict, "a channel named %q already exists", ch.Name)
		}
	}

	var previous *Channel
	if existing != nil {
		if !override {
			return false, errf(KindConflict, "Channel has been modified")
		}
		previous, _ = decodeStored(existing)
		ch.Revision = existing.Revision + 1
	} else if ch.Revision == 0 {
		ch.Revision = 1
	}
	ch.assignMetaDataIDs(previous)

	doc, err := ch.Encode()
	if err != nil {
		return false, err
	}
	if err = c.store.PutChannelRecord(ctx, &store.ChannelRecord{
		ID: ch.ID, Name: ch.Name, Revision: ch.Revision, Channel: doc,
	}); err == store.ErrConflict {
		return false, errf(KindConflict, "a channel named %q already exists", ch.Name)
	} else if err != nil {
		return false, wrapf(KindStorage, err, "storing channel %s", ch.ID)
	}
	return existing == nil, nil
}

// UpdateChannel replaces the stored configuration of `id`. Without
// override, the submitted revision must match the stored revision.
func (c *Controller) UpdateChannel(ctx context.Context, id string, ch *Channel, override bool) error {
	existing, err := c.store.GetChannelRecord(ctx, id)
	if err == store.ErrNotFound {
		return errf(KindNotFound, "channel %s not found", id)
	} else if err != nil {
		return wrapf(KindStorage, err, "loading channel %s", id)
	}
	if !override && ch.Revision != existing.Revision {
		return errf(KindConflict, "Channel has been modified")
	}
	ch.ID = id
	var previous, _ = decodeStored(existing)
	ch.Revision = existing.Revision + 1
	ch.assignMetaDataIDs(previous)

	doc, err := ch.Encode()
	if err != nil {
		return err
	}
	if err = c.store.PutChannelRecord(ctx, &store.ChannelRecord{
		ID: id, Name: ch.Name, Revision: ch.Revision, Channel: doc,
	}); err == store.ErrConflict {
		return errf(KindConflict, "a channel named %q already exists", ch.Name)
	} else if err != nil {
		return wrapf(KindStorage, err, "storing channel %s", id)
	}
	return nil
}

// DeleteChannel removes a channel configuration and its message tables.
// The channel must not be deployed.
func (c *Controller) DeleteChannel(ctx context.Context, id string) error {
	c.mu.Lock()
	var _, isDeployed = c.deployed[id]
	c.mu.Unlock()
	if isDeployed {
		return errf(KindState, "channel %s is deployed", id)
	}
	if err := c.store.DeleteChannelRecord(ctx, id); err == store.ErrNotFound {
		return errf(KindNotFound, "channel %s not found", id)
	} else if err != nil {
		return wrapf(KindStorage, err, "deleting channel %s", id)
	}
	return c.store.DropChannel(ctx, id)
}

// GetChannel loads one stored configuration.
func (c *Controller) GetChannel(ctx context.Context, id string) (*Channel, error) {
	record, err := c.store.GetChannelRecord(ctx, id)
	if err == store.ErrNotFound {
		return nil, errf(KindNotFound, "channel %s not found", id)
	} else if err != nil {
		return nil, wrapf(KindStorage, err, "loading channel %s", id)
	}
	return decodeStored(record)
}

// GetChannels loads stored configurations, optionally restricted to IDs.
func (c *Controller) GetChannels(ctx context.Context, ids []string) ([]*Channel, error) {
	records, err := c.store.GetChannelRecords(ctx)
	if err != nil {
		return nil, wrapf(KindStorage, err, "listing channels")
	}
	var keep map[string]bool
	if len(ids) > 0 {
		keep = map[string]bool{}
		for _, id := range ids {
			keep[id] = true
		}
	}
	var out []*Channel
	for _, r := range records {
		if keep != nil && !keep[r.ID] {
			continue
		}
		ch, err := decodeStored(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

func decodeStored(r *store.ChannelRecord) (*Channel, error) {
	var ch = new(Channel)
	if err := json.Unmarshal([]byte(r.Channel), ch); err != nil {
		return nil, wrapf(KindInternal, err, "decoding stored channel %s", r.ID)
	}
	return ch, nil
}

// SummaryDelta describes the difference between a client's cached view
// and the server's channels.
type SummaryDelta struct {
	Added   []*Channel `json:"added,omitempty"`
	Updated []*Channel `json:"updated,omitempty"`
	Removed []string   `json:"removed,omitempty"`
}

// Summary computes the delta versus a map of channelID → cached revision.
func (c *Controller) Summary(ctx context.Context, cached map[string]int) (*SummaryDelta, error) {
	channels, err := c.GetChannels(ctx, nil)
	if err != nil {
		return nil, err
	}
	var delta = new(SummaryDelta)
	var seen = map[string]bool{}
	for _, ch := range channels {
		seen[ch.ID] = true
		if revision, ok := cached[ch.ID]; !ok {
			delta.Added = append(delta.Added, ch)
		} else if revision != ch.Revision {
			delta.Updated = append(delta.Updated, ch)
		}
	}
	for id := range cached {
		if !seen[id] {
			delta.Removed = append(delta.Removed, id)
		}
	}
	return delta, nil
}

// ---- Lifecycle ----

// Deploy materializes the stored configuration into a running channel.
// Redeploy of an already-deployed channel undeploys the old revision
// first.
func (c *Controller) Deploy(ctx context.Context, id string) error {
	cfg, err := c.GetChannel(ctx, id)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return errf(KindState, "channel %q is disabled", cfg.Name)
	}

	if c.get(id) != nil {
		if err = c.Undeploy(ctx, id); err != nil {
			return err
		}
	}

	d, err := c.build(ctx, cfg)
	if err != nil {
		return err
	}

	d.mu.Lock()
	_ = d.setStateLocked(Deploying)
	d.mu.Unlock()

	if cfg.Properties.DeployScript != "" {
		handle, err := c.evaluator.Compile(cfg.ID, script.ChannelDeploy, cfg.Properties.DeployScript)
		if err == nil {
			_, err = c.evaluator.Evaluate(ctx, handle, &script.Bindings{ChannelID: cfg.ID, ChannelName: cfg.Name})
			c.evaluator.Release(handle)
		}
		if err != nil {
			d.mu.Lock()
			_ = d.setStateLocked(Undeployed)
			d.mu.Unlock()
			return wrapf(KindScript, err, "deploy script of channel %q", cfg.Name)
		}
	}

	d.mu.Lock()
	if err = d.setStateLocked(Stopped); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	c.mu.Lock()
	c.deployed[id] = d
	c.mu.Unlock()

	switch cfg.InitialState {
	case InitialStarted, "":
		return c.Start(ctx, id)
	case InitialPaused:
		if err = c.Start(ctx, id); err != nil {
			return err
		}
		return d.Pause(ctx)
	default:
		return nil
	}
}

// Undeploy stops (or halts, if stop fails) the channel and destroys the
// runtime.
func (c *Controller) Undeploy(ctx context.Context, id string) error {
	var d = c.get(id)
	if d == nil {
		return errf(KindNotFound, "channel %s is not deployed", id)
	}

	d.mu.Lock()
	if d.state == Started || d.state == Paused {
		if err := d.stopLocked(ctx); err != nil {
			log.WithFields(log.Fields{"channel": id, "err": err}).Warn("stop during undeploy failed")
		}
	}
	if err := d.setStateLocked(Undeploying); err != nil {
		d.mu.Unlock()
		return err
	}
	_ = d.setStateLocked(Undeployed)
	d.mu.Unlock()

	if d.config.Properties.UndeployScript != "" {
		if handle, err := c.evaluator.Compile(id, script.ChannelDeploy, d.config.Properties.UndeployScript); err == nil {
			_, _ = c.evaluator.Evaluate(ctx, handle, &script.Bindings{ChannelID: id, ChannelName: d.config.Name})
			c.evaluator.Release(handle)
		}
	}
	d.release()
	c.maps.ReleaseChannel(id)

	c.mu.Lock()
	delete(c.deployed, id)
	c.mu.Unlock()
	return nil
}

// RedeployAll undeploys and deploys every enabled stored channel. It is
// idempotent: channels that are not deployed are simply deployed.
func (c *Controller) RedeployAll(ctx context.Context) error {
	channels, err := c.GetChannels(ctx, nil)
	if err != nil {
		return err
	}
	var firstErr error
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		if err = c.Deploy(ctx, ch.ID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("redeploying %q: %w", ch.Name, err)
		}
	}
	return firstErr
}

// Start starts a deployed channel, deferring until its dependencies are
// STARTED.
func (c *Controller) Start(ctx context.Context, id string) error {
	var d = c.get(id)
	if d == nil {
		return errf(KindNotFound, "channel %s is not deployed", id)
	}
	if err := c.awaitDependencies(ctx, d.config); err != nil {
		return err
	}
	return d.Start(ctx)
}

func (c *Controller) awaitDependencies(ctx context.Context, cfg *Channel) error {
	if len(cfg.Properties.DependsOn) == 0 {
		return nil
	}
	var deadline = time.Now().Add(30 * time.Second)
	for _, dep := range cfg.Properties.DependsOn {
		for {
			var d = c.get(dep)
			if d != nil && d.State() == Started {
				break
			}
			if time.Now().After(deadline) {
				return errf(KindState, "dependency %s of channel %q is not started", dep, cfg.Name)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
	return nil
}

// Stop stops a deployed channel, first cascading to dependents that
// request it.
func (c *Controller) Stop(ctx context.Context, id string) error {
	var d = c.get(id)
	if d == nil {
		return errf(KindNotFound, "channel %s is not deployed", id)
	}
	for _, dep := range c.dependentsOf(id) {
		if dep.config.Properties.StopCascades {
			if err := dep.Stop(ctx); err != nil {
				return fmt.Errorf("cascading stop to %q: %w", dep.config.Name, err)
			}
		}
	}
	return d.Stop(ctx)
}

func (c *Controller) dependentsOf(id string) []*DeployedChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*DeployedChannel
	for _, d := range c.deployed {
		for _, dep := range d.config.Properties.DependsOn {
			if dep == id {
				out = append(out, d)
			}
		}
	}
	return out
}

// Halt cancels a channel's in-flight work immediately.
func (c *Controller) Halt(ctx context.Context, id string) error {
	var d = c.get(id)
	if d == nil {
		return errf(KindNotFound, "channel %s is not deployed", id)
	}
	return d.Halt(ctx)
}

// Pause disables source acceptance of a started channel.
func (c *Controller) Pause(ctx context.Context, id string) error {
	var d = c.get(id)
	if d == nil {
		return errf(KindNotFound, "channel %s is not deployed", id)
	}
	return d.Pause(ctx)
}

// Resume re-enables source acceptance of a paused channel.
func (c *Controller) Resume(ctx context.Context, id string) error {
	var d = c.get(id)
	if d == nil {
		return errf(KindNotFound, "channel %s is not deployed", id)
	}
	return d.Resume(ctx)
}

// Deployed returns the deployed channel runtime, or nil.
func (c *Controller) get(id string) *DeployedChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deployed[id]
}

// Deployed exposes a deployed channel to collaborators (control plane
// message injection).
func (c *Controller) Deployed(id string) *DeployedChannel { return c.get(id) }

// Shutdown undeploys every channel, used at process exit.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	var ids []string
	for id := range c.deployed {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		if err := c.Undeploy(ctx, id); err != nil {
			log.WithFields(log.Fields{"channel": id, "err": err}).Warn("undeploy at shutdown failed")
		}
	}
	c.bus.Close()
}

// ---- Messages ----

// Inject pushes a raw message into a deployed channel's pipeline,
// bypassing the source connector's transport.
func (c *Controller) Inject(ctx context.Context, id string, raw *message.RawMessage) (*connector.DispatchResult, error) {
	var d = c.get(id)
	if d == nil {
		return nil, errf(KindNotFound, "channel %s is not deployed", id)
	}
	return d.Dispatch(ctx, raw)
}

// Reprocess re-runs a stored message through the pipeline. Without
// replace the run becomes a new message linked to the original by
// import ID; with replace the original is removed after the new run
// reaches its durability point. An empty destination set reprocesses
// through every destination.
func (c *Controller) Reprocess(ctx context.Context, id string, messageID int64, replace bool, destinations []int) (*connector.DispatchResult, error) {
	var d = c.get(id)
	if d == nil {
		return nil, errf(KindNotFound, "channel %s is not deployed", id)
	}
	raw, err := c.store.ReadContent(ctx, id, messageID, 0, message.ContentRaw)
	if err == store.ErrNotFound {
		return nil, errf(KindNotFound, "message %d has no raw content", messageID)
	} else if err != nil {
		return nil, wrapf(KindStorage, err, "loading raw content of message %d", messageID)
	}

	var rm = &message.RawMessage{Data: raw, DestinationSet: destinations}
	if !replace {
		rm.ImportID = messageID
		rm.ImportChannelID = id
	}
	result, err := d.Dispatch(ctx, rm)
	if err != nil {
		return nil, err
	}
	if replace {
		if _, err = c.store.DeleteMessages(ctx, id, store.MessageFilter{
			MinMessageID: messageID, MaxMessageID: messageID,
		}); err != nil {
			log.WithFields(log.Fields{"channel": id, "messageId": messageID, "err": err}).
				Warn("failed to remove replaced message")
		}
	}
	return result, nil
}

// ---- Status ----

// DashboardStatus is the runtime view of one channel.
type DashboardStatus struct {
	ChannelID        string              `json:"channelId"`
	Name             string              `json:"name"`
	State            string              `json:"state"`
	DeployedRevision int                 `json:"deployedRevision"`
	Statistics       []*store.Statistics `json:"statistics,omitempty"`
	QueueDepths      map[int]int         `json:"queueDepths,omitempty"`
}

// Status reports the runtime state of one channel.
func (c *Controller) Status(ctx context.Context, id string) (*DashboardStatus, error) {
	var d = c.get(id)
	if d == nil {
		return nil, errf(KindNotFound, "channel %s is not deployed", id)
	}
	stats, err := c.store.GetStatistics(ctx, id)
	if err != nil {
		return nil, wrapf(KindStorage, err, "loading statistics of %s", id)
	}
	return &DashboardStatus{
		ChannelID:        id,
		Name:             d.config.Name,
		State:            d.State().String(),
		DeployedRevision: d.config.Revision,
		Statistics:       stats,
		QueueDepths:      d.QueueDepths(),
	}, nil
}

// Statuses reports every deployed channel, sorted by name.
func (c *Controller) Statuses(ctx context.Context) ([]*DashboardStatus, error) {
	c.mu.Lock()
	var ids []string
	for id := range c.deployed {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var out []*DashboardStatus
	for _, id := range ids {
		status, err := c.Status(ctx, id)
		if err != nil {
			continue // Undeployed concurrently.
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---- Build ----

type busEvents struct{ bus *Bus }

func (e busEvents) MessageProcessed(channelID string, messageID int64) {
	e.bus.Publish(Event{Type: EventMessageProcessed, ChannelID: channelID, MessageID: messageID})
}

// build wires a configuration revision into a DeployedChannel.
func (c *Controller) build(ctx context.Context, cfg *Channel) (*DeployedChannel, error) {
	if err := c.store.RegisterChannel(ctx, cfg.ID); err != nil {
		return nil, wrapf(KindStorage, err, "registering channel tables")
	}

	var haltCtx, cancel = context.WithCancel(context.Background())
	var d = &DeployedChannel{
		config:       cfg,
		state:        Undeployed,
		ctx:          haltCtx,
		cancel:       cancel,
		destinations: map[int]connector.Destination{},
		dispatchers:  map[int]*dispatcher.Dispatcher{},
		evaluator:    c.evaluator,
		bus:          c.bus,
		store:        c.store,
	}

	var fail = func(err error) (*DeployedChannel, error) {
		d.release()
		return nil, err
	}
	var compile = func(scope script.Scope, source string) (script.Handle, error) {
		if source == "" {
			return nil, nil
		}
		var handle, err = c.evaluator.Compile(cfg.ID, scope, source)
		if err != nil {
			return nil, wrapf(KindScript, err, "compiling %s script", scope)
		}
		d.handles = append(d.handles, handle)
		return handle, nil
	}

	sourceFilter, err := compile(script.SourceFilter, cfg.Source.FilterScript)
	if err != nil {
		return fail(err)
	}
	sourceTransformer, err := compile(script.SourceTransformer, cfg.Source.TransformerScript)
	if err != nil {
		return fail(err)
	}
	responseScript, err := compile(script.Response, cfg.Properties.ResponseScript)
	if err != nil {
		return fail(err)
	}

	extractor, err := pipeline.NewExtractor(cfg.Properties.AttachmentPattern, cfg.Properties.AttachmentMimeType)
	if err != nil {
		return fail(wrapf(KindValidation, err, "attachment extraction of channel %q", cfg.Name))
	}

	var pipe = &pipeline.Pipeline{
		ChannelID:         cfg.ID,
		ChannelName:       cfg.Name,
		ServerID:          c.serverID,
		DataType:          cfg.Source.DataType,
		Store:             c.store,
		Evaluator:         c.evaluator,
		SourceFilter:      sourceFilter,
		SourceTransformer: sourceTransformer,
		ResponseScript:    responseScript,
		Parallel:          cfg.Properties.ProcessDestinationsInParallel,
		ShadowMode:        c.shadow,
		Attachments:       extractor,
		Events:            busEvents{bus: c.bus},
	}

	for _, descriptor := range cfg.Destinations {
		if descriptor.Enabled != nil && !*descriptor.Enabled {
			continue
		}
		dest, err := connector.NewDestination(descriptor.Transport, connector.Settings{
			ChannelID:  cfg.ID,
			MetaDataID: descriptor.MetaDataID,
			Name:       descriptor.Name,
			Properties: descriptor.Properties,
		})
		if err != nil {
			return fail(wrapf(KindValidation, err, "building destination %q", descriptor.Name))
		}
		filter, err := compile(script.DestinationFilter, descriptor.FilterScript)
		if err != nil {
			return fail(err)
		}
		transformer, err := compile(script.DestinationTransformer, descriptor.TransformerScript)
		if err != nil {
			return fail(err)
		}

		var settings = dispatcher.QueueSettings{
			Enabled:       descriptor.Queue.Enabled,
			SendFirst:     descriptor.Queue.SendFirst,
			ThreadCount:   descriptor.Queue.ThreadCount,
			BufferSize:    descriptor.Queue.BufferSize,
			RetryCount:    descriptor.Queue.RetryCount,
			RetryInterval: time.Duration(descriptor.Queue.RetryIntervalMillis) * time.Millisecond,
			Rotate:        descriptor.Queue.Rotate,
		}
		for _, name := range descriptor.Queue.QueueOnResponseStatus {
			if status, err := message.ParseStatus(name); err == nil {
				settings.QueueOnResponseStatus = append(settings.QueueOnResponseStatus, status)
			}
		}
		var disp = dispatcher.New(cfg.ID, descriptor.MetaDataID, descriptor.Transport, settings, dest, c.store)

		d.destinations[descriptor.MetaDataID] = dest
		d.dispatchers[descriptor.MetaDataID] = disp
		pipe.Destinations = append(pipe.Destinations, &pipeline.DestinationBinding{
			MetaDataID:      descriptor.MetaDataID,
			Name:            descriptor.Name,
			Transport:       descriptor.Transport,
			Filter:          filter,
			Transformer:     transformer,
			Dispatcher:      disp,
			WaitForPrevious: descriptor.WaitForPrevious,
		})
	}

	source, err := connector.NewSource(cfg.Source.Transport, connector.Settings{
		ChannelID:  cfg.ID,
		MetaDataID: 0,
		Name:       "Source",
		Properties: cfg.Source.Properties,
	})
	if err != nil {
		return fail(wrapf(KindValidation, err, "building source of channel %q", cfg.Name))
	}
	source.OnDispatch(pipe.Process)
	source.Pause() // Accept only once started.

	if cfg.Source.Transport == "Channel Reader" {
		d.unbindSink = inproc.RegisterSink(cfg.ID, inproc.SinkFunc(
			func(ctx context.Context, raw *message.RawMessage) (*message.Response, error) {
				var result, err = d.Dispatch(ctx, raw)
				if err != nil {
					return nil, err
				}
				return result.Response, nil
			}))
	}

	d.source = source
	d.pipe = pipe
	return d, nil
}
