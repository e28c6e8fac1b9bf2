// Package policy decides which profiles of a device may connect automatically,
// and drives reconnection of partially connected devices.
package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/errorkinds"
	"github.com/darkhz/bluepolicy/eventbus"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Orchestrator is the connection policy orchestrator.
// Every event is handled on a single worker started by Run,
// so decisions never run concurrently.
type Orchestrator struct {
	opts Options

	services  ServiceRegistry
	store     Store
	groups    GroupCoordinator
	transport Transport

	log *slog.Logger
	bus *eventbus.Bus

	events  chan Event
	stopped chan struct{}
	running atomic.Bool

	devices map[bluetooth.MacAddress]*deviceRecord
	retries *retryScheduler
}

// New returns a new orchestrator. The notification bus may be nil.
func New(c Collaborators, opts Options, logger *slog.Logger, bus *eventbus.Bus) *Orchestrator {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	if c.Services == nil {
		c.Services = Registry{}
	}

	o := &Orchestrator{
		opts:      opts,
		services:  c.Services,
		store:     c.Store,
		groups:    c.Groups,
		transport: c.Transport,
		log:       logger.With("component", "policy"),
		bus:       bus,
		events:    make(chan Event, opts.QueueSize),
		stopped:   make(chan struct{}),
		devices:   make(map[bluetooth.MacAddress]*deviceRecord),
	}
	o.retries = newRetryScheduler(opts.RetryDelay, o.Submit)

	return o
}

// Run handles events until the context is cancelled.
// It can only be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errorkinds.ErrAlreadyRunning
	}

	defer close(o.stopped)
	defer o.retries.stop(o.devices)

	o.log.Info("Orchestrator started",
		"retry_delay", o.opts.RetryDelay,
		"dual_mode", o.opts.DualModeAudio,
		"le_audio_default", o.opts.LeAudioEnabledByDefault,
	)

	for {
		select {
		case <-ctx.Done():
			o.log.Info("Orchestrator stopped")
			return nil

		case ev := <-o.events:
			o.dispatch(ctx, ev)
		}
	}
}

// Submit queues an event. Events submitted before Run are handled
// once it starts, and events submitted after Run returns are dropped.
func (o *Orchestrator) Submit(ev Event) {
	if ev == nil {
		return
	}

	select {
	case o.events <- ev:
	case <-o.stopped:
	}
}

// OnCapabilitiesDiscovered reports the service class UUIDs of a device.
func (o *Orchestrator) OnCapabilitiesDiscovered(device bluetooth.MacAddress, capabilities []uuid.UUID) {
	o.Submit(CapabilitiesDiscovered{Device: device, Capabilities: capabilities})
}

// OnProfileConnectionStateChanged reports a profile connection state transition.
func (o *Orchestrator) OnProfileConnectionStateChanged(profile bluetooth.Profile, device bluetooth.MacAddress, previous, current bluetooth.ConnectionState) {
	o.Submit(ProfileStateChanged{Profile: profile, Device: device, Previous: previous, Current: current})
}

// OnActivePathChanged reports that a profile became the active path for a device.
func (o *Orchestrator) OnActivePathChanged(profile bluetooth.Profile, device bluetooth.MacAddress) {
	o.Submit(ActivePathChanged{Profile: profile, Device: device})
}

// OnAdapterPowerStateChanged reports an adapter power state transition.
func (o *Orchestrator) OnAdapterPowerStateChanged(previous, current bluetooth.AdapterState) {
	o.Submit(AdapterStateChanged{Previous: previous, Current: current})
}

// OnLinkConnected reports that the link to a device came up.
func (o *Orchestrator) OnLinkConnected(device bluetooth.MacAddress) {
	o.Submit(LinkConnected{Device: device})
}

// OnLinkDisconnected reports that the link to a device went down.
func (o *Orchestrator) OnLinkDisconnected(device bluetooth.MacAddress) {
	o.Submit(LinkDisconnected{Device: device})
}

// AutoConnect runs the power-on auto-connect selection.
func (o *Orchestrator) AutoConnect() {
	o.Submit(AutoConnectRequested{})
}

// Flush waits until every event submitted before it has been handled.
func (o *Orchestrator) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := o.request(ctx, flushRequest{done: done}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		return errorkinds.ErrNotRunning
	}
}

// Snapshot returns a copy of the per-device state, taken on the worker.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := o.request(ctx, snapshotRequest{reply: reply}); err != nil {
		return Snapshot{}, err
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-o.stopped:
		return Snapshot{}, errorkinds.ErrNotRunning
	}
}

func (o *Orchestrator) request(ctx context.Context, ev Event) error {
	select {
	case o.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		return errorkinds.ErrNotRunning
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, ev Event) {
	switch ev := ev.(type) {
	case CapabilitiesDiscovered:
		o.handleCapabilities(ctx, ev)

	case ProfileStateChanged:
		o.handleProfileState(ctx, ev)

	case ActivePathChanged:
		o.handleActivePath(ctx, ev)

	case AdapterStateChanged:
		o.handleAdapterState(ctx, ev)

	case LinkConnected:
		o.handleLinkConnected(ctx, ev.Device)

	case LinkDisconnected:
		o.handleLinkDisconnected(ev.Device)

	case AutoConnectRequested:
		o.autoConnect(ctx)

	case retryFired:
		o.handleRetry(ctx, ev)

	case flushRequest:
		close(ev.done)

	case snapshotRequest:
		ev.reply <- o.snapshot()

	default:
		o.log.Warn("Unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

func (o *Orchestrator) publish(id NotificationID, data any) {
	o.bus.Publish(id, data)
}

func deviceAttrs(device bluetooth.MacAddress, profile bluetooth.Profile) []any {
	return []any{"device", device.String(), "profile", profile.String()}
}
