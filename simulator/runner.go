package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/eventbus"
	"github.com/darkhz/bluepolicy/policy"
	"golang.org/x/sync/errgroup"
)

// Report is the outcome of a scenario run.
type Report struct {
	Name          string
	Calls         []Call
	Notifications []any
	Snapshot      policy.Snapshot
	Failures      []string
}

// Passed reports whether every expectation held.
func (r *Report) Passed() bool {
	return len(r.Failures) == 0
}

// ProgressFunc is called after each step has been handled.
type ProgressFunc func(index int, step Step)

// Run replays a scenario against a fresh world.
func Run(ctx context.Context, sc *Scenario, logger *slog.Logger, progress ProgressFunc) (*Report, error) {
	if logger == nil {
		logger = slog.Default()
	}

	world := NewWorld()
	if err := world.setup(ctx, sc); err != nil {
		return nil, err
	}

	bus := eventbus.New(256)
	sub := bus.Subscribe(notificationIDs()...)

	report := &Report{Name: sc.Name}

	collected := make(chan struct{})
	go func() {
		defer close(collected)

		for n := range sub.C {
			report.Notifications = append(report.Notifications, n)
		}
	}()

	orch := policy.New(world.Collaborators(), sc.Options.PolicyOptions(), logger, bus)

	runCtx, cancel := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return orch.Run(runCtx)
	})

	stepErr := func() error {
		for i, step := range sc.Steps {
			if err := world.apply(runCtx, orch, step); err != nil {
				return fmt.Errorf("step %d (%s): %w", i+1, step.Description(), err)
			}

			if err := orch.Flush(runCtx); err != nil {
				return fmt.Errorf("step %d (%s): %w", i+1, step.Description(), err)
			}

			if progress != nil {
				progress(i, step)
			}
		}

		snap, err := orch.Snapshot(runCtx)
		report.Snapshot = snap

		return err
	}()

	cancel()
	runErr := g.Wait()

	bus.Close()
	<-collected

	if stepErr != nil {
		return nil, stepErr
	}

	if runErr != nil {
		return nil, runErr
	}

	report.Calls = world.Journal.Calls()
	report.Failures = world.check(sc.Expect)

	return report, nil
}

func notificationIDs() []eventbus.EventID {
	ids := policy.NotificationIDs()

	events := make([]eventbus.EventID, 0, len(ids))
	for _, id := range ids {
		events = append(events, id)
	}

	return events
}

// setup prepares the world described by a scenario.
func (w *World) setup(ctx context.Context, sc *Scenario) error {
	w.Radio.SetQuietMode(sc.Options.QuietMode)

	for _, g := range sc.Groups {
		w.Groups.Define(policy.GroupID(g.ID), g.Size)
	}

	for _, d := range sc.Devices {
		device, err := parseDevice(d.Address)
		if err != nil {
			return err
		}

		var deviceType bluetooth.DeviceType
		if err := deviceType.UnmarshalText([]byte(d.Type)); err != nil {
			return fmt.Errorf("device %s: %w", d.Address, err)
		}
		w.Radio.SetDeviceType(device, deviceType)

		if d.Link {
			w.Radio.SetLink(device, bluetooth.LinkConnected)
		}

		profiles, err := parseProfiles(d.Profiles)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.Address, err)
		}
		w.Radio.SetSupported(device, profiles...)

		for name, value := range d.Policies {
			profile, err := bluetooth.ParseProfile(name)
			if err != nil {
				return fmt.Errorf("device %s: %w", d.Address, err)
			}

			policy, err := bluetooth.ParseConnectionPolicy(value)
			if err != nil {
				return fmt.Errorf("device %s: %w", d.Address, err)
			}

			w.SetPolicy(device, profile, policy)
		}

		for name, value := range d.States {
			profile, err := bluetooth.ParseProfile(name)
			if err != nil {
				return fmt.Errorf("device %s: %w", d.Address, err)
			}

			state, err := parseState(value)
			if err != nil {
				return fmt.Errorf("device %s: %w", d.Address, err)
			}

			if service := w.Service(profile); service != nil {
				service.SetState(device, state)
			}
		}

		if d.Group != 0 {
			w.Groups.Join(policy.GroupID(d.Group), device)
		}

		if d.Allowlisted {
			if err := w.Store.SetLeAudioAllowlisted(ctx, device, true); err != nil {
				return err
			}
		}
	}

	for _, h := range sc.History {
		device, err := parseDevice(h.Device)
		if err != nil {
			return err
		}

		profile, err := bluetooth.ParseProfile(h.Profile)
		if err != nil {
			return fmt.Errorf("history %s: %w", h.Device, err)
		}

		w.AddHistory(device, profile, h.Connected)
	}

	return nil
}

// apply performs a step, and submits the resulting event to the orchestrator.
func (w *World) apply(ctx context.Context, orch *policy.Orchestrator, step Step) error {
	switch {
	case step.Capabilities != nil:
		device, err := parseDevice(step.Capabilities.Device)
		if err != nil {
			return err
		}

		uuids, err := step.Capabilities.uuids()
		if err != nil {
			return err
		}

		orch.OnCapabilitiesDiscovered(device, uuids)

	case step.State != nil:
		device, err := parseDevice(step.State.Device)
		if err != nil {
			return err
		}

		profile, err := bluetooth.ParseProfile(step.State.Profile)
		if err != nil {
			return err
		}

		current, err := parseState(step.State.To)
		if err != nil {
			return err
		}

		service := w.Service(profile)
		if service == nil {
			return fmt.Errorf("profile %s has no service", profile)
		}

		previous := service.SetState(device, current)
		if step.State.From != "" {
			if previous, err = parseState(step.State.From); err != nil {
				return err
			}
		}

		orch.OnProfileConnectionStateChanged(profile, device, previous, current)

	case step.Active != nil:
		var device bluetooth.MacAddress
		if step.Active.Device != "" {
			d, err := parseDevice(step.Active.Device)
			if err != nil {
				return err
			}

			device = d
		}

		profile, err := bluetooth.ParseProfile(step.Active.Profile)
		if err != nil {
			return err
		}

		orch.OnActivePathChanged(profile, device)

	case step.Power != nil:
		var previous, current bluetooth.AdapterState
		if err := previous.UnmarshalText([]byte(step.Power.From)); err != nil {
			return err
		}

		if err := current.UnmarshalText([]byte(step.Power.To)); err != nil {
			return err
		}

		orch.OnAdapterPowerStateChanged(previous, current)

	case step.Link != nil:
		device, err := parseDevice(step.Link.Device)
		if err != nil {
			return err
		}

		if step.Link.Connected {
			w.Radio.SetLink(device, bluetooth.LinkConnected)
			orch.OnLinkConnected(device)
		} else {
			w.Radio.SetLink(device, bluetooth.LinkDisconnected)
			orch.OnLinkDisconnected(device)
		}

	case step.Join != nil:
		device, err := parseDevice(step.Join.Device)
		if err != nil {
			return err
		}

		w.Groups.Join(policy.GroupID(step.Join.Group), device)

	case step.Wait != "":
		d, err := time.ParseDuration(step.Wait)
		if err != nil {
			return err
		}

		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}

	case step.AutoConnect:
		orch.AutoConnect()

	case step.Quiet != nil:
		w.Radio.SetQuietMode(*step.Quiet)
	}

	return nil
}

// check returns a description of every expectation that did not hold.
func (w *World) check(expectations []Expectation) []string {
	var failures []string

	for _, e := range expectations {
		want := 1
		if e.Count != nil {
			want = *e.Count
		}

		got, err := w.count(e)
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}

		if got != want {
			failures = append(failures, fmt.Sprintf("%s %s %s %s: got %d calls, want %d",
				e.Method, e.Device, e.Profile, e.Policy, got, want,
			))
		}
	}

	return failures
}

func (w *World) count(e Expectation) (int, error) {
	var (
		device    bluetooth.MacAddress
		profile   bluetooth.Profile
		policy    bluetooth.ConnectionPolicy
		err       error
		hasPolicy = e.Policy != ""
	)

	if e.Device != "" {
		if device, err = parseDevice(e.Device); err != nil {
			return 0, err
		}
	}

	if e.Profile != "" {
		if profile, err = bluetooth.ParseProfile(e.Profile); err != nil {
			return 0, err
		}
	}

	if hasPolicy {
		if policy, err = bluetooth.ParseConnectionPolicy(e.Policy); err != nil {
			return 0, err
		}
	}

	return len(w.Journal.Filter(func(c Call) bool {
		return c.Method == e.Method &&
			(e.Device == "" || c.Device == device) &&
			(e.Profile == "" || c.Profile == profile) &&
			(!hasPolicy || c.Policy == policy)
	})), nil
}
