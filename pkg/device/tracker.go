package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/usbmux"
)

// Tracker errors.
var (
	ErrStopped       = errors.New("device tracker not running")
	ErrUnknownDevice = fmt.Errorf("%w: unknown device", fault.ErrNotFound)
)

// DefaultProbeTimeout bounds the name and pairing probes run on attach.
const DefaultProbeTimeout = 10 * time.Second

// Prober resolves details of a newly attached device.
type Prober interface {
	// DeviceName returns the user-visible device name.
	DeviceName(ctx context.Context, dev Device) (string, error)

	// IsPaired reports whether the host holds a pair record for dev.
	IsPaired(ctx context.Context, dev Device) (bool, error)
}

// ChangeKind is the kind of a tracker change notification.
type ChangeKind uint8

const (
	ChangeAdded ChangeKind = iota
	ChangeUpdated
	ChangeRemoved
	ChangeSelected
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "ADDED"
	case ChangeUpdated:
		return "UPDATED"
	case ChangeRemoved:
		return "REMOVED"
	case ChangeSelected:
		return "SELECTED"
	default:
		return "UNKNOWN"
	}
}

// Change describes one modification of the device set.
type Change struct {
	Kind   ChangeKind
	Device Device
}

// ChangeHandler receives change notifications. It runs on the tracker's
// goroutine and must not call back into the Tracker.
type ChangeHandler func(Change)

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Prober resolves names and pairing status. Without one, devices stay
	// in StateDiscovered.
	Prober Prober

	// ProbeTimeout defaults to DefaultProbeTimeout.
	ProbeTimeout time.Duration

	Logger *slog.Logger
}

// deviceSet is only touched by the owning goroutine.
type deviceSet struct {
	order    []uint32
	devices  map[uint32]*Device
	selected uint32
	hasSel   bool

	// auto is set while the selection was made by the tracker rather
	// than by Select.
	auto bool
}

// Tracker owns the set of attached devices. All mutations run on one
// goroutine, started by Start; readers receive copies.
type Tracker struct {
	cfg     TrackerConfig
	logger  *slog.Logger
	handler ChangeHandler

	set  deviceSet
	cmds chan func(*deviceSet)

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
	probes  sync.WaitGroup
	running atomic.Bool
}

// NewTracker creates a stopped Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		cfg:    cfg,
		logger: cfg.Logger,
		set:    deviceSet{devices: make(map[uint32]*Device)},
		cmds:   make(chan func(*deviceSet)),
		done:   make(chan struct{}),
	}
}

// OnChange registers the change handler. Must be called before Start.
func (t *Tracker) OnChange(h ChangeHandler) {
	t.handler = h
}

// Start runs the owning goroutine until ctx ends or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	if t.running.Swap(true) {
		return
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.loop()
}

// Stop ends the owning goroutine and waits for pending probes.
func (t *Tracker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	t.wg.Wait()
	t.probes.Wait()
}

func (t *Tracker) loop() {
	defer t.wg.Done()
	defer close(t.done)
	for {
		select {
		case fn := <-t.cmds:
			fn(&t.set)
		case <-t.ctx.Done():
			return
		}
	}
}

// do runs fn on the owning goroutine and waits for it to finish.
func (t *Tracker) do(fn func(s *deviceSet)) error {
	if !t.running.Load() {
		return ErrStopped
	}
	finished := make(chan struct{})
	select {
	case t.cmds <- func(s *deviceSet) { fn(s); close(finished) }:
	case <-t.done:
		return ErrStopped
	}
	<-finished
	return nil
}

func (t *Tracker) emit(kind ChangeKind, d *Device) {
	if t.handler != nil {
		t.handler(Change{Kind: kind, Device: *d})
	}
}

// Handle applies a usbmuxd notification.
func (t *Tracker) Handle(ev usbmux.Event) {
	switch ev.Kind {
	case usbmux.EventAttached:
		t.Attach(ev.Device)
	case usbmux.EventDetached:
		t.Detach(ev.DeviceID)
	case usbmux.EventPaired:
		_ = t.SetPaired(ev.DeviceID, true)
	}
}

// Attach adds a device. It reports false if the DeviceID is already known.
// Name and pairing probes start in the background.
func (t *Tracker) Attach(u usbmux.Device) bool {
	var added *Device
	err := t.do(func(s *deviceSet) {
		if _, ok := s.devices[u.DeviceID]; ok {
			return
		}
		d := fromUsbmux(u)
		s.devices[d.DeviceID] = &d
		s.order = append(s.order, d.DeviceID)
		t.logger.Info("device attached", "device_id", d.DeviceID, "udid", d.UDID, "kind", d.Kind)
		t.emit(ChangeAdded, &d)
		switch {
		case !s.hasSel:
			t.selectDefault(s)
		case s.auto && d.Kind == KindUSB && d.DeviceID != InvalidDeviceID &&
			s.devices[s.selected].Kind == KindNetwork:
			t.setSelected(s, d.DeviceID, true)
		}
		cp := d
		added = &cp
	})
	if err != nil || added == nil {
		return false
	}
	if t.cfg.Prober != nil {
		t.probes.Add(1)
		go t.probe(*added)
	}
	return true
}

// Detach removes a device. Unknown ids are ignored and report false.
func (t *Tracker) Detach(id uint32) bool {
	removed := false
	_ = t.do(func(s *deviceSet) {
		d, ok := s.devices[id]
		if !ok {
			return
		}
		delete(s.devices, id)
		for i, o := range s.order {
			if o == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		removed = true
		t.logger.Info("device detached", "device_id", id, "udid", d.UDID)
		t.emit(ChangeRemoved, d)
		if s.hasSel && s.selected == id {
			s.hasSel = false
			t.selectFirst(s)
		}
	})
	return removed
}

// Reconcile makes the set match a full device listing: devices missing from
// devs are detached and new ones attached.
func (t *Tracker) Reconcile(devs []usbmux.Device) {
	present := make(map[uint32]bool, len(devs))
	for _, d := range devs {
		present[d.DeviceID] = true
	}
	for _, d := range t.Snapshot() {
		if !present[d.DeviceID] {
			t.Detach(d.DeviceID)
		}
	}
	for _, d := range devs {
		t.Attach(d)
	}
}

// selectDefault picks the first USB device, then any device. The invalid
// id is never chosen. An automatic choice of a network device gives way to
// a USB device attached later.
func (t *Tracker) selectDefault(s *deviceSet) {
	for _, id := range s.order {
		if id != InvalidDeviceID && s.devices[id].Kind == KindUSB {
			t.setSelected(s, id, true)
			return
		}
	}
	t.selectFirst(s)
}

func (t *Tracker) selectFirst(s *deviceSet) {
	for _, id := range s.order {
		if id != InvalidDeviceID {
			t.setSelected(s, id, true)
			return
		}
	}
}

func (t *Tracker) setSelected(s *deviceSet, id uint32, auto bool) {
	s.selected = id
	s.hasSel = true
	s.auto = auto
	t.emit(ChangeSelected, s.devices[id])
}

// probe resolves the name and then the pairing status of d.
func (t *Tracker) probe(d Device) {
	defer t.probes.Done()

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.ProbeTimeout)
	defer cancel()

	name, err := t.cfg.Prober.DeviceName(ctx, d)
	if err != nil {
		t.logger.Debug("device name lookup failed", "udid", d.UDID, "error", err)
		name = ""
	}
	t.update(d, func(cur *Device) {
		cur.Name = name
		cur.State = StateNameResolved
	})

	paired, err := t.cfg.Prober.IsPaired(ctx, d)
	if err != nil {
		t.logger.Debug("pair record lookup failed", "udid", d.UDID, "error", err)
	}
	t.update(d, func(cur *Device) {
		cur.Paired = paired
		if cur.State == StateNameResolved {
			cur.State = StateUntrusted
			if paired {
				cur.State = StatePaired
			}
		}
	})
}

// update applies fn if the same attachment of d is still tracked.
func (t *Tracker) update(d Device, fn func(*Device)) {
	_ = t.do(func(s *deviceSet) {
		cur, ok := s.devices[d.DeviceID]
		if !ok || cur.UDID != d.UDID {
			return
		}
		fn(cur)
		t.emit(ChangeUpdated, cur)
	})
}

// SetState moves a device to state.
func (t *Tracker) SetState(id uint32, state State) error {
	return t.modify(id, func(d *Device) { d.State = state })
}

// SetPaired records the pairing status of a device.
func (t *Tracker) SetPaired(id uint32, paired bool) error {
	return t.modify(id, func(d *Device) {
		d.Paired = paired
		if paired {
			d.State = StatePaired
		}
	})
}

func (t *Tracker) modify(id uint32, fn func(*Device)) error {
	found := false
	err := t.do(func(s *deviceSet) {
		d, ok := s.devices[id]
		if !ok {
			return
		}
		found = true
		fn(d)
		t.emit(ChangeUpdated, d)
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrUnknownDevice
	}
	return nil
}

// Select makes id the selected device.
func (t *Tracker) Select(id uint32) error {
	found := false
	err := t.do(func(s *deviceSet) {
		if _, ok := s.devices[id]; !ok {
			return
		}
		found = true
		t.setSelected(s, id, false)
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrUnknownDevice
	}
	return nil
}

// Snapshot returns the devices in attach order.
func (t *Tracker) Snapshot() []Device {
	var out []Device
	_ = t.do(func(s *deviceSet) {
		out = make([]Device, 0, len(s.order))
		for _, id := range s.order {
			out = append(out, *s.devices[id])
		}
	})
	return out
}

// Get returns a copy of one device.
func (t *Tracker) Get(id uint32) (Device, bool) {
	var (
		out Device
		ok  bool
	)
	_ = t.do(func(s *deviceSet) {
		if d, found := s.devices[id]; found {
			out, ok = *d, true
		}
	})
	return out, ok
}

// Selected returns the selected device.
func (t *Tracker) Selected() (Device, bool) {
	var (
		out Device
		ok  bool
	)
	_ = t.do(func(s *deviceSet) {
		if s.hasSel {
			out, ok = *s.devices[s.selected], true
		}
	})
	return out, ok
}
