package asrd

import (
	"errors"
	"fmt"
	"sync"

	"github.com/scribarr/scribarr/internal/asr"
	"github.com/scribarr/scribarr/pkg/runner"
)

// cpuDevice is the slot id a daemon without GPUs runs on. It is also the
// device reported for jobs that have not been assigned a slot yet.
const cpuDevice = -1

// ErrAllDevicesDisabled means every GPU slot has been taken out of rotation
// after a fault and the daemon cannot accept work.
var ErrAllDevicesDisabled = errors.New("all devices are disabled")

// EngineFactory builds a recognizer bound to one device. id is the CUDA
// ordinal, or cpuDevice for the CPU slot.
type EngineFactory func(deviceID int) (asr.Engine, error)

// device is one recognition slot with its cached engine.
type device struct {
	id       int
	disabled bool
	inFlight int
	engine   asr.Engine
}

// deviceSelector hands out recognition slots round-robin, skipping disabled
// devices. Each slot caches one engine, created on first use and dropped
// again when the slot idles if idle release is on.
type deviceSelector struct {
	mu          sync.Mutex
	devices     []*device
	next        int
	idleRelease bool
	factory     EngineFactory
}

func newDeviceSelector(gpuIDs []int, idleRelease bool, factory EngineFactory) *deviceSelector {
	ids := gpuIDs
	if len(ids) == 0 {
		ids = []int{cpuDevice}
	}
	devices := make([]*device, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, &device{id: id})
	}
	return &deviceSelector{
		devices:     devices,
		idleRelease: idleRelease,
		factory:     factory,
	}
}

// acquire reserves the next enabled slot and returns it with its engine.
// The factory runs outside the lock; when two acquires race on a cold slot
// the first stored engine wins.
func (s *deviceSelector) acquire() (*device, asr.Engine, error) {
	s.mu.Lock()
	var picked *device
	for i := 0; i < len(s.devices); i++ {
		candidate := s.devices[(s.next+i)%len(s.devices)]
		if !candidate.disabled {
			picked = candidate
			s.next = (s.next + i + 1) % len(s.devices)
			break
		}
	}
	if picked == nil {
		s.mu.Unlock()
		return nil, nil, ErrAllDevicesDisabled
	}
	picked.inFlight++
	engine := picked.engine
	s.mu.Unlock()

	if engine != nil {
		return picked, engine, nil
	}

	engine, err := s.factory(picked.id)
	if err != nil {
		s.release(picked, false)
		return nil, nil, fmt.Errorf("creating engine for device %d: %w", picked.id, err)
	}

	s.mu.Lock()
	if picked.engine == nil {
		picked.engine = engine
	} else {
		engine = picked.engine
	}
	s.mu.Unlock()
	return picked, engine, nil
}

// release returns a slot to the pool. disable takes a GPU out of rotation;
// the CPU slot never disables. An idle slot drops its engine reference when
// idle release is on or the slot is disabled, so the model can be reloaded
// fresh (and VRAM reclaimed) on the next acquire.
func (s *deviceSelector) release(d *device, disable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.inFlight > 0 {
		d.inFlight--
	}
	if disable && d.id != cpuDevice {
		d.disabled = true
	}
	if d.inFlight == 0 && (s.idleRelease || d.disabled) {
		d.engine = nil
	}
}

// allDisabled reports whether no slot can accept work.
func (s *deviceSelector) allDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices {
		if !d.disabled {
			return false
		}
	}
	return true
}

// states snapshots every slot for the status report.
func (s *deviceSelector) states() []runner.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]runner.DeviceState, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, runner.DeviceState{
			ID:       d.id,
			Disabled: d.disabled,
			InFlight: d.inFlight,
		})
	}
	return out
}
