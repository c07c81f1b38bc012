package agents

import (
	"context"
	"fmt"
	"sync"

	"github.com/bt-bridge/realtime-relay/drift"
	"github.com/bt-bridge/realtime-relay/shared"
)

type Slot int

const (
	Primary Slot = iota
	Backup
)

func (s Slot) String() string {
	if s == Backup {
		return "backup"
	}
	return "primary"
}

// Reconfigurer pushes a newly activated persona to the model.
type Reconfigurer func(ctx context.Context, p *Persona) error

// Switchboard holds the two personas of one session and which one is
// active. The only transition is primary to backup.
type Switchboard struct {
	mu       sync.Mutex
	personas [2]*Persona
	active   Slot

	reconfigure Reconfigurer
}

func NewSwitchboard(primary, backup *Persona, reconfigure Reconfigurer) (*Switchboard, error) {
	if primary == nil || backup == nil {
		return nil, shared.ErrNoPersona
	}
	return &Switchboard{
		personas:    [2]*Persona{primary, backup},
		active:      Primary,
		reconfigure: reconfigure,
	}, nil
}

// Active returns the active slot and its persona.
func (s *Switchboard) Active() (Slot, *Persona) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.personas[s.active]
}

// Activate makes slot the active persona and pushes it to the model.
// Activating the already active slot does nothing. If the push fails the
// previous slot stays active.
func (s *Switchboard) Activate(ctx context.Context, slot Slot) error {
	if slot != Primary && slot != Backup {
		return fmt.Errorf("unknown persona slot %d", slot)
	}
	p, prev, changed := s.swap(slot)
	if !changed {
		return nil
	}
	return s.push(ctx, slot, prev, p)
}

// SwitchIfNeeded applies a drift verdict. Only Switch while on the primary
// moves to the backup; Stay and Unknown never change anything.
func (s *Switchboard) SwitchIfNeeded(ctx context.Context, v drift.Verdict) (bool, error) {
	if v != drift.Switch {
		return false, nil
	}
	p, prev, changed := s.swap(Backup)
	if !changed {
		return false, nil
	}
	if err := s.push(ctx, Backup, prev, p); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Switchboard) swap(slot Slot) (*Persona, Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.active
	if prev == slot {
		return nil, prev, false
	}
	s.active = slot
	return s.personas[slot], prev, true
}

// push reconfigures the model and restores prev when that fails.
func (s *Switchboard) push(ctx context.Context, slot, prev Slot, p *Persona) error {
	if s.reconfigure == nil {
		return nil
	}
	if err := s.reconfigure(ctx, p); err != nil {
		s.mu.Lock()
		if s.active == slot {
			s.active = prev
		}
		s.mu.Unlock()
		return fmt.Errorf("activating %s persona %s: %w", slot, p.Name, err)
	}
	return nil
}
