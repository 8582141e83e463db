package config

import (
	"fmt"

	kerrors "l4kern-go/errors"
)

// ParseRights converts an "rwx"-style string to the 3-bit mask used by the
// memory layer. Unknown characters are rejected.
func ParseRights(s string) (uint8, error) {
	var r uint8
	for _, c := range s {
		switch c {
		case 'r':
			r |= 1 << 2
		case 'w':
			r |= 1 << 1
		case 'x':
			r |= 1 << 0
		case '-':
		default:
			return 0, kerrors.WrapWithDetail(nil, kerrors.ErrInvalidConfig, "rights",
				fmt.Sprintf("invalid rights string %q", s))
		}
	}
	return r, nil
}

// FormatRights renders a 3-bit mask as "rwx" notation.
func FormatRights(r uint8) string {
	b := []byte("---")
	if r&(1<<2) != 0 {
		b[0] = 'r'
	}
	if r&(1<<1) != 0 {
		b[1] = 'w'
	}
	if r&(1<<0) != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Validate checks the image for structural errors before boot. Partition
// constraint violations are caught later by the memory layer; Validate
// covers the image-level invariants.
func (img *Image) Validate() error {
	if img.RAM.Size == 0 {
		return kerrors.New(kerrors.ErrInvalidConfig, "validate", "zero RAM size")
	}
	if img.Arena.Size == 0 {
		return kerrors.New(kerrors.ErrInvalidConfig, "validate", "zero object arena size")
	}
	if img.WCETTicks <= 0 {
		return kerrors.New(kerrors.ErrInvalidConfig, "validate", "wcetTicks must be positive")
	}
	if img.NumDomains <= 0 {
		return kerrors.New(kerrors.ErrInvalidConfig, "validate", "numDomains must be positive")
	}
	if len(img.DomainSchedule) == 0 {
		return kerrors.New(kerrors.ErrInvalidConfig, "validate", "empty domain schedule")
	}
	for i, slot := range img.DomainSchedule {
		if slot.Domain < 0 || slot.Domain >= img.NumDomains {
			return kerrors.New(kerrors.ErrInvalidConfig, "validate",
				fmt.Sprintf("schedule slot %d names domain %d of %d", i, slot.Domain, img.NumDomains))
		}
		if slot.Length <= 0 {
			return kerrors.New(kerrors.ErrInvalidConfig, "validate",
				fmt.Sprintf("schedule slot %d has non-positive length", i))
		}
	}

	seen := make(map[uint32]bool)
	for _, th := range img.Threads {
		if th.ThreadNo < 256 {
			return kerrors.New(kerrors.ErrInvalidConfig, "validate",
				fmt.Sprintf("thread %q uses reserved number %d", th.Name, th.ThreadNo))
		}
		if seen[th.ThreadNo] {
			return kerrors.New(kerrors.ErrInvalidConfig, "validate",
				fmt.Sprintf("duplicate thread number %d", th.ThreadNo))
		}
		seen[th.ThreadNo] = true
		if th.Domain < 0 || th.Domain >= img.NumDomains {
			return kerrors.New(kerrors.ErrInvalidConfig, "validate",
				fmt.Sprintf("thread %q in unknown domain %d", th.Name, th.Domain))
		}
		if th.Budget <= 0 || th.Period <= 0 {
			return kerrors.New(kerrors.ErrInvalidConfig, "validate",
				fmt.Sprintf("thread %q needs positive budget and period", th.Name))
		}
		if th.Budget < 2*img.WCETTicks {
			return kerrors.New(kerrors.ErrInvalidConfig, "validate",
				fmt.Sprintf("thread %q budget %d below minimum %d", th.Name, th.Budget, 2*img.WCETTicks))
		}
		if th.Budget > th.Period {
			return kerrors.New(kerrors.ErrInvalidConfig, "validate",
				fmt.Sprintf("thread %q budget exceeds period", th.Name))
		}
		for _, p := range th.Partitions {
			if _, err := ParseRights(p.Rights); err != nil {
				return err
			}
		}
	}

	for _, irq := range img.IRQs {
		if irq.Number <= 0 || irq.Number >= img.NumIRQs {
			return kerrors.New(kerrors.ErrInvalidConfig, "validate",
				fmt.Sprintf("irq %d out of range 1..%d", irq.Number, img.NumIRQs-1))
		}
		if !seen[irq.ThreadNo] {
			return kerrors.New(kerrors.ErrInvalidConfig, "validate",
				fmt.Sprintf("irq %d bound to unknown thread %d", irq.Number, irq.ThreadNo))
		}
		switch irq.Action {
		case SignalEnable, TimerEnable, Disable, Free:
		default:
			return kerrors.New(kerrors.ErrInvalidConfig, "validate",
				fmt.Sprintf("irq %d has invalid action %q", irq.Number, irq.Action))
		}
	}
	return nil
}
