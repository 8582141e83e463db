package kernel

import (
	"l4kern-go/config"
	"l4kern-go/logging"
)

// Event replay for simulation runs: the boot image's event list drives
// virtual time and interrupt injection, the way a test bench drives real
// hardware.

// simClock is the extra surface the simulated port exposes for replay.
type simClock interface {
	Advance(int64)
	Now() int64
	RaiseIRQ(int) error
}

// Run replays the image's event list until the given virtual tick, then
// idles the clock forward to it. It returns the number of events applied.
func (k *Kernel) Run(until int64) int {
	sim, ok := k.port.(simClock)
	if !ok {
		logging.Warn("run: port is not a simulated clock, nothing to replay")
		return 0
	}

	applied := 0
	for _, ev := range k.img.Events {
		if ev.At > until {
			break
		}
		if halted, _ := k.Halted(); halted {
			break
		}
		if d := ev.At - sim.Now(); d > 0 {
			sim.Advance(d)
			k.HandleInterrupt(TimerIRQ)
		}
		switch ev.Kind {
		case config.EventIRQ:
			if err := sim.RaiseIRQ(ev.IRQ); err != nil {
				logging.Warn("run: bad irq event", "irq", ev.IRQ, "error", err)
				continue
			}
			k.DrainPendingIRQs()
		case config.EventTick:
			sim.Advance(ev.Ticks)
			k.HandleInterrupt(TimerIRQ)
		default:
			logging.Warn("run: unknown event kind", "kind", string(ev.Kind))
		}
		applied++
	}

	if halted, _ := k.Halted(); !halted {
		if d := until - sim.Now(); d > 0 {
			sim.Advance(d)
			k.HandleInterrupt(TimerIRQ)
		}
	}
	return applied
}
