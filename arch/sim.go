package arch

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// SimPort is the in-process architecture port used by the simulator CLI and
// the tests. Time is fully virtual: it advances only when Advance is called,
// so simulation runs are deterministic.
type SimPort struct {
	mu sync.Mutex

	ramBase Word
	ram     []byte

	numIRQs int
	enabled []bool
	pending []bool

	cycles      uint32
	ticks       int64
	lastElapsed int64
	timeoutAt   int64
	timeoutSet  bool
	idleExits   int

	pendSwitch bool

	diag io.Writer
}

// SimConfig configures a simulated port.
type SimConfig struct {
	// RAMBase is the base address of system RAM.
	RAMBase Word
	// RAMSize is the size of system RAM in bytes.
	RAMSize Word
	// NumIRQs is the number of interrupt lines.
	NumIRQs int
	// Diag receives the printk byte channel. Defaults to a discard buffer.
	Diag io.Writer
}

// NewSimPort creates a simulated port.
func NewSimPort(cfg SimConfig) *SimPort {
	if cfg.NumIRQs <= 0 {
		cfg.NumIRQs = 32
	}
	if cfg.RAMSize == 0 {
		cfg.RAMSize = 1 << 20
	}
	diag := cfg.Diag
	if diag == nil {
		diag = &bytes.Buffer{}
	}
	return &SimPort{
		ramBase: cfg.RAMBase,
		ram:     make([]byte, cfg.RAMSize),
		numIRQs: cfg.NumIRQs,
		enabled: make([]bool, cfg.NumIRQs),
		pending: make([]bool, cfg.NumIRQs),
		diag:    diag,
	}
}

// Advance moves virtual time forward by n ticks.
func (p *SimPort) Advance(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks += n
	p.cycles += uint32(n)
}

// Now returns the current virtual tick count.
func (p *SimPort) Now() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}

// RaiseIRQ marks the line pending. The kernel observes it at the next
// preemption point or simulated exception entry.
func (p *SimPort) RaiseIRQ(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 || n >= p.numIRQs {
		return fmt.Errorf("irq %d out of range", n)
	}
	p.pending[n] = true
	return nil
}

// TimeoutArmed returns the last armed deadline, in absolute ticks, and
// whether one is armed at all.
func (p *SimPort) TimeoutArmed() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeoutAt, p.timeoutSet
}

// IdleExits returns how many times IdleExit was called.
func (p *SimPort) IdleExits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleExits
}

// CycleGet32 implements Clock.
func (p *SimPort) CycleGet32() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles
}

// SetTimeout implements Clock.
func (p *SimPort) SetTimeout(ticks int64, idle bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeoutAt = p.ticks + ticks
	p.timeoutSet = true
}

// Elapsed implements Clock.
func (p *SimPort) Elapsed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.ticks - p.lastElapsed
	p.lastElapsed = p.ticks
	return d
}

// IdleExit implements Clock.
func (p *SimPort) IdleExit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idleExits++
}

// IRQEnabled reports whether the line is unmasked at the controller.
func (p *SimPort) IRQEnabled(n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return n >= 0 && n < p.numIRQs && p.enabled[n]
}

// NumIRQs implements IRQController.
func (p *SimPort) NumIRQs() int { return p.numIRQs }

// EnableIRQ implements IRQController.
func (p *SimPort) EnableIRQ(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n >= 0 && n < p.numIRQs {
		p.enabled[n] = true
	}
}

// DisableIRQ implements IRQController.
func (p *SimPort) DisableIRQ(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n >= 0 && n < p.numIRQs {
		p.enabled[n] = false
	}
}

// Pending implements IRQController.
func (p *SimPort) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for n := 0; n < p.numIRQs; n++ {
		if p.enabled[n] && p.pending[n] {
			return true
		}
	}
	return false
}

// ClaimPending implements IRQController.
func (p *SimPort) ClaimPending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for n := 0; n < p.numIRQs; n++ {
		if p.enabled[n] && p.pending[n] {
			p.pending[n] = false
			return n
		}
	}
	return -1
}

// ReadBytes implements Port.
func (p *SimPort) ReadBytes(addr Word, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	off, err := p.offset(addr, Word(len(buf)))
	if err != nil {
		return err
	}
	copy(buf, p.ram[off:])
	return nil
}

// WriteBytes implements Port.
func (p *SimPort) WriteBytes(addr Word, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	off, err := p.offset(addr, Word(len(buf)))
	if err != nil {
		return err
	}
	copy(p.ram[off:], buf)
	return nil
}

func (p *SimPort) offset(addr, n Word) (Word, error) {
	if addr < p.ramBase || addr-p.ramBase > Word(len(p.ram)) || Word(len(p.ram))-(addr-p.ramBase) < n {
		return 0, fmt.Errorf("access %#x+%d outside RAM", addr, n)
	}
	return addr - p.ramBase, nil
}

// RAMWindow implements Port.
func (p *SimPort) RAMWindow() (Word, Word) {
	return p.ramBase, Word(len(p.ram))
}

// PendSwitch implements Port.
func (p *SimPort) PendSwitch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendSwitch = true
}

// ConsumePendSwitch implements Port.
func (p *SimPort) ConsumePendSwitch() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.pendSwitch
	p.pendSwitch = false
	return v
}

// PutByte implements Port.
func (p *SimPort) PutByte(b byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.diag.Write([]byte{b})
}
