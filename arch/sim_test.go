package arch

import (
	"bytes"
	"testing"
)

func TestSimMemoryBounds(t *testing.T) {
	p := NewSimPort(SimConfig{RAMBase: 0x2000_0000, RAMSize: 0x1000})

	data := []byte{1, 2, 3, 4}
	if err := p.WriteBytes(0x2000_0FF0, data); err != nil {
		t.Fatalf("in-bounds write failed: %v", err)
	}
	back := make([]byte, 4)
	if err := p.ReadBytes(0x2000_0FF0, back); err != nil {
		t.Fatalf("in-bounds read failed: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Errorf("read back %v, want %v", back, data)
	}

	if err := p.WriteBytes(0x2000_0FFE, data); err == nil {
		t.Error("write crossing the RAM end must fail")
	}
	if err := p.ReadBytes(0x1FFF_FFFF, back); err == nil {
		t.Error("read below RAM base must fail")
	}
}

func TestSimIRQClaimOrder(t *testing.T) {
	p := NewSimPort(SimConfig{NumIRQs: 8})

	p.EnableIRQ(5)
	p.EnableIRQ(2)
	p.RaiseIRQ(5)
	p.RaiseIRQ(2)
	p.RaiseIRQ(7) // masked, must not surface

	if !p.Pending() {
		t.Fatal("pending lines not reported")
	}
	if n := p.ClaimPending(); n != 2 {
		t.Errorf("first claim = %d, want lowest enabled line 2", n)
	}
	if n := p.ClaimPending(); n != 5 {
		t.Errorf("second claim = %d, want 5", n)
	}
	if n := p.ClaimPending(); n != -1 {
		t.Errorf("drained claim = %d, want -1", n)
	}
}

func TestSimElapsedAccumulates(t *testing.T) {
	p := NewSimPort(SimConfig{})

	p.Advance(100)
	p.Advance(50)
	if got := p.Elapsed(); got != 150 {
		t.Errorf("elapsed = %d, want 150", got)
	}
	if got := p.Elapsed(); got != 0 {
		t.Errorf("second elapsed = %d, want 0", got)
	}
}

func TestSimPendSwitch(t *testing.T) {
	p := NewSimPort(SimConfig{})

	if p.ConsumePendSwitch() {
		t.Error("fresh port has a pended switch")
	}
	p.PendSwitch()
	if !p.ConsumePendSwitch() {
		t.Error("pended switch lost")
	}
	if p.ConsumePendSwitch() {
		t.Error("pend switch not cleared on consume")
	}
}

func TestSimDiagChannel(t *testing.T) {
	var buf bytes.Buffer
	p := NewSimPort(SimConfig{Diag: &buf})

	for _, b := range []byte("ok") {
		p.PutByte(b)
	}
	if buf.String() != "ok" {
		t.Errorf("diag = %q, want %q", buf.String(), "ok")
	}
}
