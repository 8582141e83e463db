package kernel

import (
	"strings"
	"testing"

	kerrors "l4kern-go/errors"
	"l4kern-go/memory"
	"l4kern-go/object"
)

func TestSystemClockSyscall(t *testing.T) {
	k, _, _ := newTestKernel(t, basicImage())
	server := k.Thread(serverNo)

	k.ElapseTicks(1234)
	exc := k.Invoke(server, OpSystemClock, SyscallArgs{})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("system-clock failed: %s", exc)
	}
	got := int64(server.LoadMR(1)) | int64(server.LoadMR(2))<<32
	if got != k.Now() {
		t.Errorf("clock = %d, want %d", got, k.Now())
	}
}

func TestKernelInterfaceSyscall(t *testing.T) {
	k, _, _ := newTestKernel(t, basicImage())
	server := k.Thread(serverNo)

	exc := k.Invoke(server, OpKernelInterface, SyscallArgs{})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("kernel-interface failed: %s", exc)
	}
	if server.LoadMR(1)>>24 != 0x84 {
		t.Errorf("api version = %#x, want 0x84", server.LoadMR(1)>>24)
	}
	if server.LoadMR(3) != k.KIPInfo().KernelID {
		t.Error("kernel id mismatch")
	}
}

func TestUprintkSyscall(t *testing.T) {
	k, port, diag := newTestKernel(t, basicImage())
	server := k.Thread(serverNo)

	msg := []byte("tick\n")
	if err := port.WriteBytes(0x2000_8200, msg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	exc := k.Invoke(server, OpUprintkStringOut, SyscallArgs{0x2000_8200, uint32(len(msg))})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("uprintk failed: %s (errno %s)", exc, server.Errno)
	}
	if diag.String() != "tick\n" {
		t.Errorf("diag channel = %q, want %q", diag.String(), "tick\n")
	}

	// A pointer outside the caller's domain faults.
	exc = k.Invoke(server, OpUprintkStringOut, SyscallArgs{0x2000_0200, 4})
	if exc != kerrors.ExceptionSyscallError {
		t.Errorf("out-of-domain uprintk = %s, want syscall-error", exc)
	}
}

func TestInvalidOpcodeOopsesInvoker(t *testing.T) {
	k, _, _ := newTestKernel(t, basicImage())
	client := k.Thread(clientNo)

	exc := k.Invoke(client, Opcode(syscallTableSize-1), SyscallArgs{})
	if exc != kerrors.ExceptionFault {
		t.Fatalf("reserved slot = %s, want fault", exc)
	}
	// A user-mode oops kills only the thread.
	if k.Thread(clientNo) != nil {
		t.Error("oopsed user thread still alive")
	}
	if halted, _ := k.Halted(); halted {
		t.Error("user oops halted the kernel")
	}
}

func TestReservedOpcodeFromKernelThreadHalts(t *testing.T) {
	k, _, _ := newTestKernel(t, basicImage())
	priv := k.Thread(ThreadNoPrivilege)

	k.Invoke(priv, Opcode(syscallTableSize+5), SyscallArgs{})
	halted, reason := k.Halted()
	if !halted || reason != HaltOops {
		t.Errorf("kernel oops: halted=%v reason=%s, want oops halt", halted, reason)
	}
}

func TestThreadControlCreateActivateDelete(t *testing.T) {
	k, _, _ := newTestKernel(t, basicImage())
	priv := k.Thread(ThreadNoPrivilege)
	client := k.Thread(clientNo)

	newGID := MakeGlobalID(300, 1)
	exc := k.Invoke(priv, OpThreadControl, SyscallArgs{
		uint32(newGID), uint32(client.GID), uint32(priv.GID), uint32(client.GID),
		tcSetSpace | tcSetScheduler | tcSetPager | tcActivate,
	})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("thread-control failed: %s (errno %s)", exc, priv.Errno)
	}

	nt := k.Thread(300)
	if nt == nil {
		t.Fatal("created thread missing")
	}
	if nt.State != StateQueued {
		t.Errorf("state = %s, want queued after activate", nt.State)
	}
	if nt.MemDomain != client.MemDomain {
		t.Error("space not shared with the specifier thread")
	}
	if nt.Scheduler != priv.GID || nt.Pager != client.GID {
		t.Error("scheduler/pager associations lost")
	}

	// Deletion: set-space with the nil thread.
	exc = k.Invoke(priv, OpThreadControl, SyscallArgs{
		uint32(nt.GID), uint32(NilThread), 0, 0, tcSetSpace,
	})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("thread-control delete failed: %s", exc)
	}
	if k.Thread(300) != nil {
		t.Error("deleted thread still resolvable")
	}
}

func TestThreadControlChecks(t *testing.T) {
	k, _, _ := newTestKernel(t, basicImage())
	priv := k.Thread(ThreadNoPrivilege)
	client := k.Thread(clientNo)

	// Unprivileged caller.
	exc := k.Invoke(client, OpThreadControl, SyscallArgs{uint32(MakeGlobalID(301, 1)), 0, 0, 0, 0})
	if exc != kerrors.ExceptionSyscallError || !client.Errno.Has(kerrors.ErrnoNoPrivilege) {
		t.Errorf("unprivileged: exc=%s errno=%s", exc, client.Errno)
	}

	// Reserved destination number.
	exc = k.Invoke(priv, OpThreadControl, SyscallArgs{uint32(MakeGlobalID(ThreadNoIdle, 1)), 0, 0, 0, 0})
	if exc != kerrors.ExceptionSyscallError || !priv.Errno.Has(kerrors.ErrnoInvalidThread) {
		t.Errorf("reserved dest: exc=%s errno=%s", exc, priv.Errno)
	}
	priv.Errno = 0

	// Creation with a nil scheduler.
	exc = k.Invoke(priv, OpThreadControl, SyscallArgs{uint32(MakeGlobalID(302, 1)), 0, 0, 0, tcSetScheduler})
	if exc != kerrors.ExceptionSyscallError || !priv.Errno.Has(kerrors.ErrnoInvalidScheduler) {
		t.Errorf("nil scheduler: exc=%s errno=%s", exc, priv.Errno)
	}
	priv.Errno = 0

	// Activation without a space.
	exc = k.Invoke(priv, OpThreadControl, SyscallArgs{uint32(MakeGlobalID(303, 1)), 0, 0, 0, tcActivate})
	if exc != kerrors.ExceptionSyscallError || !priv.Errno.Has(kerrors.ErrnoInvalidSpace) {
		t.Errorf("no space: exc=%s errno=%s", exc, priv.Errno)
	}
}

func TestScheduleControl(t *testing.T) {
	k, _, _ := newTestKernel(t, basicImage())
	priv := k.Thread(ThreadNoPrivilege)
	client := k.Thread(clientNo)

	exc := k.Invoke(priv, OpScheduleControl, SyscallArgs{
		uint32(client.GID), 500, 5000, 40, 0,
	})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("schedule-control failed: %s (errno %s)", exc, priv.Errno)
	}
	if client.Priority != 40 {
		t.Errorf("priority = %d, want 40", client.Priority)
	}
	if client.SC.Budget != 500 || client.SC.Period != 5000 {
		t.Errorf("contract = %d/%d, want 500/5000", client.SC.Budget, client.SC.Period)
	}
	// With priority 40 the client now outranks the server (99).
	if cur := k.Current(); cur != client {
		t.Errorf("current = %v, want reprioritised client", cur)
	}

	// Sub-minimum budget is rejected.
	exc = k.Invoke(priv, OpScheduleControl, SyscallArgs{uint32(client.GID), 5, 5000, 40, 0})
	if exc != kerrors.ExceptionSyscallError || !priv.Errno.Has(kerrors.ErrnoInvalidParam) {
		t.Errorf("tiny budget: exc=%s errno=%s", exc, priv.Errno)
	}
}

func TestSwitchThreadSyscall(t *testing.T) {
	img := basicImage()
	img.Threads[0].Priority = 99 // equal priorities so a switch sticks
	k, _, _ := newTestKernel(t, img)
	server := k.Thread(serverNo)
	client := k.Thread(clientNo)

	first := k.Current()
	other := client
	if first == client {
		other = server
	}

	exc := k.Invoke(first, OpSwitchThread, SyscallArgs{uint32(other.GID)})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("switch-thread failed: %s (errno %s)", exc, first.Errno)
	}
	if k.Current() != other {
		t.Errorf("current = %v, want %v", k.Current(), other)
	}

	// Nil destination is a yield.
	exc = k.Invoke(other, OpSwitchThread, SyscallArgs{uint32(NilThread)})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("yield failed: %s", exc)
	}
}

func TestExchangeRegistersCancelsIPC(t *testing.T) {
	k, _, _ := newTestKernel(t, basicImage())
	priv := k.Thread(ThreadNoPrivilege)
	server := k.Thread(serverNo)
	echo, _ := k.Endpoint("echo")

	recvOn(t, k, server, echo)

	const ctlCancel = 1 << 1
	exc := k.Invoke(priv, OpExchangeRegisters, SyscallArgs{uint32(server.GID), ctlCancel, 0, 0, 0})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("exchange-registers failed: %s", exc)
	}
	if server.State.Blocked() {
		t.Error("cancel did not unblock the target")
	}
	// Abort-then-cancel: the aborted reason wins.
	if !server.Errno.Has(kerrors.ErrnoIPCAborted) {
		t.Errorf("errno = %s, want ipc-aborted", server.Errno)
	}
	if server.Errno.Has(kerrors.ErrnoIPCCancelled) {
		t.Errorf("errno = %s carries both aborted and cancelled", server.Errno)
	}
}

func TestRetypeUnderPreemption(t *testing.T) {
	k, port, _ := newTestKernel(t, basicImage())
	priv := k.Thread(ThreadNoPrivilege)

	k.mu.Lock()
	u, err := k.reg.Retype(object.TagUntyped, false, 1<<16, k.rootUntyped)
	k.mu.Unlock()
	if err != nil {
		t.Fatalf("untyped alloc failed: %v", err)
	}
	u.Obj.SetReady()

	// A pending interrupt trips the preemption point mid-retype.
	port.EnableIRQ(5)
	port.RaiseIRQ(5)

	total := 30
	exc := k.Invoke(priv, OpRetypeUntyped, SyscallArgs{u.Base, uint32(object.TagThread), 0, uint32(total)})
	if exc != kerrors.ExceptionPreempted {
		t.Fatalf("exception = %s, want preempted", exc)
	}
	made := int(priv.LoadMR(0))
	if made == 0 || made >= total {
		t.Fatalf("preempted retype made %d of %d", made, total)
	}
	if u.ChildCount() != made {
		t.Errorf("children = %d, want %d kept across preemption", u.ChildCount(), made)
	}

	// Drain the interrupt and restart: the remainder completes without
	// disturbing the existing children.
	k.DrainPendingIRQs()
	exc = k.Invoke(priv, OpRetypeUntyped, SyscallArgs{u.Base, uint32(object.TagThread), 0, uint32(total - made)})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("restarted retype failed: %s (errno %s)", exc, priv.Errno)
	}
	if u.ChildCount() != total {
		t.Errorf("children = %d, want %d", u.ChildCount(), total)
	}
}

func TestUnmapNotInDomain(t *testing.T) {
	k, _, _ := newTestKernel(t, basicImage())
	client := k.Thread(clientNo)
	preMaps := client.MemDomain.MapCount()

	client.StoreMR(1, 0x2000_4C00)
	exc := k.Invoke(client, OpUnmapPage, SyscallArgs{1})
	if exc != kerrors.ExceptionSyscallError {
		t.Fatalf("exception = %s, want syscall-error", exc)
	}
	if !client.Errno.Has(kerrors.ErrnoInvalidParam) {
		t.Errorf("errno = %s, want invalid-param", client.Errno)
	}
	if client.MemDomain.MapCount() != preMaps {
		t.Error("failed unmap changed the domain")
	}
	// The thread is rescheduled normally.
	if client.State != StateQueued && client.State != StateRunning {
		t.Errorf("state = %s, want runnable", client.State)
	}
}

func TestUnmapReturnsStatusInPlace(t *testing.T) {
	k, _, _ := newTestKernel(t, basicImage())
	client := k.Thread(clientNo)
	server := k.Thread(serverNo)

	k.mu.Lock()
	err := memory.MapPage(client.MemDomain, server.MemDomain, 0x2000_4400, 16, memory.RightR|memory.RightW)
	k.mu.Unlock()
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	server.MemDomain.Mark(0x2000_4404, memory.WasWritten)

	base := uint32(0x2000_4400) &^ 0xF
	server.StoreMR(1, base)
	exc := k.Invoke(server, OpUnmapPage, SyscallArgs{1})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("unmap failed: %s (errno %s)", exc, server.Errno)
	}
	status := memory.Status(server.LoadMR(1) & 0xF)
	if status&memory.WasWritten == 0 || status&memory.WasReferenced == 0 {
		t.Errorf("status = %#x, want written|referenced", status)
	}
}

func TestKObjectGrantRevokeSyscalls(t *testing.T) {
	k, _, _ := newTestKernel(t, basicImage())
	priv := k.Thread(ThreadNoPrivilege)
	client := k.Thread(clientNo)

	exc := k.Invoke(priv, OpDObjectAlloc, SyscallArgs{uint32(object.TagNotification), 0})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("dobject-alloc failed: %s", exc)
	}
	addr := priv.LoadMR(1)
	ko := k.Registry().FindKO(addr)
	if ko == nil {
		t.Fatal("allocated object not findable")
	}

	// Allocation grants the caller; a second grant is a single-owner
	// no-op until the first owner is revoked.
	exc = k.Invoke(priv, OpKObjectAccessGrant, SyscallArgs{addr, uint32(client.GID)})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("grant failed: %s", exc)
	}
	if ko.Data&client.DataBit != 0 {
		t.Error("grant on an owned object must be a no-op")
	}

	exc = k.Invoke(priv, OpKObjectAccessRevoke, SyscallArgs{addr, uint32(priv.GID)})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("self revoke failed: %s", exc)
	}
	exc = k.Invoke(priv, OpKObjectAccessGrant, SyscallArgs{addr, uint32(client.GID)})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("grant after revoke failed: %s", exc)
	}
	if ko.Data&client.DataBit == 0 {
		t.Error("grant did not set the owner bit")
	}

	exc = k.Invoke(priv, OpKObjectAccessRevoke, SyscallArgs{addr, uint32(client.GID)})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("revoke failed: %s", exc)
	}
	if ko.Granted() {
		t.Error("revoke left the object granted")
	}

	exc = k.Invoke(priv, OpDObjectFree, SyscallArgs{addr})
	if exc != kerrors.ExceptionNone {
		t.Fatalf("dobject-free failed: %s", exc)
	}
	if k.Registry().FindKO(addr) != nil {
		t.Error("freed object still findable")
	}
}

func TestStackSentinelAbortsThread(t *testing.T) {
	k, _, _ := newTestKernel(t, basicImage())
	client := k.Thread(clientNo)

	client.Frame.StackBase = 0x2000_4000
	client.Frame.StackSize = 0x100
	client.Frame.SP = 0x2000_3F00 // below the stack buffer

	exc := k.Invoke(client, OpSystemClock, SyscallArgs{})
	if exc != kerrors.ExceptionFault {
		t.Fatalf("exception = %s, want fault", exc)
	}
	if k.Thread(clientNo) != nil {
		t.Error("stack-check did not abort the thread")
	}
	if halted, _ := k.Halted(); halted {
		t.Error("stack-check halted the kernel")
	}
}

func TestOpcodeNames(t *testing.T) {
	if got := OpExchangeIPC.Name(); got != "exchange-ipc" {
		t.Errorf("name = %q", got)
	}
	if got := Opcode(syscallTableSize - 1).Name(); got != "reserved" {
		t.Errorf("reserved name = %q", got)
	}
	// Every named entry uses kebab-case.
	for op := Opcode(0); op < opcodeCount; op++ {
		if strings.Contains(op.Name(), " ") {
			t.Errorf("opcode %d name %q contains spaces", op, op.Name())
		}
	}
}
