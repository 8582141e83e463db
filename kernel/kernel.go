package kernel

import (
	"fmt"
	"log/slog"
	"sync"

	"l4kern-go/arch"
	"l4kern-go/config"
	kerrors "l4kern-go/errors"
	"l4kern-go/logging"
	"l4kern-go/memory"
	"l4kern-go/object"
)

// NumPriorities is the number of priority levels per domain.
const NumPriorities = 256

// wordBits is the ready-bitmap word width.
const wordBits = 32

// l2Words is the number of second-level bitmap words per domain.
const l2Words = (NumPriorities + wordBits - 1) / wordBits

// maxWorkUnitsPerPreemption is how many work units a long operation
// completes between preemption-point polls.
const maxWorkUnitsPerPreemption = 20

// sysTimerMinTicks is the closest the hardware timer is ever armed.
const sysTimerMinTicks = 10

// TimerIRQ is the interrupt line reserved for the system tick source.
const TimerIRQ = 0

// actionKind enumerates the scheduler action variants.
type actionKind int

const (
	// actionResume keeps the current thread.
	actionResume actionKind = iota
	// actionChoose elects a new thread from the ready bitmaps.
	actionChoose
	// actionSwitch switches to a designated thread.
	actionSwitch
)

// schedAction is the distinguished scheduler decision variable. Every
// kernel entry ends by honouring it, then resetting it to resume.
type schedAction struct {
	kind   actionKind
	target *TCB
}

// Kernel is one kernel instance. All mutable kernel state lives here so
// tests can run several kernels in-process; the single kernel lock
// serialises every entry.
type Kernel struct {
	mu sync.Mutex

	port   arch.Port
	reg    *object.Registry
	layout *memory.Layout
	img    *config.Image
	log    *slog.Logger

	wcet      int64
	minBudget int64

	threads     map[uint32]*TCB
	current     *TCB
	idle        *TCB
	nextDataBit uint

	action schedAction

	numDomains int
	ready      [][]([]*TCB)
	l1         []uint32
	l2         [][]uint32

	release []*TCB

	domainSchedule []config.DomainSlot
	domainIdx      int
	currentDomain  int
	domainTime     int64

	currentTime int64
	consumed    int64
	reprogram   bool
	workUnits   int

	endpoints     map[object.Addr]*endpoint
	notifications map[object.Addr]*notification
	epByName      map[string]object.Addr
	ntByName      map[string]object.Addr

	irqs     []*irqHandler
	irqState []IRQState

	// rootUntyped is the boot untyped object all runtime allocation
	// derives from.
	rootUntyped *object.DObject

	kip KIP

	halted     bool
	haltReason HaltReason
	haltHook   func(HaltReason)

	// fastIPCCaller keeps the last propagating sender for the redirect
	// path.
	fastIPCCaller GlobalID

	versionCounter uint32
}

// New boots a kernel from a boot image over the given port. The returned
// kernel has its special threads created, configured threads activated,
// endpoints and notifications allocated, and IRQ bindings applied.
func New(img *config.Image, port arch.Port) (*Kernel, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if err := verifyKIPClaims(); err != nil {
		return nil, err
	}

	k := &Kernel{
		port:           port,
		img:            img,
		log:            logging.Default(),
		wcet:           img.WCETTicks,
		minBudget:      2 * img.WCETTicks,
		threads:        make(map[uint32]*TCB),
		numDomains:     img.NumDomains,
		domainSchedule: img.DomainSchedule,
		endpoints:      make(map[object.Addr]*endpoint),
		notifications:  make(map[object.Addr]*notification),
		epByName:       make(map[string]object.Addr),
		ntByName:       make(map[string]object.Addr),
		versionCounter: 1,
	}

	k.layout = &memory.Layout{
		RAMBase:       img.RAM.Base,
		RAMSize:       img.RAM.Size,
		AlignLog2:     img.RAM.AlignLog2,
		MaxPartitions: img.RAM.MaxPartitions,
	}
	for _, r := range img.RAM.KernelReserved {
		rights, _ := config.ParseRights(r.Rights)
		k.layout.KernelRegions = append(k.layout.KernelRegions,
			memory.Partition{Start: r.Start, Size: r.Size, Rights: memory.Rights(rights)})
	}

	k.reg = object.NewRegistry(img.Arena.Base, img.Arena.Size, nil)
	k.reg.SetPreempt(func() bool { return k.preemptPending() })

	k.ready = make([][]([]*TCB), k.numDomains)
	k.l1 = make([]uint32, k.numDomains)
	k.l2 = make([][]uint32, k.numDomains)
	for d := 0; d < k.numDomains; d++ {
		k.ready[d] = make([]([]*TCB), NumPriorities)
		k.l2[d] = make([]uint32, l2Words)
	}

	nIRQ := img.NumIRQs
	if n := port.NumIRQs(); n < nIRQ {
		nIRQ = n
	}
	k.irqs = make([]*irqHandler, nIRQ)
	k.irqState = make([]IRQState, nIRQ)

	k.currentDomain = k.domainSchedule[0].Domain
	k.domainTime = k.domainSchedule[0].Length

	if err := k.boot(); err != nil {
		return nil, err
	}
	return k, nil
}

// boot creates the boot objects: the root untyped, the special threads,
// and everything the image configures.
func (k *Kernel) boot() error {
	var err error
	k.rootUntyped, err = k.reg.Alloc(object.TagUntyped, k.img.Arena.Size/2)
	if err != nil {
		return err
	}
	k.rootUntyped.Obj.SetReady()

	// Special threads occupy the reserved numbers. Only the idle thread
	// is runnable; the rest back kernel services.
	specials := []struct {
		no   uint32
		name string
	}{
		{ThreadNoIdle, "idle"},
		{ThreadNoMain, "main"},
		{ThreadNoPrivilege, "privilege"},
		{ThreadNoScheduler, "scheduler"},
		{ThreadNoSpacer, "spacer"},
		{ThreadNoIRQRequest, "irq-request"},
		{ThreadNoIRQAck, "irq-ack"},
	}
	for _, s := range specials {
		t, err := k.allocThread(s.no, s.name)
		if err != nil {
			return err
		}
		t.Options |= OptionEssential
		t.Priority = NumPriorities - 1
		t.State = StateSuspended
	}
	k.idle = k.threads[ThreadNoIdle]
	k.idle.State = StateRunning
	k.current = k.idle

	// The timer line is owned by the kernel clock.
	if len(k.irqState) > TimerIRQ {
		k.irqState[TimerIRQ] = IRQStateTimer
		k.port.EnableIRQ(TimerIRQ)
	}

	for _, name := range k.img.Endpoints {
		if _, err := k.createEndpoint(name); err != nil {
			return err
		}
	}
	for _, name := range k.img.Notifications {
		if _, err := k.createNotification(name); err != nil {
			return err
		}
	}

	for _, tc := range k.img.Threads {
		if err := k.bootThread(tc); err != nil {
			return err
		}
	}
	for _, irq := range k.img.IRQs {
		t := k.threads[irq.ThreadNo]
		if t == nil {
			return kerrors.ErrThreadNotFound
		}
		if err := k.bindIRQ(irq.Number, t, irq.Action); err != nil {
			return err
		}
	}

	k.buildKIP()
	k.action = schedAction{kind: actionChoose}
	k.schedule()
	return nil
}

// allocThread derives a thread object and builds its TCB around it.
func (k *Kernel) allocThread(no uint32, name string) (*TCB, error) {
	if _, ok := k.threads[no]; ok {
		return nil, kerrors.ErrThreadExists
	}
	d, err := k.reg.Retype(object.TagThread, false, 0, k.rootUntyped)
	if err != nil {
		return nil, err
	}
	d.Obj.SetReady()

	t := &TCB{
		GID:      MakeGlobalID(no, k.versionCounter),
		Name:     name,
		Priority: NumPriorities - 1,
		State:    StateDummy,
		KO:       d,
		DataBit:  1 << (k.nextDataBit % wordBits),
	}
	k.nextDataBit++
	t.Frame.ExcReturn = 0xFFFFFFFD
	k.reg.Grant(&d.Obj, t.DataBit)
	k.threads[no] = t
	return t, nil
}

// bootThread creates, configures, and activates one image thread.
func (k *Kernel) bootThread(tc config.Thread) error {
	t, err := k.allocThread(tc.ThreadNo, tc.Name)
	if err != nil {
		return err
	}
	t.Priority = tc.Priority
	t.Domain = tc.Domain
	if tc.Essential {
		t.Options |= OptionEssential
	}
	t.Options |= OptionUser

	sc, err := k.allocSchedContext(tc.MaxRefills)
	if err != nil {
		return err
	}
	sc.RefillNew(tc.MaxRefills, tc.Budget, tc.Period, k.currentTime)
	sc.TCB = t
	t.SC = sc

	dom := memory.NewDomain(k.layout)
	for _, p := range tc.Partitions {
		rights, err := config.ParseRights(p.Rights)
		if err != nil {
			return err
		}
		if err := dom.AddPartition(memory.Partition{
			Start: p.Start, Size: p.Size, Rights: memory.Rights(rights),
		}); err != nil {
			return kerrors.Wrap(err, kerrors.ErrInvalidConfig,
				fmt.Sprintf("thread %q partition", tc.Name))
		}
	}
	dom.AttachThread(uint32(t.GID))
	t.MemDomain = dom

	return k.activate(t)
}

// allocSchedContext derives a scheduling-context object.
func (k *Kernel) allocSchedContext(maxRefills int) (*SchedContext, error) {
	d, err := k.reg.Retype(object.TagSchedContext, false, 0, k.rootUntyped)
	if err != nil {
		return nil, err
	}
	d.Obj.SetReady()
	return NewSchedContext(maxRefills), nil
}

// createEndpoint allocates a named boot endpoint.
func (k *Kernel) createEndpoint(name string) (*endpoint, error) {
	d, err := k.reg.Retype(object.TagEndpoint, false, 0, k.rootUntyped)
	if err != nil {
		return nil, err
	}
	d.Obj.SetReady()
	ep := &endpoint{d: d, name: name}
	k.endpoints[d.Base] = ep
	k.epByName[name] = d.Base
	return ep, nil
}

// createNotification allocates a named boot notification.
func (k *Kernel) createNotification(name string) (*notification, error) {
	d, err := k.reg.Retype(object.TagNotification, false, 0, k.rootUntyped)
	if err != nil {
		return nil, err
	}
	d.Obj.SetReady()
	nt := &notification{d: d, name: name}
	k.notifications[d.Base] = nt
	k.ntByName[name] = d.Base
	return nt, nil
}

// Port returns the architecture port the kernel runs on.
func (k *Kernel) Port() arch.Port {
	return k.port
}

// Registry returns the kernel-object registry.
func (k *Kernel) Registry() *object.Registry {
	return k.reg
}

// Thread resolves a thread number.
func (k *Kernel) Thread(no uint32) *TCB {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.threads[no]
}

// ThreadByGID resolves a global id, checking the version.
func (k *Kernel) ThreadByGID(gid GlobalID) *TCB {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lookupGID(gid)
}

func (k *Kernel) lookupGID(gid GlobalID) *TCB {
	t := k.threads[gid.ThreadNo()]
	if t == nil || t.GID != gid {
		return nil
	}
	return t
}

// Current returns the running thread.
func (k *Kernel) Current() *TCB {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// Idle returns the idle thread.
func (k *Kernel) Idle() *TCB {
	return k.idle
}

// Now returns the kernel's monotonic time in ticks.
func (k *Kernel) Now() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.currentTime
}

// Halted reports whether the kernel hit a fatal exit, and why.
func (k *Kernel) Halted() (bool, HaltReason) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.halted, k.haltReason
}

// Endpoint resolves a boot endpoint by name.
func (k *Kernel) Endpoint(name string) (object.Addr, bool) {
	addr, ok := k.epByName[name]
	return addr, ok
}

// Notification resolves a boot notification by name.
func (k *Kernel) Notification(name string) (object.Addr, bool) {
	addr, ok := k.ntByName[name]
	return addr, ok
}

// ThreadForEach visits every thread in thread-number order under the
// kernel lock.
func (k *Kernel) ThreadForEach(fn func(*TCB)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	nos := make([]uint32, 0, len(k.threads))
	for no := range k.threads {
		nos = append(nos, no)
	}
	for i := 1; i < len(nos); i++ {
		for j := i; j > 0 && nos[j-1] > nos[j]; j-- {
			nos[j-1], nos[j] = nos[j], nos[j-1]
		}
	}
	for _, no := range nos {
		fn(k.threads[no])
	}
}
