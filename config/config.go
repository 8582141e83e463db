// Package config defines the boot image description for a simulated
// kernel: the RAM window, the domain schedule, the initial threads with
// their bandwidth contracts and memory partitions, bound interrupts, and
// the events a simulation run injects. The image is stored as JSON.
package config

import (
	"encoding/json"
	"os"
)

// Version is the boot image format version this implementation targets.
const Version = "1.0"

// Image is the root of a boot image description.
type Image struct {
	// Version is the boot image format version.
	Version string `json:"imageVersion"`

	// Name labels the image in logs and state dumps.
	Name string `json:"name,omitempty"`

	// RAM describes the system RAM window and MPU constraints.
	RAM RAM `json:"ram"`

	// Arena describes the kernel object storage window.
	Arena Arena `json:"arena"`

	// WCETTicks is the worst-case kernel entry-and-exit time in ticks.
	// The minimum budget of any scheduling context is twice this.
	WCETTicks int64 `json:"wcetTicks"`

	// NumIRQs is the number of interrupt lines the platform exposes.
	NumIRQs int `json:"numIrqs"`

	// NumDomains is the number of scheduling partitions.
	NumDomains int `json:"numDomains"`

	// DomainSchedule is the cyclic (domain, length) slot list.
	DomainSchedule []DomainSlot `json:"domainSchedule"`

	// Threads are the user threads created at boot.
	Threads []Thread `json:"threads,omitempty"`

	// Endpoints are the IPC endpoints created at boot, by name.
	Endpoints []string `json:"endpoints,omitempty"`

	// Notifications are the notification objects created at boot, by name.
	Notifications []string `json:"notifications,omitempty"`

	// IRQs are interrupt lines bound at boot.
	IRQs []IRQ `json:"irqs,omitempty"`

	// Events drive a simulation run.
	Events []Event `json:"events,omitempty"`

	// Hooks configures lifecycle hook commands around a run.
	Hooks *Hooks `json:"hooks,omitempty"`
}

// RAM describes the system RAM window.
type RAM struct {
	// Base is the RAM base address.
	Base uint32 `json:"base"`

	// Size is the RAM size in bytes.
	Size uint32 `json:"size"`

	// AlignLog2 is the MPU region alignment grain.
	AlignLog2 uint8 `json:"alignLog2,omitempty"`

	// KernelReserved are windows holding kernel-private structures; no
	// user partition may overlap them.
	KernelReserved []Region `json:"kernelReserved,omitempty"`

	// MaxPartitions bounds every memory domain's partition table.
	MaxPartitions int `json:"maxPartitions,omitempty"`
}

// Arena describes the kernel object storage window.
type Arena struct {
	// Base is the arena base address.
	Base uint32 `json:"base"`

	// Size is the arena size in bytes.
	Size uint32 `json:"size"`
}

// Region is an address window with rights.
type Region struct {
	// Start is the window base address.
	Start uint32 `json:"start"`

	// Size is the window length in bytes.
	Size uint32 `json:"size"`

	// Rights is the rwx mask ("rwx", "rw-", ...).
	Rights string `json:"rights,omitempty"`
}

// DomainSlot is one slot of the cyclic domain schedule.
type DomainSlot struct {
	// Domain is the scheduling partition that runs during the slot.
	Domain int `json:"domain"`

	// Length is the slot length in ticks.
	Length int64 `json:"length"`
}

// Thread describes one boot-time thread.
type Thread struct {
	// Name labels the thread.
	Name string `json:"name"`

	// ThreadNo is the global thread number; user threads start at 256.
	ThreadNo uint32 `json:"threadNo"`

	// Priority in [0,255]; numerically lower is served first.
	Priority uint8 `json:"priority"`

	// Domain is the scheduling partition.
	Domain int `json:"domain"`

	// Budget is the sporadic-server budget in ticks.
	Budget int64 `json:"budget"`

	// Period is the replenishment period in ticks.
	Period int64 `json:"period"`

	// MaxRefills is the refill ring size (minimum 2).
	MaxRefills int `json:"maxRefills,omitempty"`

	// Partitions are the thread's memory domain partitions.
	Partitions []Region `json:"partitions,omitempty"`

	// Essential marks a thread that must never abort.
	Essential bool `json:"essential,omitempty"`
}

// IRQAction selects what an interrupt handler object does on delivery.
type IRQAction string

// Interrupt handler actions.
const (
	// SignalEnable signals the bound thread's notification.
	SignalEnable IRQAction = "signal-enable"
	// TimerEnable routes the line to the kernel clock handler.
	TimerEnable IRQAction = "timer-enable"
	// Disable masks the line.
	Disable IRQAction = "disable"
	// Free releases the handler object.
	Free IRQAction = "free"
)

// IRQ binds one interrupt line at boot.
type IRQ struct {
	// Number is the interrupt line.
	Number int `json:"number"`

	// ThreadNo is the bound thread's number.
	ThreadNo uint32 `json:"threadNo"`

	// Action is the handler action.
	Action IRQAction `json:"action"`
}

// EventKind selects what a simulation event does.
type EventKind string

// Simulation event kinds.
const (
	// EventIRQ raises an interrupt line.
	EventIRQ EventKind = "irq"
	// EventTick advances virtual time.
	EventTick EventKind = "tick"
)

// Event is one step of a simulation run.
type Event struct {
	// At is the virtual tick the event fires at.
	At int64 `json:"at"`

	// Kind is the event type.
	Kind EventKind `json:"kind"`

	// IRQ is the line to raise for an irq event.
	IRQ int `json:"irq,omitempty"`

	// Ticks is the advance amount for a tick event.
	Ticks int64 `json:"ticks,omitempty"`
}

// Hook is one lifecycle hook command.
type Hook struct {
	// Path is the executable to run.
	Path string `json:"path"`

	// Args are the command arguments (args[0] is the program name).
	Args []string `json:"args,omitempty"`

	// Env is additional environment for the command.
	Env []string `json:"env,omitempty"`

	// Timeout bounds the hook runtime in seconds.
	Timeout *int `json:"timeout,omitempty"`
}

// Hooks configures callbacks around a simulation run.
type Hooks struct {
	// Boot hooks run after the kernel boots, before events replay.
	Boot []Hook `json:"boot,omitempty"`

	// Poststart hooks run after the boot hooks, before events replay.
	Poststart []Hook `json:"poststart,omitempty"`

	// Halt hooks run after the kernel halts or the run ends.
	Halt []Hook `json:"halt,omitempty"`
}

// LoadImage loads a boot image from a JSON file.
func LoadImage(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// Save writes the image to a file as indented JSON.
func (img *Image) Save(path string) error {
	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultImage returns a minimal boot image: one domain, two user threads
// exchanging IPC, and one signal-bound interrupt line.
func DefaultImage() *Image {
	return &Image{
		Version: Version,
		Name:    "default",
		RAM: RAM{
			Base:      0x2000_0000,
			Size:      1 << 20,
			AlignLog2: 5,
			KernelReserved: []Region{
				{Start: 0x2000_0000, Size: 0x2000, Rights: "rw-"},
			},
			MaxPartitions: 8,
		},
		Arena: Arena{
			Base: 0x2010_0000,
			Size: 1 << 18,
		},
		WCETTicks:  10,
		NumIRQs:    32,
		NumDomains: 1,
		DomainSchedule: []DomainSlot{
			{Domain: 0, Length: 10000},
		},
		Threads: []Thread{
			{
				Name:       "client",
				ThreadNo:   256,
				Priority:   100,
				Domain:     0,
				Budget:     1000,
				Period:     10000,
				MaxRefills: 4,
				Partitions: []Region{
					{Start: 0x2000_4000, Size: 0x2000, Rights: "rw-"},
				},
			},
			{
				Name:       "server",
				ThreadNo:   257,
				Priority:   99,
				Domain:     0,
				Budget:     1000,
				Period:     10000,
				MaxRefills: 4,
				Partitions: []Region{
					{Start: 0x2000_8000, Size: 0x2000, Rights: "rw-"},
				},
			},
		},
		Endpoints:     []string{"echo"},
		Notifications: []string{"irq17"},
		IRQs: []IRQ{
			{Number: 17, ThreadNo: 257, Action: SignalEnable},
		},
		Events: []Event{
			{At: 100, Kind: EventIRQ, IRQ: 17},
			{At: 5000, Kind: EventTick, Ticks: 100},
		},
	}
}
