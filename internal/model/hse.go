package model

import "time"

// HostStatusFlag is a bit in HostStatusEntry.Flags
type HostStatusFlag uint32

// Host status flags, §3 HSE dynamic state
const (
	FlagAutoPaused HostStatusFlag = 1 << iota
	FlagOffline
	FlagOfflineTransient
	FlagErrorQueueSet
	FlagActionSuccess
)

func (f *HostStatusFlag) set(bit HostStatusFlag)     { *f |= bit }
func (f *HostStatusFlag) clear(bit HostStatusFlag)    { *f &^= bit }
func (f HostStatusFlag) has(bit HostStatusFlag) bool  { return f&bit != 0 }

// JobSlotStatus is the per-job substructure of an HSE, §3.
type JobSlotStatus struct {
	ConnectStatus  ConnectStatus
	BytesInUse     int64
	BytesDone      int64
	FilesInUse     uint32
	FilesDone      uint32
	FileNameInUse  string
	JobID          SlotID
	UniqueName     [3]byte // sortable epoch tag; UniqueName[2] doubles as the burst/kill marker
}

// KillMarker is the magic UniqueName[2] value the Dispatcher writes to
// tell a worker it is being deliberately terminated (not crashed), §4.6
// Cancellation and §5 Cancellation.
const KillMarker byte = 5

// IsKillMarked reports whether the Dispatcher has tagged this slot for
// graceful termination.
func (j JobSlotStatus) IsKillMarked() bool { return j.UniqueName[2] == KillMarker }

// HostStatusEntry is one HSE record, §3.
type HostStatusEntry struct {
	// identity
	HostAlias          string
	RealHostname       [2]string // [0]=primary, [1]=alternate ("toggle")
	ActiveToggle        int       // index into RealHostname currently in use
	Port               int
	Protocol           ProtocolFamily
	ProtocolOptions    uint32 // per-protocol options bitset
	BlockSize          int
	TransferTimeout    time.Duration
	RateLimitBytesSec  int64
	KeepConnected      time.Duration
	DisconnectAfter    time.Duration
	MaxErrors          int

	// dynamic state
	ActiveTransfers int
	AllowedTransfers int
	ErrorCounter    int
	ErrorHistory    []time.Time // ring of recent error timestamps
	Flags           HostStatusFlag
	DebugLevel      int

	Jobs []JobSlotStatus // len == AllowedTransfers (or configured max)
}

// Toggle returns the hostname currently selected for dialing.
func (h *HostStatusEntry) Toggle() string {
	if h.ActiveToggle == 1 && h.RealHostname[1] != "" {
		return h.RealHostname[1]
	}
	return h.RealHostname[0]
}

// FlipToggle switches to the other hostname; it does nothing when no
// alternate hostname is configured. afd-worker calls it for its -t
// option; no exit code flips the toggle automatically.
func (h *HostStatusEntry) FlipToggle() {
	if h.RealHostname[1] == "" {
		return
	}
	h.ActiveToggle = 1 - h.ActiveToggle
}

// ActiveTransferCount recomputes invariant 1 of spec §8: active-transfer
// count equals the number of job slots whose connect status isn't
// disconnect.
func (h *HostStatusEntry) ActiveTransferCount() int {
	n := 0
	for _, j := range h.Jobs {
		if j.ConnectStatus.Active() {
			n++
		}
	}
	return n
}

// CheckInvariants validates spec §3/§8 HSE invariants; returns the first
// violation found, or nil.
func (h *HostStatusEntry) CheckInvariants() error {
	if got, want := h.ActiveTransfers, h.ActiveTransferCount(); got != want {
		return &InvariantError{What: "HSE.ActiveTransfers", Detail: "active_transfers must equal count of non-disconnect job slots"}
	}
	if h.ErrorCounter == 0 && h.Flags.has(FlagAutoPaused) {
		// spec §8 invariant 3: error_counter=0 after a success implies not
		// auto_paused; a freshly-reset error counter with auto_paused still
		// set is a stale flag the recovery path (§4.6 step 4h) must clear.
		return &InvariantError{What: "HSE.Flags", Detail: "auto_paused set with zero error_counter"}
	}
	return nil
}

// InvariantError reports a violated model invariant; these are
// programmer errors (§7 taxonomy "Programmer error") logged at DEBUG and
// soft-reset where possible, never panics.
type InvariantError struct {
	What   string
	Detail string
}

func (e *InvariantError) Error() string { return e.What + ": " + e.Detail }
