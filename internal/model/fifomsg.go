package model

// MessageKind is the `kind` byte of a Fifo Message, §4.4/§6.
type MessageKind uint8

// Message kinds, one per fifo the Dispatcher reads from
const (
	MsgCommand MessageKind = iota // fd_cmd: shutdown, reload, pause-host, resume-host, debug-on/off
	MsgWakeUp                     // fd_wake_up: poll the queue now
	MsgNewJob                      // msg_fifo: new TJD
	MsgFinished                    // read_fin (sf_fin): worker exit terminator
	MsgRetry                       // retry_fifo: re-queue a failed job
	MsgDeleteJob                   // delete_jobs: cancel queued jobs
	MsgTransferLog                 // transfer_log: structured event broadcast
	MsgRecalcRateLimit             // trl_calc: recompute rate limits
	MsgBurstWait                   // read_fin: worker idle-but-connected, may accept a burst continuation
)

// NameMax bounds FifoMessage.Name, §6 "char name[NAME_MAX]".
const NameMax = 256

// FifoMessage is the fixed-size record carried on every Command Fifo, §6:
// `{u8 kind, u8 host_slot, u8 job_slot, u8 flags, u32 payload_a, u32
// payload_b, char name[NAME_MAX]}` laid out packed.
type FifoMessage struct {
	Kind      MessageKind
	HostSlot  uint8
	JobSlot   uint8
	Flags     uint8
	PayloadA  uint32
	PayloadB  uint32
	Name      [NameMax]byte
}

// NameString returns Name as a Go string, trimmed at the first NUL.
func (m *FifoMessage) NameString() string {
	for i, b := range m.Name {
		if b == 0 {
			return string(m.Name[:i])
		}
	}
	return string(m.Name[:])
}

// SetName copies s into Name, truncating to NameMax-1 and NUL-terminating.
func (m *FifoMessage) SetName(s string) {
	n := copy(m.Name[:], s)
	if n < len(m.Name) {
		m.Name[n] = 0
	} else {
		m.Name[len(m.Name)-1] = 0
	}
}

// RecordSize is the on-wire size of a FifoMessage, computed once for
// framing/short-read reassembly in internal/fifo.
const RecordSize = 1 + 1 + 1 + 1 + 4 + 4 + NameMax
