package fifo

import (
	"fmt"
	"path/filepath"
)

// Canonical fifo file names under the work directory, §4.4.
const (
	FileCmd         = "fd_cmd"
	FileWakeUp      = "fd_wake_up"
	FileMsg         = "msg_fifo"
	FileReadFin     = "read_fin"
	FileRetry       = "retry_fifo"
	FileDeleteJobs  = "delete_jobs"
	FileTransferLog = "transfer_log"
	FileTrlCalc     = "trl_calc"
)

// openOrder fixes the single order in which the set's fifos are created
// and opened. The open order has no observable effect on behavior (each
// fifo is independent), so one consistent order replaces the
// copy-paste-duplicated init_fifos_fd sequence.
var openOrder = []string{
	FileCmd,
	FileWakeUp,
	FileMsg,
	FileReadFin,
	FileRetry,
	FileDeleteJobs,
	FileTransferLog,
	FileTrlCalc,
}

// Set holds every Command Fifo the Dispatcher reads from or writes to.
type Set struct {
	byName map[string]*Fifo
}

// OpenSet creates and opens the full core set under dir, in openOrder.
func OpenSet(dir string) (*Set, error) {
	s := &Set{byName: make(map[string]*Fifo, len(openOrder))}
	for _, name := range openOrder {
		f, err := Open(name, filepath.Join(dir, name))
		if err != nil {
			s.CloseAll()
			return nil, fmt.Errorf("fifo: open set: %w", err)
		}
		s.byName[name] = f
	}
	return s, nil
}

// Get returns the named fifo, or nil if the set doesn't contain it.
func (s *Set) Get(name string) *Fifo { return s.byName[name] }

// All returns every fifo in the set, in openOrder.
func (s *Set) All() []*Fifo {
	out := make([]*Fifo, 0, len(openOrder))
	for _, name := range openOrder {
		if f, ok := s.byName[name]; ok {
			out = append(out, f)
		}
	}
	return out
}

// CloseAll closes every fifo currently in the set, collecting the first
// error encountered but attempting every close.
func (s *Set) CloseAll() error {
	var first error
	for _, f := range s.byName {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
