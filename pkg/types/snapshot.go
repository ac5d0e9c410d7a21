package types

import (
	"encoding/json"
	"time"
)

// Snapshot is the result of one poll cycle: every register of the
// profile in declared order, failed ones holding an absent value.
type Snapshot struct {
	TakenAt time.Time
	names   []string
	values  map[string]Value
	errs    map[string]error
}

func NewSnapshot(takenAt time.Time) *Snapshot {
	return &Snapshot{
		TakenAt: takenAt,
		values:  make(map[string]Value),
		errs:    make(map[string]error),
	}
}

func (s *Snapshot) Set(name string, v Value) {
	if _, ok := s.values[name]; !ok {
		s.names = append(s.names, name)
	}
	s.values[name] = v
	delete(s.errs, name)
}

// Fail records name as absent together with the error that caused it.
func (s *Snapshot) Fail(name string, err error) {
	s.Set(name, Absent())
	s.errs[name] = err
}

// Get reports the value for name; ok is false when the name was never read.
func (s *Snapshot) Get(name string) (v Value, ok bool) {
	v, ok = s.values[name]
	return v, ok
}

func (s *Snapshot) Err(name string) error {
	return s.errs[name]
}

// Names returns register names in the order they were read.
func (s *Snapshot) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

func (s *Snapshot) Len() int {
	return len(s.names)
}

func (s *Snapshot) FailedCount() int {
	return len(s.errs)
}

type snapshotEntry struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
	Error string `json:"error,omitempty"`
}

func (s *Snapshot) MarshalJSON() ([]byte, error) {
	entries := make([]snapshotEntry, 0, len(s.names))
	for _, name := range s.names {
		e := snapshotEntry{Name: name, Value: s.values[name]}
		if err := s.errs[name]; err != nil {
			e.Error = err.Error()
		}
		entries = append(entries, e)
	}
	return json.Marshal(struct {
		TakenAt   time.Time       `json:"taken_at"`
		Registers []snapshotEntry `json:"registers"`
	}{s.TakenAt, entries})
}
