package allocator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// State is the persisted status of a GPU record.
type State string

const (
	StateAvailable State = "available"
	StateInUse     State = "in_use"
)

// NoPurpose is stored when a claim carries no purpose text.
const NoPurpose = "No purpose specified"

// Caller identifies the chat user issuing a command. Identity is trusted.
type Caller struct {
	ID   string
	Name string
}

// Claim holds the details of an in-use GPU.
type Claim struct {
	UserID    string
	UserName  string
	Purpose   string
	ClaimedAt time.Time
	ExpiresAt time.Time
}

// Duration is the length the claim was granted for.
func (c *Claim) Duration() time.Duration {
	return c.ExpiresAt.Sub(c.ClaimedAt)
}

// Expired reports whether the claim is over at now. A claim is already
// expired at its exact expiry instant.
func (c *Claim) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Record is either available (Claim == nil) or in use.
type Record struct {
	Claim *Claim
}

// Available returns an available record.
func Available() Record { return Record{} }

// InUse returns a record held by claim.
func InUse(c Claim) Record { return Record{Claim: &c} }

func (r Record) State() State {
	if r.Claim == nil {
		return StateAvailable
	}
	return StateInUse
}

func (r Record) IsAvailable() bool { return r.Claim == nil }

// wireRecord is the on-disk layout shared with the legacy Python bot's status file.
type wireRecord struct {
	Status      State  `json:"status"`
	UserID      string `json:"user_id,omitempty"`
	UserName    string `json:"user_name,omitempty"`
	Purpose     string `json:"purpose,omitempty"`
	ClaimTime   string `json:"claim_time,omitempty"`
	ReleaseTime string `json:"release_time,omitempty"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	if r.Claim == nil {
		return json.Marshal(wireRecord{Status: StateAvailable})
	}
	return json.Marshal(wireRecord{
		Status:      StateInUse,
		UserID:      r.Claim.UserID,
		UserName:    r.Claim.UserName,
		Purpose:     r.Claim.Purpose,
		ClaimTime:   r.Claim.ClaimedAt.UTC().Format(time.RFC3339Nano),
		ReleaseTime: r.Claim.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Status {
	case StateAvailable:
		*r = Record{}
		return nil
	case StateInUse:
	default:
		return fmt.Errorf("unknown record status %q", w.Status)
	}
	expires, err := parseTimestamp(w.ReleaseTime)
	if err != nil {
		return fmt.Errorf("release_time: %w", err)
	}
	claimed, err := parseTimestamp(w.ClaimTime)
	if err != nil {
		return fmt.Errorf("claim_time: %w", err)
	}
	*r = Record{Claim: &Claim{
		UserID:    w.UserID,
		UserName:  w.UserName,
		Purpose:   w.Purpose,
		ClaimedAt: claimed,
		ExpiresAt: expires,
	}}
	return nil
}

// naive ISO-8601 layouts carry no offset and are read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// Table maps GPU ids to their records. The key set is fixed at
// initialization.
type Table map[string]Record

// NewTable returns a table of size GPUs, all available.
func NewTable(size int) Table {
	t := make(Table, size)
	for i := 0; i < size; i++ {
		t[strconv.Itoa(i)] = Available()
	}
	return t
}

// Clone returns a copy that shares no claim pointers with t.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for id, rec := range t {
		if rec.Claim != nil {
			c := *rec.Claim
			rec = Record{Claim: &c}
		}
		out[id] = rec
	}
	return out
}

// Validate reports whether id is a non-negative integer and a key of t.
func Validate(id string, t Table) bool {
	if id == "" {
		return false
	}
	n, err := strconv.Atoi(id)
	if err != nil || n < 0 {
		return false
	}
	_, ok := t[id]
	return ok
}

// ValidIDs returns the keys of t in numeric order.
func ValidIDs(t Table) []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sortNumeric(ids)
	return ids
}

func sortNumeric(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return ids[i] < ids[j]
	})
}

// GPUStatus is one row of the status dashboard.
type GPUStatus struct {
	ID     string
	Record Record
	// Remaining is the time left until expiry; zero for available GPUs.
	Remaining time.Duration
}

// ReleaseResult reports the outcome of a successful release.
type ReleaseResult struct {
	GPUID            string
	AlreadyAvailable bool
	// Previous is the claim that was released. It is nil when the GPU was
	// available before the call and set when a lapsed claim was cleared.
	Previous *Claim
}
