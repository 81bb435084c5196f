package allocator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_JSONLayout(t *testing.T) {
	claimed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	table := Table{
		"0": Available(),
		"1": InUse(Claim{UserID: "U1", UserName: "alice", Purpose: "train", ClaimedAt: claimed, ExpiresAt: claimed.Add(2 * time.Hour)}),
	}
	b, err := json.Marshal(table)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"0": {"status": "available"},
		"1": {"status": "in_use", "user_id": "U1", "user_name": "alice", "purpose": "train",
		      "claim_time": "2024-05-01T10:00:00Z", "release_time": "2024-05-01T12:00:00Z"}
	}`, string(b))
}

func TestRecord_UnmarshalTimestamps(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)
	tests := []struct {
		name string
		ts   string
	}{
		{"utc offset", "2024-05-01T12:00:00.123456+00:00"},
		{"zulu", "2024-05-01T12:00:00.123456Z"},
		{"other offset", "2024-05-01T17:30:00.123456+05:30"},
		{"naive", "2024-05-01T12:00:00.123456"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := `{"status":"in_use","user_id":"U1","user_name":"a","purpose":"p","claim_time":"2024-05-01T10:00:00+00:00","release_time":"` + tt.ts + `"}`
			var r Record
			require.NoError(t, json.Unmarshal([]byte(doc), &r))
			require.NotNil(t, r.Claim)
			assert.True(t, r.Claim.ExpiresAt.Equal(want), "got %v", r.Claim.ExpiresAt)
			assert.Equal(t, time.UTC, r.Claim.ExpiresAt.Location())
		})
	}
}

func TestRecord_UnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown status", `{"status":"broken"}`},
		{"in use without release time", `{"status":"in_use","user_id":"U1","claim_time":"2024-05-01T10:00:00Z"}`},
		{"bad release time", `{"status":"in_use","claim_time":"2024-05-01T10:00:00Z","release_time":"tomorrow"}`},
		{"not an object", `"available"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Record
			assert.Error(t, json.Unmarshal([]byte(tt.doc), &r))
		})
	}
}

func TestValidate(t *testing.T) {
	table := NewTable(3)
	tests := []struct {
		id   string
		want bool
	}{
		{"0", true},
		{"2", true},
		{"3", false},
		{"-1", false},
		{"abc", false},
		{"", false},
		{"01", false},
	}
	for _, tt := range tests {
		if got := Validate(tt.id, table); got != tt.want {
			t.Errorf("Validate(%q) got=%v want=%v", tt.id, got, tt.want)
		}
	}
}

func TestValidIDs_NumericOrder(t *testing.T) {
	table := NewTable(12)
	got := ValidIDs(table)
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11"}, got)
}

func TestClaim_Expired(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := Claim{ClaimedAt: at.Add(-time.Hour), ExpiresAt: at}
	assert.True(t, c.Expired(at), "a claim is expired at its expiry instant")
	assert.False(t, c.Expired(at.Add(-time.Nanosecond)))
	assert.Equal(t, time.Hour, c.Duration())
}

func TestTable_Clone(t *testing.T) {
	table := Table{"0": InUse(Claim{UserName: "alice"})}
	clone := table.Clone()
	clone["0"].Claim.UserName = "bob"
	assert.Equal(t, "alice", table["0"].Claim.UserName)
}
