package consistency

import (
	"crypto/sha1"
	"encoding/hex"
	"testing"
)

func testReporter() *Reporter {
	return NewReporter(nil, nil, Thresholds{
		ObserveRatio:   0.08,
		DegradedRatio:  0.15,
		CriticalRatio:  0.35,
		DriftThreshold: 2,
	}, nil)
}

func TestCompareStatuses(t *testing.T) {
	// Given a server snapshot and a client that matches one table, miscounts
	// another, mismatches a checksum and never reported a fourth
	server := &Snapshot{Tables: map[string]UnitState{
		"entities":   {Count: 3, Checksum: "aaa"},
		"notes":      {Count: 5, Checksum: "bbb"},
		"audit_log":  {Count: 2, Checksum: "ccc"},
		"chat_reads": {Count: 1, Checksum: "ddd"},
	}}
	client := &Snapshot{Tables: map[string]UnitState{
		"entities":  {Count: 3, Checksum: "aaa"},
		"notes":     {Count: 4, Checksum: "bbb"},
		"audit_log": {Count: 2, Checksum: "zzz"},
	}}

	// When the snapshots are compared
	diffs := Compare(server, client)

	// Then each unit gets the right verdict
	want := map[string]string{
		"entities":   StatusOK,
		"notes":      StatusDrift,
		"audit_log":  StatusWarning,
		"chat_reads": StatusUnknown,
	}
	if len(diffs) != len(want) {
		t.Fatalf("got %d diffs, want %d", len(diffs), len(want))
	}
	for _, d := range diffs {
		if d.Kind != KindTable {
			t.Errorf("%s kind = %q", d.Name, d.Kind)
		}
		if d.Status != want[d.Name] {
			t.Errorf("%s status = %q, want %q", d.Name, d.Status, want[d.Name])
		}
	}
}

func TestEvaluateLevels(t *testing.T) {
	r := testReporter()

	mkDiffs := func(drift, warning, unknown, ok int) []Diff {
		var diffs []Diff
		add := func(n int, status string) {
			for i := 0; i < n; i++ {
				diffs = append(diffs, Diff{Kind: KindTable, Name: status + string(rune('a'+len(diffs))), Status: status})
			}
		}
		add(drift, StatusDrift)
		add(warning, StatusWarning)
		add(unknown, StatusUnknown)
		add(ok, StatusOK)
		return diffs
	}

	tests := []struct {
		name       string
		diffs      []Diff
		serverSeq  int64
		lastPulled int64
		wantLevel  string
	}{
		{"all ok", mkDiffs(0, 0, 0, 10), 100, 100, LevelNormal},
		{"drift ratio critical", mkDiffs(4, 0, 0, 6), 100, 100, LevelCritical},
		{"absolute drift critical", mkDiffs(8, 0, 0, 192), 100, 100, LevelCritical},
		{"lag critical", mkDiffs(1, 0, 0, 9), 40000, 10000, LevelCritical},
		{"drift ratio degraded", mkDiffs(2, 0, 0, 8), 100, 100, LevelDegraded},
		{"lag degraded", mkDiffs(0, 1, 0, 9), 13000, 0, LevelDegraded},
		{"drift ratio observe", mkDiffs(1, 0, 0, 9), 100, 100, LevelObserve},
		{"warning ratio observe", mkDiffs(0, 3, 0, 7), 100, 100, LevelObserve},
		{"lag observe", mkDiffs(0, 1, 0, 19), 6000, 0, LevelObserve},
		{"unknown only stays normal", mkDiffs(0, 0, 5, 0), 100, 100, LevelNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := r.Evaluate(tt.diffs, tt.serverSeq, tt.lastPulled)
			if sig.Level != tt.wantLevel {
				t.Errorf("level = %q, want %q (signal %+v)", sig.Level, tt.wantLevel, sig)
			}
		})
	}
}

func TestEvaluateLagNeverNegative(t *testing.T) {
	// Given a client whose cursor is ahead of the observed server sequence
	r := testReporter()

	// When evaluated
	sig := r.Evaluate(nil, 50, 80)

	// Then the lag clamps to zero
	if sig.Lag != 0 {
		t.Errorf("lag = %d, want 0", sig.Lag)
	}
	if sig.LagRatio != 0 {
		t.Errorf("lag ratio = %v, want 0", sig.LagRatio)
	}
}

func TestFingerprintIgnoresOrderAndOKDiffs(t *testing.T) {
	// Given the same symptom set in two orders, with extra ok units
	a := []Diff{
		{Kind: KindTable, Name: "notes", Status: StatusDrift},
		{Kind: KindTable, Name: "entities", Status: StatusWarning},
		{Kind: KindTable, Name: "audit_log", Status: StatusOK},
	}
	b := []Diff{
		{Kind: KindTable, Name: "entities", Status: StatusWarning},
		{Kind: KindTable, Name: "chat_reads", Status: StatusOK},
		{Kind: KindTable, Name: "notes", Status: StatusDrift},
	}

	// Then the fingerprints match
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("fingerprints differ for the same symptom set")
	}

	// And a different symptom set fingerprints differently
	c := []Diff{{Kind: KindTable, Name: "notes", Status: StatusWarning}}
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("distinct symptom sets share a fingerprint")
	}
}

func TestFingerprintEmptyFallback(t *testing.T) {
	// Given no symptoms at all
	sum := sha1.Sum([]byte("empty"))
	want := hex.EncodeToString(sum[:])

	// Then the all-ok and the nil diff lists share the sentinel value
	if got := Fingerprint(nil); got != want {
		t.Errorf("nil fingerprint = %s, want %s", got, want)
	}
	allOK := []Diff{{Kind: KindTable, Name: "notes", Status: StatusOK}}
	if got := Fingerprint(allOK); got != want {
		t.Errorf("all-ok fingerprint = %s, want %s", got, want)
	}
}
