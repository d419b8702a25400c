// Package consistency compares client-reported table snapshots against the
// server's own state and condenses the differences into a per-client signal
// level the autoheal controller acts on.
package consistency

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/hyperengineering/recordsync/internal/registry"
	"github.com/hyperengineering/recordsync/internal/store"
)

// Diff kinds and statuses.
const (
	KindTable      = "table"
	KindEntityType = "entityType"

	StatusOK      = "ok"
	StatusWarning = "warning"
	StatusDrift   = "drift"
	StatusUnknown = "unknown"
)

// Signal levels in escalation order.
const (
	LevelNormal   = "normal"
	LevelObserve  = "observe"
	LevelDegraded = "degraded"
	LevelCritical = "critical"
)

// UnitState is one comparable unit in a snapshot: live-row count plus a
// checksum over sorted (id, updated_at) pairs.
type UnitState struct {
	Count    int    `json:"count"`
	Checksum string `json:"checksum"`
}

// Snapshot is the client-posted (and server-computed) consistency state.
type Snapshot struct {
	Tables      map[string]UnitState `json:"tables"`
	EntityTypes map[string]UnitState `json:"entity_types,omitempty"`
}

// Diff is one compared unit's verdict.
type Diff struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ClientReport is the per-client section of the consistency report.
type ClientReport struct {
	ClientID            string `json:"clientId"`
	Status              string `json:"status"`
	SnapshotAt          int64  `json:"snapshotAt"`
	LastPulledServerSeq int64  `json:"lastPulledServerSeq"`
	Diffs               []Diff `json:"diffs"`
}

// Report is the full consistency report.
type Report struct {
	Server  ServerInfo     `json:"server"`
	Clients []ClientReport `json:"clients"`
}

// ServerInfo identifies the server side of the comparison.
type ServerInfo struct {
	Source    string `json:"source"`
	ServerSeq int64  `json:"serverSeq"`
}

// Signal is the condensed per-client verdict consumed by autoheal.
type Signal struct {
	Level       string  `json:"level"`
	Drift       int     `json:"drift"`
	Warning     int     `json:"warning"`
	Unknown     int     `json:"unknown"`
	Comparable  int     `json:"comparable"`
	Lag         int64   `json:"lag"`
	LagRatio    float64 `json:"lag_ratio"`
	Fingerprint string  `json:"fingerprint"`
}

// Thresholds are the signal tuning knobs.
type Thresholds struct {
	ObserveRatio   float64
	DegradedRatio  float64
	CriticalRatio  float64
	DriftThreshold int
}

// Reporter computes server-side snapshots and evaluates client reports.
type Reporter struct {
	store      *store.SQLiteStore
	registry   *registry.Registry
	thresholds Thresholds
	logger     *slog.Logger
}

// NewReporter builds the consistency reporter.
func NewReporter(st *store.SQLiteStore, reg *registry.Registry, th Thresholds, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{store: st, registry: reg, thresholds: th, logger: logger}
}

// ServerSnapshot computes the server's own per-table and per-entity-type
// unit states from the live row projections.
func (r *Reporter) ServerSnapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Tables:      make(map[string]UnitState),
		EntityTypes: make(map[string]UnitState),
	}

	for _, entry := range r.registry.Entries() {
		rows, err := r.store.ListRows(ctx, entry, false)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", entry.Name, err)
		}
		snap.Tables[entry.Name] = unitStateOf(rows)

		if entry.Name == "entities" {
			byType := make(map[string][]map[string]any)
			for _, row := range rows {
				typeID, _ := row["entity_type_id"].(string)
				if typeID != "" {
					byType[typeID] = append(byType[typeID], row)
				}
			}
			for typeID, typeRows := range byType {
				snap.EntityTypes[typeID] = unitStateOf(typeRows)
			}
		}
	}
	return snap, nil
}

// unitStateOf hashes sorted "id|updated_at" lines so two replicas with the
// same live rows produce the same checksum regardless of row order.
func unitStateOf(rows []map[string]any) UnitState {
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, fmt.Sprintf("%v|%v", row["id"], row["updated_at"]))
	}
	sort.Strings(lines)
	sum := sha1.Sum([]byte(strings.Join(lines, "\n")))
	return UnitState{Count: len(rows), Checksum: hex.EncodeToString(sum[:])}
}

// Compare produces the diff list for one client snapshot against the
// server's. Units the client never reported come back unknown.
func Compare(server, client *Snapshot) []Diff {
	diffs := make([]Diff, 0, len(server.Tables)+len(server.EntityTypes))
	for _, name := range sortedKeys(server.Tables) {
		diffs = append(diffs, compareUnit(KindTable, name, server.Tables[name], client.Tables))
	}
	for _, name := range sortedKeys(server.EntityTypes) {
		diffs = append(diffs, compareUnit(KindEntityType, name, server.EntityTypes[name], client.EntityTypes))
	}
	return diffs
}

func compareUnit(kind, name string, want UnitState, got map[string]UnitState) Diff {
	state, ok := got[name]
	switch {
	case !ok:
		return Diff{Kind: kind, Name: name, Status: StatusUnknown}
	case state.Count != want.Count:
		return Diff{Kind: kind, Name: name, Status: StatusDrift}
	case state.Checksum != want.Checksum:
		return Diff{Kind: kind, Name: name, Status: StatusWarning}
	default:
		return Diff{Kind: kind, Name: name, Status: StatusOK}
	}
}

func sortedKeys(m map[string]UnitState) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Evaluate condenses a diff list and lag into the signal level.
func (r *Reporter) Evaluate(diffs []Diff, serverSeq, clientLastPulled int64) Signal {
	var d, w, u int
	for _, diff := range diffs {
		switch diff.Status {
		case StatusDrift:
			d++
		case StatusWarning:
			w++
		case StatusUnknown:
			u++
		}
	}
	c := len(diffs) - u

	lag := serverSeq - clientLastPulled
	if lag < 0 {
		lag = 0
	}
	denom := serverSeq
	if denom < 1 {
		denom = 1
	}
	lagRatio := float64(lag) / float64(denom)

	sig := Signal{
		Drift: d, Warning: w, Unknown: u, Comparable: c,
		Lag: lag, LagRatio: lagRatio,
		Fingerprint: Fingerprint(diffs),
	}
	sig.Level = r.level(sig)
	return sig
}

func (r *Reporter) level(s Signal) string {
	th := r.thresholds
	thD := th.DriftThreshold
	d, w := float64(s.Drift), float64(s.Warning)
	var dRatio, wRatio, dwRatio float64
	if s.Comparable > 0 {
		dRatio = d / float64(s.Comparable)
		wRatio = w / float64(s.Comparable)
		dwRatio = (d + w) / float64(s.Comparable)
	}
	obsFloor := th.ObserveRatio
	if obsFloor < 0.08 {
		obsFloor = 0.08
	}

	switch {
	case dRatio >= th.CriticalRatio && s.Comparable > 0,
		s.Drift >= maxInt(8, 3*thD),
		s.Lag > 25000 && s.LagRatio >= 0.25 && dwRatio >= obsFloor:
		return LevelCritical
	case dRatio >= th.DegradedRatio && s.Comparable > 0,
		s.Drift >= maxInt(4, 2*thD),
		s.Lag > 12000 && dwRatio >= th.ObserveRatio:
		return LevelDegraded
	case dRatio >= th.ObserveRatio && s.Comparable > 0,
		wRatio >= 0.3 && s.Comparable > 0,
		s.Warning >= maxInt(6, 3*thD),
		s.Lag > 5000 && s.Drift+s.Warning > 0:
		return LevelObserve
	default:
		return LevelNormal
	}
}

// Fingerprint hashes the lexically sorted non-ok diffs so identical symptom
// sets map to the same value across evaluations.
func Fingerprint(diffs []Diff) string {
	parts := make([]string, 0, len(diffs))
	for _, d := range diffs {
		if d.Status == StatusOK {
			continue
		}
		parts = append(parts, d.Kind+":"+d.Name+":"+d.Status)
	}
	if len(parts) == 0 {
		sum := sha1.Sum([]byte("empty"))
		return hex.EncodeToString(sum[:])
	}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// EvaluateClient compares one client's stored snapshot against the current
// server state. Returns nil when the client never posted a snapshot.
func (r *Reporter) EvaluateClient(ctx context.Context, clientID string, serverSeq int64) (*ClientReport, *Signal, error) {
	stored, err := r.store.GetClientConsistencySnapshot(ctx, clientID)
	if err == store.ErrNotFound {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var clientSnap Snapshot
	if err := json.Unmarshal(stored.Payload, &clientSnap); err != nil {
		return nil, nil, fmt.Errorf("decode snapshot for %s: %w", clientID, err)
	}

	serverSnap, err := r.ServerSnapshot(ctx)
	if err != nil {
		return nil, nil, err
	}

	st, err := r.store.GetClientSyncState(ctx, clientID)
	if err != nil {
		return nil, nil, err
	}
	lastPulled := st.LastPulledServerSeq
	if stored.CursorSeq > lastPulled {
		lastPulled = stored.CursorSeq
	}

	diffs := Compare(serverSnap, &clientSnap)
	sig := r.Evaluate(diffs, serverSeq, lastPulled)

	report := &ClientReport{
		ClientID:            clientID,
		Status:              overallStatus(diffs),
		SnapshotAt:          stored.SnapshotAt,
		LastPulledServerSeq: lastPulled,
		Diffs:               diffs,
	}
	return report, &sig, nil
}

// GetConsistencyReport evaluates every known client.
func (r *Reporter) GetConsistencyReport(ctx context.Context) (*Report, error) {
	serverSeq, err := r.store.GetLatestSequence(ctx)
	if err != nil {
		return nil, err
	}

	clients, err := r.store.ListClientIDs(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Server:  ServerInfo{Source: "change_log", ServerSeq: serverSeq},
		Clients: make([]ClientReport, 0, len(clients)),
	}
	for _, id := range clients {
		cr, _, err := r.EvaluateClient(ctx, id, serverSeq)
		if err != nil {
			r.logger.Warn("client evaluation failed", slog.String("client_id", id), slog.Any("error", err))
			continue
		}
		if cr != nil {
			report.Clients = append(report.Clients, *cr)
		}
	}
	return report, nil
}

func overallStatus(diffs []Diff) string {
	status := StatusOK
	for _, d := range diffs {
		switch d.Status {
		case StatusDrift:
			return StatusDrift
		case StatusWarning:
			status = StatusWarning
		}
	}
	return status
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
