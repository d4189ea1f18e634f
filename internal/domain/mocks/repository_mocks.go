package mocks

import (
	"context"
	"sync"

	"github.com/V4T54L/logsmith/internal/domain"
)

// MockRawLogStore is a mock implementation of domain.RawLogStore for testing.
type MockRawLogStore struct {
	mu             sync.Mutex
	Upserted       []domain.RawLogRecord
	UpsertCalls    int
	ScanRecords    []domain.ScannedRecord
	LastScanQuery  domain.ScanQuery
	OptimizeCalls  int
	RestoreCalls   int
	EnsureErr      error
	UpsertErr      error
	UpsertErrTimes int // return UpsertErr for the first N calls only; 0 means always
	ScanErr        error
	Duplicates     map[string]bool
}

func (m *MockRawLogStore) EnsureSchema(ctx context.Context) error {
	return m.EnsureErr
}

func (m *MockRawLogStore) BulkUpsert(ctx context.Context, records []domain.RawLogRecord) (domain.BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls++
	if m.UpsertErr != nil && (m.UpsertErrTimes == 0 || m.UpsertCalls <= m.UpsertErrTimes) {
		return domain.BulkResult{}, m.UpsertErr
	}

	var res domain.BulkResult
	for _, rec := range records {
		if m.Duplicates[rec.ID] {
			res.Duplicates++
			continue
		}
		m.Upserted = append(m.Upserted, rec)
		res.Indexed++
	}
	return res, nil
}

func (m *MockRawLogStore) Scan(ctx context.Context, q domain.ScanQuery, fn func(domain.ScannedRecord) error) error {
	m.mu.Lock()
	m.LastScanQuery = q
	records := m.ScanRecords
	scanErr := m.ScanErr
	m.mu.Unlock()

	if scanErr != nil {
		return scanErr
	}
	for _, rec := range records {
		if q.Level != "" && rec.Level != q.Level {
			continue
		}
		if err := fn(rec); err != nil {
			if err == domain.ErrStopScan {
				return domain.ErrStopScan
			}
			return err
		}
	}
	return nil
}

func (m *MockRawLogStore) OptimizeForBulk(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OptimizeCalls++
	return nil
}

func (m *MockRawLogStore) RestoreSettings(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RestoreCalls++
	return nil
}

// MockGroupStore is a mock implementation of domain.GroupStore. ApplyDeltas
// reuses the domain merge so mock state evolves exactly like the real store.
type MockGroupStore struct {
	mu           sync.Mutex
	Groups       map[string]domain.GroupRecord
	ApplyCalls   int
	ApplyErr     error
	ApplyErrOnce bool
	Cleared      bool
	Backups      []domain.AnalystState
}

func (m *MockGroupStore) EnsureSchema(ctx context.Context) error { return nil }

func (m *MockGroupStore) ApplyDeltas(ctx context.Context, deltas []domain.GroupDelta) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ApplyCalls++
	if m.ApplyErr != nil {
		err := m.ApplyErr
		if m.ApplyErrOnce {
			m.ApplyErr = nil
		}
		return 0, err
	}

	if m.Groups == nil {
		m.Groups = make(map[string]domain.GroupRecord)
	}
	for _, d := range deltas {
		g, ok := m.Groups[d.GroupID]
		if !ok {
			m.Groups[d.GroupID] = domain.NewGroupRecord(d)
			continue
		}
		g.Merge(d)
		m.Groups[d.GroupID] = g
	}
	return len(deltas), nil
}

func (m *MockGroupStore) Get(ctx context.Context, id string) (domain.GroupRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.Groups[id]
	return g, ok, nil
}

func (m *MockGroupStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cleared = true
	m.Groups = nil
	return nil
}

func (m *MockGroupStore) BackupAnalystState(ctx context.Context) ([]domain.AnalystState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Backups, nil
}

func (m *MockGroupStore) RestoreAnalystState(ctx context.Context, states []domain.AnalystState) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, s := range states {
		for id, g := range m.Groups {
			if g.Signature == s.Signature {
				g.Diagnosis = s.Diagnosis
				g.Comments = s.Comments
				g.AuditHistory = s.AuditHistory
				m.Groups[id] = g
				restored++
			}
		}
	}
	return restored, nil
}

// MockRuleStore is a mock implementation of domain.RuleStore.
type MockRuleStore struct {
	Rules   []domain.CustomPatternRule
	LoadErr error
}

func (m *MockRuleStore) LoadRules(ctx context.Context, limit int) ([]domain.CustomPatternRule, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if limit > 0 && len(m.Rules) > limit {
		return m.Rules[:limit], nil
	}
	return m.Rules, nil
}

// MockCheckpointStore is a mock implementation of domain.CheckpointStore.
type MockCheckpointStore struct {
	mu         sync.Mutex
	Checkpoint domain.Checkpoint
	Exists     bool
	Updates    []domain.Checkpoint
	GetErr     error
	UpdateErr  error
}

func (m *MockCheckpointStore) GetCheckpoint(ctx context.Context) (domain.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return domain.Checkpoint{}, false, m.GetErr
	}
	return m.Checkpoint, m.Exists, nil
}

func (m *MockCheckpointStore) UpdateCheckpoint(ctx context.Context, c domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.Checkpoint = c
	m.Exists = true
	m.Updates = append(m.Updates, c)
	return nil
}

// MockDeadLetter is a mock implementation of domain.DeadLetter.
type MockDeadLetter struct {
	mu        sync.Mutex
	Payloads  [][]byte
	Truncated bool
	AppendErr error
	ReplayErr error
}

func (m *MockDeadLetter) Append(ctx context.Context, payloads [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.Payloads = append(m.Payloads, payloads...)
	return nil
}

func (m *MockDeadLetter) Replay(ctx context.Context, handler func(payload []byte) error) error {
	m.mu.Lock()
	payloads := m.Payloads
	replayErr := m.ReplayErr
	m.mu.Unlock()

	if replayErr != nil {
		return replayErr
	}
	for _, p := range payloads {
		if err := handler(p); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockDeadLetter) Truncate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Truncated = true
	m.Payloads = nil
	return nil
}

// Len reports how many payloads are parked.
func (m *MockDeadLetter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Payloads)
}
