package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	t.Cleanup(mock.Close)
	return &Store{db: mock}, mock
}

func messageRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "session_id", "role", "content", "timestamp", "latency_ms"})
}

// expectSessionLock registers the transactional advisory lock every message
// insert takes before its duplicate probe.
func expectSessionLock(mock pgxmock.PgxPoolIface, sessionID string) {
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(sessionID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func TestInsertMessageSuppressesDuplicates(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	// Duplicate-window probe finds an existing identical row.
	mock.ExpectBegin()
	expectSessionLock(mock, "sess-1")
	mock.ExpectQuery(`SELECT (.+) FROM conversations`).
		WithArgs("sess-1", "user", "ping").
		WillReturnRows(messageRows().AddRow("msg-1", "sess-1", "user", "ping", now, nil))
	mock.ExpectCommit()

	msg, duplicate, err := st.InsertMessage(context.Background(), "sess-1", "user", "ping", nil)
	if err != nil {
		t.Fatalf("InsertMessage() error: %v", err)
	}
	if !duplicate {
		t.Error("duplicate = false, want true when an identical recent row exists")
	}
	if msg.ID != "msg-1" {
		t.Errorf("returned id = %q, want the existing row id msg-1", msg.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestInsertMessageAppendsWhenNoDuplicate(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	expectSessionLock(mock, "sess-1")
	mock.ExpectQuery(`SELECT (.+) FROM conversations`).
		WithArgs("sess-1", "assistant", "hello").
		WillReturnRows(messageRows()) // no rows: no recent duplicate

	mock.ExpectQuery(`INSERT INTO conversations`).
		WithArgs(pgxmock.AnyArg(), "sess-1", "assistant", "hello", (*int)(nil)).
		WillReturnRows(messageRows().AddRow("msg-2", "sess-1", "assistant", "hello", now, nil))
	mock.ExpectCommit()

	msg, duplicate, err := st.InsertMessage(context.Background(), "sess-1", "assistant", "hello", nil)
	if err != nil {
		t.Fatalf("InsertMessage() error: %v", err)
	}
	if duplicate {
		t.Error("duplicate = true, want false for a fresh message")
	}
	if msg.ID != "msg-2" {
		t.Errorf("returned id = %q, want msg-2", msg.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestInsertMessageSerializesConcurrentDuplicates(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	// Two racing identical inserts queue on the session advisory lock. The
	// loser's duplicate probe runs after the winner's commit and sees its
	// row, so exactly one INSERT is issued.
	mock.ExpectBegin()
	expectSessionLock(mock, "sess-1")
	mock.ExpectQuery(`SELECT (.+) FROM conversations`).
		WithArgs("sess-1", "user", "ping").
		WillReturnRows(messageRows())
	mock.ExpectQuery(`INSERT INTO conversations`).
		WithArgs(pgxmock.AnyArg(), "sess-1", "user", "ping", (*int)(nil)).
		WillReturnRows(messageRows().AddRow("msg-1", "sess-1", "user", "ping", now, nil))
	mock.ExpectCommit()

	mock.ExpectBegin()
	expectSessionLock(mock, "sess-1")
	mock.ExpectQuery(`SELECT (.+) FROM conversations`).
		WithArgs("sess-1", "user", "ping").
		WillReturnRows(messageRows().AddRow("msg-1", "sess-1", "user", "ping", now, nil))
	mock.ExpectCommit()

	winner, duplicate, err := st.InsertMessage(context.Background(), "sess-1", "user", "ping", nil)
	if err != nil {
		t.Fatalf("first InsertMessage() error: %v", err)
	}
	if duplicate {
		t.Error("first insert flagged duplicate")
	}

	loser, duplicate, err := st.InsertMessage(context.Background(), "sess-1", "user", "ping", nil)
	if err != nil {
		t.Fatalf("second InsertMessage() error: %v", err)
	}
	if !duplicate {
		t.Error("duplicate = false, want true for the serialized second insert")
	}
	if loser.ID != winner.ID {
		t.Errorf("second insert returned id %q, want the winner's id %q", loser.ID, winner.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRecentMessagesAscendingOrder(t *testing.T) {
	st, mock := newMockStore(t)
	base := time.Now()

	mock.ExpectQuery(`SELECT (.+) FROM \(`).
		WithArgs("sess-1", 3).
		WillReturnRows(messageRows().
			AddRow("m1", "sess-1", "user", "one", base, nil).
			AddRow("m2", "sess-1", "assistant", "two", base.Add(time.Second), nil).
			AddRow("m3", "sess-1", "user", "three", base.Add(2*time.Second), nil))

	msgs, err := st.RecentMessages(context.Background(), "sess-1", 3)
	if err != nil {
		t.Fatalf("RecentMessages() error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if !msgs[i].Timestamp.After(msgs[i-1].Timestamp) {
			t.Errorf("messages[%d] not after messages[%d]", i, i-1)
		}
	}
}

func TestClaimTaskRespectsRowLockSemantics(t *testing.T) {
	st, mock := newMockStore(t)

	// A task already claimed elsewhere matches no row.
	mock.ExpectQuery(`UPDATE extraction_tasks`).
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "agent_id", "user_message", "ai_response", "status",
			"attempts", "error", "created_at", "completed_at",
		}))

	_, err := st.ClaimTask(context.Background(), "task-1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ClaimTask() on contended task error = %v, want ErrNotFound", err)
	}
}

func TestClaimTaskIncrementsAttempts(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`UPDATE extraction_tasks`).
		WithArgs("task-2").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "agent_id", "user_message", "ai_response", "status",
			"attempts", "error", "created_at", "completed_at",
		}).AddRow("task-2", "user-1", nil, "I love Thai food", "Nice!", TaskProcessing, 1, nil, now, nil))

	task, err := st.ClaimTask(context.Background(), "task-2")
	if err != nil {
		t.Fatalf("ClaimTask() error: %v", err)
	}
	if task.Status != TaskProcessing {
		t.Errorf("Status = %q, want processing", task.Status)
	}
	if task.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", task.Attempts)
	}
}

func TestTouchLastAccessedEmptyIsNoop(t *testing.T) {
	st, mock := newMockStore(t)

	// No expectations registered: any query would fail the test.
	if err := st.TouchLastAccessed(context.Background(), nil); err != nil {
		t.Fatalf("TouchLastAccessed(nil) error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database traffic: %v", err)
	}
}

func TestGetSettingBoolFallsBack(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT value FROM system_settings`).
		WithArgs("memory.agent_specific_disabled").
		WillReturnRows(pgxmock.NewRows([]string{"value"})) // key absent

	v, err := st.GetSettingBool(context.Background(), "memory.agent_specific_disabled", true)
	if err != nil {
		t.Fatalf("GetSettingBool() error: %v", err)
	}
	if !v {
		t.Error("GetSettingBool() = false, want fallback true for absent key")
	}
}

func TestGetSettingBoolReadsValue(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT value FROM system_settings`).
		WithArgs("memory.agent_specific_disabled").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte(`true`)))

	v, err := st.GetSettingBool(context.Background(), "memory.agent_specific_disabled", false)
	if err != nil {
		t.Fatalf("GetSettingBool() error: %v", err)
	}
	if !v {
		t.Error("GetSettingBool() = false, want stored true")
	}
}

func TestEndSessionUnknownID(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE sessions SET active = FALSE`).
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	if err := st.EndSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("EndSession() error = %v, want ErrNotFound", err)
	}
}

func TestGetUserAgentMemorySettingUnset(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT agent_specific FROM user_agent_memory_settings`).
		WithArgs("user-1", "agent-1").
		WillReturnRows(pgxmock.NewRows([]string{"agent_specific"}))

	v, err := st.GetUserAgentMemorySetting(context.Background(), "user-1", "agent-1")
	if err != nil {
		t.Fatalf("GetUserAgentMemorySetting() error: %v", err)
	}
	if v != nil {
		t.Errorf("preference = %v, want nil for unset preference", *v)
	}
}
