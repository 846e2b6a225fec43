package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func TestFormatAuditLineCheckin(t *testing.T) {
	body, err := json.Marshal(CheckinRecordedEvent{
		EntityID:    7,
		EntityLabel: "Null Pointers",
		Checkpoint:  "entry_1",
		CheckedInAt: "2026-10-17T09:00:00Z",
		RecordedBy:  "user:3",
	})
	require.NoError(t, err)

	line, err := FormatAuditLine(CheckinRecordedQueue, body)
	require.NoError(t, err)
	require.Equal(t, "[2026-10-17T09:00:00Z] Check-in recorded | team_id=7 | team=\"Null Pointers\" | checkpoint=entry_1 | by=user:3\n", line)
}

func TestFormatAuditLineAssignment(t *testing.T) {
	body, err := json.Marshal(ResourceAssignedEvent{
		EntityID: 7, ResourceID: 2, Domain: "ai", Title: "Vision", AssignedCount: 1, Capacity: 3,
		AssignedAt: "2026-10-17T09:00:00Z",
	})
	require.NoError(t, err)

	line, err := FormatAuditLine(ResourceAssignedQueue, body)
	require.NoError(t, err)
	require.Contains(t, line, "seats=1/3")
	require.Contains(t, line, "title=\"Vision\"")
}

func TestFormatAuditLineRejectsGarbage(t *testing.T) {
	_, err := FormatAuditLine(CheckinRecordedQueue, []byte("{"))
	require.Error(t, err)
	_, err = FormatAuditLine("other", []byte("{}"))
	require.Error(t, err)
}

func TestAppendLineCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "access.log")
	require.NoError(t, appendLine(path, "one\n"))
	require.NoError(t, appendLine(path, "two\n"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\n", string(data))
}

type stubWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *stubWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByTeam(t *testing.T) {
	w := &stubWriter{}
	p := &KafkaPublisher{writer: w}

	require.NoError(t, p.PublishCheckin(context.Background(), CheckinRecordedEvent{EntityID: 11, Checkpoint: "entry_1"}))
	require.NoError(t, p.PublishAssignment(context.Background(), ResourceAssignedEvent{EntityID: 11, ResourceID: 4}))
	require.NoError(t, p.Close())

	require.Len(t, w.msgs, 2)
	require.Equal(t, "11", string(w.msgs[0].Key))
	require.Equal(t, "event_type", w.msgs[0].Headers[0].Key)
	require.Equal(t, CheckinRecordedQueue, string(w.msgs[0].Headers[0].Value))
	require.Equal(t, ResourceAssignedQueue, string(w.msgs[1].Headers[0].Value))
	require.JSONEq(t, `{"entity_id":11,"resource_id":4,"domain":"","title":"","assigned_count":0,"capacity":0,"assigned_at":""}`, string(w.msgs[1].Value))
	require.True(t, w.closed)
}
