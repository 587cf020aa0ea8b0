package jobs

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func encodeRecord(t *testing.T, record *Record) []byte {
	t.Helper()
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("failed to marshal record: %v", err)
	}
	return data
}

func TestApplyUpdateMutatesAndRefreshesTimestamp(t *testing.T) {
	before := time.Now().UTC().Add(-time.Hour)
	data := encodeRecord(t, &Record{
		JobID:     "job-1",
		Status:    StatusQueued,
		Progress:  ProgressInfo{Percent: 0, Stage: "queued"},
		UpdatedAt: before,
	})

	payload, err := applyUpdate("job-1", data, func(record *Record) {
		record.Status = StatusRunning
		applyProgress(record, ProgressInfo{Percent: 10, Stage: "validate"})
	})
	if err != nil {
		t.Fatalf("applyUpdate returned error: %v", err)
	}

	var updated Record
	if err := json.Unmarshal(payload, &updated); err != nil {
		t.Fatalf("failed to unmarshal updated record: %v", err)
	}
	if updated.Status != StatusRunning {
		t.Errorf("expected status running, got %s", updated.Status)
	}
	if updated.Progress.Percent != 10 {
		t.Errorf("expected progress 10, got %d", updated.Progress.Percent)
	}
	if !updated.UpdatedAt.After(before) {
		t.Errorf("expected UpdatedAt to advance, got %v", updated.UpdatedAt)
	}
}

func TestApplyUpdateRejectsTerminalRecord(t *testing.T) {
	for _, status := range []Status{StatusSucceeded, StatusFailed} {
		data := encodeRecord(t, &Record{JobID: "job-2", Status: status})

		_, err := applyUpdate("job-2", data, func(record *Record) {
			record.Progress.Percent = 50
		})
		if !errors.Is(err, ErrTerminal) {
			t.Errorf("status %s: expected ErrTerminal, got %v", status, err)
		}
	}
}

func TestApplyUpdateRejectsCorruptPayload(t *testing.T) {
	if _, err := applyUpdate("job-3", []byte("{not json"), func(*Record) {}); err == nil {
		t.Error("expected error for corrupt payload")
	}
}
