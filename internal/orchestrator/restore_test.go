package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routerbackup/internal/backup"
	"routerbackup/internal/history"
	"routerbackup/internal/notify"
	"routerbackup/internal/storage"
	"routerbackup/internal/storage/local"
)

func newRestoreSink(t *testing.T, files map[string]string) *local.Store {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	s := local.New(dir, storage.RetentionPolicy{MaxCount: 5}, storage.NameFilter{Prefix: "backup_"})
	s.SetName("usb")
	return s
}

func newRestoreOrchestrator(client *fakeClient, n *recordingNotifier, sinks ...storage.Store) *Orchestrator {
	var notifier notify.Notifier
	if n != nil {
		notifier = n
	}
	o := newTestOrchestrator(client, sinks, RetryPolicy{Attempts: 1}, notifier, (&sleepRecorder{}).Sleep)
	o.cfg.AllowRestore = true
	return o
}

func TestRestore_NewestArtifact(t *testing.T) {
	sink := newRestoreSink(t, map[string]string{
		"backup_20240101_030000.tar.gz": "older",
		"backup_20240102_030000.tar.gz": "newer",
	})
	client := &fakeClient{}
	n := &recordingNotifier{}
	o := newRestoreOrchestrator(client, n, sink)

	res, err := o.Restore(context.Background(), TriggerManual, RestoreRequest{})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, history.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "backup_20240102_030000.tar.gz", res.Artifact)
	assert.Equal(t, "backup_20240102_030000.tar.gz", client.restoreName)
	assert.Equal(t, "newer", string(client.restored))
	require.Len(t, res.Sinks, 1)
	assert.Equal(t, "usb", res.Sinks[0].Name)

	assert.Equal(t, 1, o.RestoreHistory().Len())
	assert.Equal(t, 0, o.History().Len(), "restores are not backup runs")
	require.Len(t, n.msgs, 1)
	assert.Equal(t, "OpenWrt backup restore succeeded", n.msgs[0].Title)
	assert.Equal(t, StateIdle, o.State())
}

func TestRestore_NamedFileFromNamedSink(t *testing.T) {
	first := &fakeSink{name: "nas"}
	second := newRestoreSink(t, map[string]string{
		"backup_20240101_030000.tar.gz": "older",
		"backup_20240102_030000.tar.gz": "newer",
	})
	client := &fakeClient{}
	o := newRestoreOrchestrator(client, nil, first, second)

	res, err := o.Restore(context.Background(), TriggerAPI, RestoreRequest{Sink: "usb", File: "backup_20240101_030000.tar.gz"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "older", string(client.restored))
}

func TestRestore_Disabled(t *testing.T) {
	o := newTestOrchestrator(&fakeClient{}, []storage.Store{&fakeSink{name: "local"}}, RetryPolicy{Attempts: 1}, nil, (&sleepRecorder{}).Sleep)
	_, err := o.Restore(context.Background(), TriggerManual, RestoreRequest{})
	require.ErrorIs(t, err, ErrRestoreDisabled)
	assert.Equal(t, 0, o.RestoreHistory().Len())
}

func TestRestore_UnknownSink(t *testing.T) {
	o := newRestoreOrchestrator(&fakeClient{}, nil, &fakeSink{name: "local"})
	_, err := o.Restore(context.Background(), TriggerManual, RestoreRequest{Sink: "cloud"})
	require.ErrorIs(t, err, ErrUnknownSink)

	o = newRestoreOrchestrator(&fakeClient{}, nil)
	_, err = o.Restore(context.Background(), TriggerManual, RestoreRequest{})
	require.ErrorIs(t, err, ErrUnknownSink)
}

func TestRestore_MissingFileRecorded(t *testing.T) {
	sink := newRestoreSink(t, map[string]string{"backup_20240101_030000.tar.gz": "older"})
	client := &fakeClient{}
	o := newRestoreOrchestrator(client, nil, sink)

	res, err := o.Restore(context.Background(), TriggerManual, RestoreRequest{File: "backup_20231231_030000.tar.gz"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "not found")
	assert.Nil(t, client.restored)

	rec, ok := o.RestoreHistory().Latest()
	require.True(t, ok)
	assert.Equal(t, history.OutcomeFailure, rec.Outcome)
}

func TestRestore_BackendRejects(t *testing.T) {
	sink := newRestoreSink(t, map[string]string{"backup_20240101_030000.tar.gz": "older"})
	client := &fakeClient{restoreErr: &backup.BackendError{Op: "upload", Err: errors.New("router rejected the backup")}}
	n := &recordingNotifier{}
	o := newRestoreOrchestrator(client, n, sink)
	events, unsubscribe := o.Subscribe()
	defer unsubscribe()

	res, err := o.Restore(context.Background(), TriggerManual, RestoreRequest{})
	require.NoError(t, err)
	assert.False(t, res.Success)

	var states []State
	for i := 0; i < 3; i++ {
		states = append(states, (<-events).State)
	}
	assert.Equal(t, []State{StateRestoring, StateFailed, StateIdle}, states)
	assert.Contains(t, res.Sinks[0].Error, "router rejected the backup")
	require.Len(t, n.msgs, 1)
	assert.Equal(t, "OpenWrt backup restore failed", n.msgs[0].Title)
}

func TestRestore_ExcludedWhileBackupRuns(t *testing.T) {
	client := &fakeClient{block: make(chan struct{})}
	sink := newRestoreSink(t, map[string]string{"backup_20240101_030000.tar.gz": "older"})
	o := newRestoreOrchestrator(client, nil, sink)

	done, err := o.Start(context.Background(), TriggerSchedule)
	require.NoError(t, err)

	_, err = o.Restore(context.Background(), TriggerManual, RestoreRequest{})
	require.ErrorIs(t, err, ErrRunInProgress)
	_, err = o.StartRestore(context.Background(), TriggerAPI, RestoreRequest{})
	require.ErrorIs(t, err, ErrRunInProgress)

	close(client.block)
	<-done

	restored, err := o.StartRestore(context.Background(), TriggerAPI, RestoreRequest{})
	require.NoError(t, err)
	res := <-restored
	assert.True(t, res.Success)
}

func TestClearHistory(t *testing.T) {
	n := &recordingNotifier{}
	o := newTestOrchestrator(&fakeClient{}, []storage.Store{&fakeSink{name: "local"}}, RetryPolicy{Attempts: 1}, n, (&sleepRecorder{}).Sleep)
	for i := 0; i < 2; i++ {
		_, err := o.Run(context.Background(), TriggerManual)
		require.NoError(t, err)
	}
	require.Equal(t, 2, o.History().Len())

	removed, err := o.ClearHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, o.History().Len())
	require.Len(t, n.msgs, 3)
	assert.Equal(t, "OpenWrt backup history cleared", n.msgs[2].Title)
}
