package hooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilimcininkoroglu/fetchengine/internal/events"
)

func TestNewCommandHook(t *testing.T) {
	hook := NewCommandHook("echo test")
	require.Equal(t, "echo test", hook.Command)
	require.Len(t, hook.Events, 2)
}

func TestCommandHook_Name(t *testing.T) {
	hook := NewCommandHook("echo test")
	require.Equal(t, "command:echo test", hook.Name())
}

func TestCommandHook_Execute(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("skipping shell-dependent test on windows")
	}

	hook := NewCommandHook("echo $FETCHENGINE_EVENT", "complete")
	payload := &Payload{Event: "complete", DownloadID: 1, SourceURL: "https://example.com/file.zip"}

	require.NoError(t, hook.Execute(context.Background(), payload))
}

func TestCommandHook_Execute_WrongEvent(t *testing.T) {
	hook := NewCommandHook("echo test", "complete")
	payload := &Payload{Event: "error"}

	require.NoError(t, hook.Execute(context.Background(), payload), "Execute() should skip non-matching events")
}

func TestCommandHook_BuildEnv(t *testing.T) {
	hook := &CommandHook{}
	payload := &Payload{
		Event:      "complete",
		DownloadID: 7,
		SourceURL:  "https://example.com/file.zip",
		SavePath:   "/tmp/file.zip",
		TotalBytes: 1000,
		Downloaded: 500,
		Error:      "test error",
	}

	env := hook.buildEnv(payload)
	require.Contains(t, env, "FETCHENGINE_EVENT=complete")
	require.Contains(t, env, "FETCHENGINE_DOWNLOAD_ID=7")
	require.Contains(t, env, "FETCHENGINE_SOURCE_URL=https://example.com/file.zip")
	require.Contains(t, env, "FETCHENGINE_TOTAL_BYTES=1000")
	require.Contains(t, env, "FETCHENGINE_DOWNLOADED=500")
}

func TestNewWebhookHook(t *testing.T) {
	hook := NewWebhookHook("https://example.com/webhook")
	require.Equal(t, "https://example.com/webhook", hook.URL)
	require.Len(t, hook.Events, 2)
}

func TestWebhookHook_WithHeader(t *testing.T) {
	hook := NewWebhookHook("https://example.com/webhook").WithHeader("Authorization", "Bearer token123")
	require.Equal(t, "Bearer token123", hook.Headers["Authorization"])
}

func TestWebhookHook_Execute(t *testing.T) {
	var receivedPayload Payload
	var receivedDeliveryHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		receivedDeliveryHeader = r.Header.Get("X-Delivery-Id")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&receivedPayload))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := NewWebhookHook(server.URL, "complete")
	payload := &Payload{DeliveryID: "abc-123", Event: "complete", DownloadID: 1, TotalBytes: 1000, Downloaded: 1000}

	require.NoError(t, hook.Execute(context.Background(), payload))
	require.Equal(t, "complete", receivedPayload.Event)
	require.Equal(t, "abc-123", receivedDeliveryHeader)
}

func TestWebhookHook_Execute_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	hook := NewWebhookHook(server.URL, "complete")
	payload := &Payload{Event: "complete"}

	require.Error(t, hook.Execute(context.Background(), payload), "Execute() should return error for 500 response")
}

func TestManager(t *testing.T) {
	manager := NewManager(nil)
	require.Zero(t, manager.Count())

	manager.AddCommand("echo test", "complete")
	manager.AddWebhook("https://example.com/webhook", "complete")
	require.Equal(t, 2, manager.Count())

	manager.Clear()
	require.Zero(t, manager.Count())
}

func TestManager_Execute(t *testing.T) {
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	manager := NewManager(nil)
	manager.AddWebhook(server.URL, "complete")

	payload := &Payload{Event: "complete"}
	require.NoError(t, manager.Execute(context.Background(), payload))
	require.Equal(t, 1, callCount)
}

func TestManager_ExecuteAggregatesAllHookErrors(t *testing.T) {
	manager := NewManager(nil)
	manager.AddCommand("exit 1", "complete")
	manager.AddCommand("exit 2", "complete")

	err := manager.Execute(context.Background(), &Payload{Event: "complete"})
	require.Error(t, err, "expected an aggregated error from both failing hooks")
}

func TestManager_HandleEventTranslatesAndResolvesDownloadInfo(t *testing.T) {
	var received Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	manager := NewManager(func(downloadID int64) DownloadInfo {
		return DownloadInfo{SourceURL: "https://example.com/a.bin", SavePath: "/tmp/a.bin"}
	})
	manager.AddWebhook(server.URL, "complete")

	ev := events.Event{
		Type:       events.DownloadCompleted,
		DownloadID: 42,
		Payload:    events.CompletedPayload{FinalPath: "/tmp/a.bin"},
	}
	require.NoError(t, manager.HandleEvent(context.Background(), ev))
	require.EqualValues(t, 42, received.DownloadID)
	require.Equal(t, "https://example.com/a.bin", received.SourceURL)
	require.NotEmpty(t, received.DeliveryID)
}

func TestManager_HandleEventSkipsUntranslatableEventKinds(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	manager := NewManager(nil)
	manager.AddWebhook(server.URL, "complete", "error", "progress", "merge_started")

	ev := events.Event{Type: events.StateChanged, DownloadID: 1}
	require.NoError(t, manager.HandleEvent(context.Background(), ev))
	require.False(t, called, "stateChanged should not translate to any hook delivery")
}
