package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/epic"
	"github.com/deepnoodle-ai/epic/slogger"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifierDelivers(t *testing.T) {
	var mutex sync.Mutex
	var received []map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		mutex.Lock()
		received = append(received, payload)
		mutex.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(WebhookOptions{
		Endpoint: server.URL,
		Headers:  map[string]string{"Authorization": "Bearer sekrit"},
		Logger:   slogger.NewDevNullLogger(),
	})
	require.NoError(t, err)

	err = notifier.Publish(context.Background(), &epic.Event{
		Type:   epic.EventEpicCompleted,
		EpicID: "epic-1",
		Time:   time.Now(),
		Payload: map[string]interface{}{
			"total_cost": 3.5,
		},
	})
	require.NoError(t, err)
	require.Len(t, received, 1)
	require.Equal(t, "epic.completed", received[0]["type"])
	require.Equal(t, "epic-1", received[0]["epic_id"])
}

func TestWebhookNotifierRetriesServerErrors(t *testing.T) {
	var mutex sync.Mutex
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		attempts++
		first := attempts == 1
		mutex.Unlock()
		if first {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(WebhookOptions{
		Endpoint: server.URL,
		Logger:   slogger.NewDevNullLogger(),
	})
	require.NoError(t, err)

	err = notifier.Publish(context.Background(), &epic.Event{Type: epic.EventCostWarning, EpicID: "epic-1"})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestWebhookNotifierGivesUpOnClientErrors(t *testing.T) {
	var mutex sync.Mutex
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		attempts++
		mutex.Unlock()
		http.Error(w, "no such hook", http.StatusNotFound)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(WebhookOptions{
		Endpoint: server.URL,
		Logger:   slogger.NewDevNullLogger(),
	})
	require.NoError(t, err)

	err = notifier.Publish(context.Background(), &epic.Event{Type: epic.EventEpicFailed, EpicID: "epic-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
	require.Equal(t, 1, attempts)
}

func TestWebhookTrackerDelivers(t *testing.T) {
	var mutex sync.Mutex
	var updates []trackerUpdate
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var update trackerUpdate
		require.NoError(t, json.NewDecoder(r.Body).Decode(&update))
		mutex.Lock()
		updates = append(updates, update)
		mutex.Unlock()
	}))
	defer server.Close()

	tracker, err := NewWebhookTracker(WebhookOptions{
		Endpoint: server.URL,
		Logger:   slogger.NewDevNullLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, tracker.Publish(context.Background(), "epic-1", "build", "completed"))
	require.Len(t, updates, 1)
	require.Equal(t, "epic-1", updates[0].EpicID)
	require.Equal(t, "build", updates[0].StepID)
	require.Equal(t, "completed", updates[0].Status)
}

func TestWebhookRequiresEndpoint(t *testing.T) {
	_, err := NewWebhookNotifier(WebhookOptions{})
	require.Error(t, err)
	_, err = NewWebhookTracker(WebhookOptions{})
	require.Error(t, err)
}
