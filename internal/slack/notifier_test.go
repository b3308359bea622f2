package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/agentforge/internal/bus"
	ferrors "github.com/p-blackswan/agentforge/internal/errors"
)

func TestNotifier_SkipsNonTerminalPhases(t *testing.T) {
	var calls atomic.Int32
	n := NewNotifier("http://unused", zerolog.Nop()).WithPost(func(context.Context, string, *slack.WebhookMessage) error {
		calls.Add(1)
		return nil
	})
	for _, phase := range []string{"ANALYSIS", "SELECTION", "GENERATION", "VALIDATION"} {
		require.NoError(t, n.Publish(t.Context(), bus.Event{RunID: "r1", Phase: phase}))
	}
	assert.Zero(t, calls.Load())
}

func TestNotifier_PostsToWebhook(t *testing.T) {
	var got slack.WebhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, zerolog.Nop())
	err := n.Publish(t.Context(), bus.Event{RunID: "r1", Phase: "COMMITTED", Summary: "2 artifacts committed"})
	require.NoError(t, err)
	assert.Contains(t, got.Text, "r1 COMMITTED")
	require.NotNil(t, got.Blocks)
	assert.Len(t, got.Blocks.BlockSet, 2)
}

func TestNotifier_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, zerolog.Nop())
	n.retry.BaseDelay = time.Millisecond
	require.NoError(t, n.Publish(t.Context(), bus.Event{RunID: "r1", Phase: "FAILED"}))
	assert.Equal(t, int32(2), hits.Load())
}

func TestNotifier_PermanentFailure(t *testing.T) {
	n := NewNotifier("http://unused", zerolog.Nop()).WithPost(func(context.Context, string, *slack.WebhookMessage) error {
		return errors.New("invalid_payload")
	})
	err := n.Publish(t.Context(), bus.Event{RunID: "r1", Phase: "FAILED"})
	require.Error(t, err)
	assert.Equal(t, ferrors.KindCommunication, ferrors.KindOf(err))
}

func TestRunMessage(t *testing.T) {
	msg := RunMessage(bus.Event{RunID: "r9", Phase: "FAILED", Summary: strings.Repeat("x", 3000)})
	assert.Contains(t, msg.Text, "r9 FAILED")
	require.Len(t, msg.Blocks.BlockSet, 2)

	section, ok := msg.Blocks.BlockSet[0].(*slack.SectionBlock)
	require.True(t, ok)
	assert.Contains(t, section.Text.Text, ":x:")

	bare := RunMessage(bus.Event{RunID: "r9", Phase: "COMMITTED"})
	assert.Len(t, bare.Blocks.BlockSet, 1)
}
