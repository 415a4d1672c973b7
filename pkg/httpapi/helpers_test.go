package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/channels"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/cron"
	"github.com/sipeed/picoclaw/pkg/cronstore"
	"github.com/sipeed/picoclaw/pkg/handler"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/ratelimit"
	"github.com/sipeed/picoclaw/pkg/session"
	"github.com/sipeed/picoclaw/pkg/tools"
)

type stubProvider struct{ reply string }

type stubAgentProcessor struct{}

func (stubAgentProcessor) ProcessInbound(_ context.Context, msg bus.InboundMessage) (string, error) {
	return "echo: " + msg.Content, nil
}

func (p *stubProvider) Chat(_ context.Context, _ []providers.Message, _ []providers.ToolDefinition, _ string, _ map[string]interface{}) (*providers.LLMResponse, error) {
	return &providers.LLMResponse{Content: p.reply}, nil
}

func (p *stubProvider) GetDefaultModel() string { return "stub-model" }

// newTestServer wires a Server against real, in-memory/temp-dir backed
// components, matching every other package's test style in this repo
// (no network, no external services).
func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.Config{}
	cfg.Agents.Defaults.Model = "stub-model"
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0

	msgBus := bus.NewMessageBus()
	t.Cleanup(msgBus.Close)

	cronStore, err := cronstore.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("cronstore.NewStore: %v", err)
	}
	t.Cleanup(func() { cronStore.Close() })

	executor := func(job *cronstore.CronJob) (string, error) {
		return "ok", nil
	}
	scheduler := cron.NewScheduler(cronStore, executor)

	sessionsStore, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("session.NewStore: %v", err)
	}

	limiter := ratelimit.New(100, 60)

	agentStub := &stubAgentProcessor{}
	h := handler.New(msgBus, agentStub, sessionsStore, limiter)

	chanManager := channels.NewManager(msgBus)

	subagents := tools.NewSubagentManager(&stubProvider{reply: "done"}, "stub-model", t.TempDir(), msgBus)

	return NewServer(Deps{
		Config:    cfg,
		Bus:       msgBus,
		Channels:  chanManager,
		CronStore: cronStore,
		Scheduler: scheduler,
		Handler:   h,
		Subagents: subagents,
	})
}

func newRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

func jsonBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return bytes.NewReader(b)
}
