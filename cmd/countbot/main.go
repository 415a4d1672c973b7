// CountBot - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Command countbot is the long-running service: it wires the message bus,
// the agent loop, every enabled channel adapter, the cron scheduler and
// heartbeat, and the control-panel HTTP/WebSocket API into one process and
// runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sipeed/picoclaw/pkg/agent"
	"github.com/sipeed/picoclaw/pkg/auth"
	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/channels"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/cron"
	"github.com/sipeed/picoclaw/pkg/cronstore"
	"github.com/sipeed/picoclaw/pkg/handler"
	"github.com/sipeed/picoclaw/pkg/httpapi"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/memory"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/ratelimit"
	"github.com/sipeed/picoclaw/pkg/session"
	"github.com/sipeed/picoclaw/pkg/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	os.MkdirAll(cfg.WorkspacePath(), 0755)

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "provider:", err)
		os.Exit(1)
	}

	msgBus := bus.NewMessageBus()
	agentLoop := agent.NewAgentLoop(cfg, msgBus, provider)

	sessionsStore, err := session.NewStore(filepath.Join(cfg.WorkspacePath(), "sessions"))
	if err != nil {
		logger.ErrorCF("main", "session store unavailable", map[string]interface{}{"error": err.Error()})
	}

	memoryStore, err := memory.NewMemoryStore(filepath.Join(cfg.WorkspacePath(), "memory"))
	if err != nil {
		logger.WarnCF("main", "memory store unavailable, heartbeat will run without it", map[string]interface{}{"error": err.Error()})
		memoryStore = nil
	}

	cronStore, err := cronstore.NewStore(filepath.Join(cfg.WorkspacePath(), "cron"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "cron store:", err)
		os.Exit(1)
	}
	cronStore.SyncBuiltinHeartbeatJob(cfg.Heartbeat)
	agentLoop.RegisterTool(tools.NewCronTool(cronStore, agentLoop, msgBus))

	heartbeatSvc := cron.NewHeartbeatService(provider, cfg.Agents.Defaults.Model, sessionsStore, memoryStore, cfg.Persona, cfg.Heartbeat)

	executor := func(job *cronstore.CronJob) (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if job.Payload.Message == cronstore.HeartbeatMessage {
			return heartbeatSvc.Execute(ctx)
		}

		if job.Payload.Deliver {
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: job.Payload.Channel,
				ChatID:  job.Payload.To,
				Content: job.Payload.Message,
			})
			return job.Payload.Message, nil
		}

		sessionKey := fmt.Sprintf("%s:%s", job.Payload.Channel, job.Payload.To)
		return agentLoop.ProcessDirectWithChannel(ctx, job.Payload.Message, sessionKey, job.Payload.Channel, job.Payload.To)
	}

	scheduler := cron.NewScheduler(cronStore, executor)

	limiter := ratelimit.New(cfg.RateLimit.Rate, cfg.RateLimit.Per)
	msgHandler := handler.New(msgBus, agentLoop, sessionsStore, limiter)

	chanManager := channels.NewManager(msgBus)
	registerChannels(chanManager, cfg, msgBus)

	var sessionAuth *auth.SessionAuth
	if cfg.HTTP.Password != "" {
		sessionAuth = auth.NewSessionAuth(cfg.HTTP.Password)
	}

	subagents := tools.NewSubagentManager(provider, cfg.Agents.Defaults.Model, cfg.WorkspacePath(), msgBus)
	subagents.ConfigureRetention(200, 24*time.Hour)

	apiServer := httpapi.NewServer(httpapi.Deps{
		Config:      cfg,
		Bus:         msgBus,
		Channels:    chanManager,
		CronStore:   cronStore,
		Scheduler:   scheduler,
		Handler:     msgHandler,
		Subagents:   subagents,
		SessionAuth: sessionAuth,
	})
	wsChan := apiServer.WSChannel()
	chanManager.RegisterChannel(wsChan.Name(), wsChan)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := msgHandler.Run(ctx); err != nil {
			logger.ErrorCF("main", "handler stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	if err := chanManager.StartAll(ctx); err != nil {
		logger.ErrorCF("main", "channel manager start failed", map[string]interface{}{"error": err.Error()})
	}
	if err := scheduler.Start(); err != nil {
		logger.ErrorCF("main", "cron scheduler start failed", map[string]interface{}{"error": err.Error()})
	}

	go func() {
		if err := apiServer.Start(ctx); err != nil {
			logger.ErrorCF("main", "http api stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	logger.InfoCF("main", "countbot started", map[string]interface{}{
		"workspace": cfg.WorkspacePath(),
		"model":     cfg.Agents.Defaults.Model,
		"http":      fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
	})

	<-ctx.Done()
	logger.InfoC("main", "shutting down")

	scheduler.Stop()
	if err := chanManager.StopAll(context.Background()); err != nil {
		logger.ErrorCF("main", "channel manager stop failed", map[string]interface{}{"error": err.Error()})
	}
}

// registerChannels constructs and registers an adapter for every channel
// enabled in config. Construction errors are logged and that channel is
// skipped rather than aborting startup, so one misconfigured transport
// doesn't take down the others.
func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus) {
	if cfg.Channels.Telegram.Enabled {
		ch, err := channels.NewTelegramChannel(cfg.Channels.Telegram, msgBus)
		if err != nil {
			logger.ErrorCF("main", "telegram channel disabled", map[string]interface{}{"error": err.Error()})
		} else {
			mgr.RegisterChannel(ch.Name(), ch)
		}
	}

	if cfg.Channels.Discord.Enabled {
		ch, err := channels.NewDiscordChannel(cfg.Channels.Discord, msgBus)
		if err != nil {
			logger.ErrorCF("main", "discord channel disabled", map[string]interface{}{"error": err.Error()})
		} else {
			mgr.RegisterChannel(ch.Name(), ch)
		}
	}

	if cfg.Channels.QQ.Enabled {
		ch := channels.NewQQChannel(cfg.Channels.QQ, msgBus)
		mgr.RegisterChannel(ch.Name(), ch)
	}

	if cfg.Channels.WeChat.Enabled {
		ch := channels.NewWeChatChannel(cfg.Channels.WeChat, msgBus)
		mgr.RegisterChannel(ch.Name(), ch)
	}

	if cfg.Channels.DingTalk.Enabled {
		ch := channels.NewDingTalkChannel(cfg.Channels.DingTalk, msgBus)
		mgr.RegisterChannel(ch.Name(), ch)
	}

	if cfg.Channels.Feishu.Enabled {
		ch := channels.NewFeishuChannel(cfg.Channels.Feishu, msgBus)
		mgr.RegisterChannel(ch.Name(), ch)
	}
}
