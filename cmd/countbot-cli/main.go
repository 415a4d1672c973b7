// CountBot - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Command countbot-cli runs the agent loop directly against a terminal,
// bypassing every transport channel: one process, one operator, one
// session, no Bus consumer running concurrently.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/sipeed/picoclaw/pkg/agent"
	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/providers"
)

func main() {
	message := flag.String("m", "", "run a single message non-interactively and print the reply")
	flag.Parse()

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
	sessionKey := fmt.Sprintf("cli:%s", uuid.NewString()[:8])

	if *message != "" {
		resp, err := agentLoop.ProcessDirect(context.Background(), *message, sessionKey)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		fmt.Println(resp)
		return
	}

	runREPL(agentLoop, cfg.Persona.AIName, sessionKey)
}

func runREPL(agentLoop *agent.AgentLoop, aiName, sessionKey string) {
	rl, err := readline.New(fmt.Sprintf("%s> ", aiNameOrDefault(aiName)))
	if err != nil {
		fmt.Fprintln(os.Stderr, "readline:", err)
		os.Exit(1)
	}
	defer rl.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("countbot-cli — session %s. Type /new for a fresh session, /exit to quit.\n", sessionKey)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "readline:", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			return
		}
		if line == "/new" {
			sessionKey = fmt.Sprintf("cli:%s", uuid.NewString()[:8])
			fmt.Printf("new session %s\n", sessionKey)
			continue
		}

		resp, err := agentLoop.ProcessDirect(ctx, line, sessionKey)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		fmt.Println(resp)
	}
}

func aiNameOrDefault(name string) string {
	if name == "" {
		return "countbot"
	}
	return name
}
