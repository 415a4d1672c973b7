package cron

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/memory"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/session"
)

// shanghai is the fixed UTC+8 zone the heartbeat's quiet-window and
// time-of-day phrasing are evaluated against, matching the original's
// hardcoded Beijing-time assumption rather than the host's local zone.
var shanghai = time.FixedZone("Asia/Shanghai", 8*3600)

const greetProbability = 0.5

// HeartbeatService generates proactive greetings on invocation from the
// builtin:heartbeat cron job. It holds no ticker of its own — the
// Scheduler decides when to call Execute; this service only decides
// whether a greeting is warranted right now and, if so, composes it.
type HeartbeatService struct {
	provider    providers.LLMProvider
	model       string
	sessions    *session.Store
	memoryStore *memory.MemoryStore
	persona     config.PersonaConfig
	cfg         config.HeartbeatConfig

	mu              sync.Mutex
	greetCountByDay map[string]int
}

func NewHeartbeatService(provider providers.LLMProvider, model string, sessions *session.Store, memoryStore *memory.MemoryStore, persona config.PersonaConfig, cfg config.HeartbeatConfig) *HeartbeatService {
	return &HeartbeatService{
		provider:        provider,
		model:           model,
		sessions:        sessions,
		memoryStore:     memoryStore,
		persona:         persona,
		cfg:             cfg,
		greetCountByDay: make(map[string]int),
	}
}

// isQuietHour reports whether hour falls in [quietStart, quietEnd),
// supporting a window that wraps past midnight (quietStart > quietEnd).
func isQuietHour(hour, quietStart, quietEnd int) bool {
	if quietStart <= quietEnd {
		return hour >= quietStart && hour < quietEnd
	}
	return hour >= quietStart || hour < quietEnd
}

// Execute runs the full quiet-window/daily-cap/idle/coin-flip/compose
// algorithm and returns a greeting, or "" if any step bails. A failure to
// talk to the provider is logged and treated as a skip, so the returned
// error is always nil.
func (hs *HeartbeatService) Execute(ctx context.Context) (string, error) {
	now := time.Now().In(shanghai)

	if isQuietHour(now.Hour(), hs.cfg.QuietStart, hs.cfg.QuietEnd) {
		logger.DebugCF("heartbeat", "skipped: quiet hour", map[string]interface{}{"hour": now.Hour()})
		return "", nil
	}

	today := now.Format("2006-01-02")
	hs.mu.Lock()
	count := hs.greetCountByDay[today]
	hs.mu.Unlock()
	if count >= hs.cfg.MaxGreetsPerDay {
		logger.DebugCF("heartbeat", "skipped: daily cap reached", map[string]interface{}{"count": count})
		return "", nil
	}

	idleHours, ok := hs.userIdleHours()
	if !ok || idleHours < float64(hs.cfg.IdleThresholdHours) {
		logger.DebugCF("heartbeat", "skipped: user not idle long enough", map[string]interface{}{"idle_hours": idleHours})
		return "", nil
	}

	if rand.Float64() > greetProbability {
		logger.DebugCF("heartbeat", "skipped: lost the coin flip", nil)
		return "", nil
	}

	greeting, err := hs.generateGreeting(ctx, now, idleHours)
	if err != nil {
		logger.WarnCF("heartbeat", "greeting generation failed", map[string]interface{}{"error": err.Error()})
		return "", nil
	}
	if greeting == "" {
		return "", nil
	}

	hs.recordGreeting(today, count+1)
	logger.InfoCF("heartbeat", "greeting generated", map[string]interface{}{"greet_number": count + 1, "idle_hours": idleHours})
	return greeting, nil
}

func (hs *HeartbeatService) recordGreeting(today string, count int) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.greetCountByDay[today] = count

	if len(hs.greetCountByDay) > 3 {
		days := make([]string, 0, len(hs.greetCountByDay))
		for d := range hs.greetCountByDay {
			days = append(days, d)
		}
		sort.Strings(days)
		for _, old := range days[:len(days)-3] {
			delete(hs.greetCountByDay, old)
		}
	}
}

// userIdleHours returns how long it has been since the last user-role
// message anywhere in the session store.
func (hs *HeartbeatService) userIdleHours() (float64, bool) {
	if hs.sessions == nil {
		return 0, false
	}
	last, ok, err := hs.sessions.LastUserActivity()
	if err != nil || !ok {
		return 0, false
	}
	return time.Since(last).Hours(), true
}

func timeOfDayPhrase(hour int) string {
	switch {
	case hour < 12:
		return fmt.Sprintf("morning, %d o'clock", hour)
	case hour < 14:
		return fmt.Sprintf("midday, %d o'clock", hour)
	case hour < 18:
		return fmt.Sprintf("afternoon, %d o'clock", hour)
	default:
		return fmt.Sprintf("evening, %d o'clock", hour)
	}
}

func (hs *HeartbeatService) generateGreeting(ctx context.Context, now time.Time, idleHours float64) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var memoryContext string
	if hs.memoryStore != nil {
		if recent, err := hs.memoryStore.GetRecent(5); err == nil {
			recent = strings.TrimSpace(recent)
			if recent != "" && recent != "Memory is empty." {
				memoryContext = "Recent memory (reference only, no need to mention it directly):\n" + recent
			}
		}
	}

	aiName := hs.persona.AIName
	if aiName == "" {
		aiName = "Assistant"
	}
	userName := hs.persona.UserName
	if userName == "" {
		userName = "the user"
	}
	userContext := fmt.Sprintf("Address them as: %s", userName)
	if hs.persona.UserAddress != "" {
		userContext += fmt.Sprintf("\nPreferred address: %s", hs.persona.UserAddress)
	}

	personalityDesc := hs.persona.CustomPersonality
	if hs.persona.Personality != "custom" || personalityDesc == "" {
		switch hs.persona.Personality {
		case "friendly":
			personalityDesc = "warm, casual, and encouraging"
		case "playful":
			personalityDesc = "lighthearted and a little playful"
		default:
			personalityDesc = "professional and to the point"
		}
	}

	prompt := fmt.Sprintf(
		"You are %s, a personal AI assistant for %s. It is %s and they've been "+
			"quiet for about %.0f hours. Write one short, natural proactive greeting "+
			"(1-2 sentences, no more than 200 characters) checking in or sharing "+
			"something useful. Tone: %s.\n%s\n%s",
		aiName, userName, timeOfDayPhrase(now.Hour()), idleHours, personalityDesc, userContext, memoryContext,
	)

	resp, err := hs.provider.Chat(genCtx, []providers.Message{
		{Role: "user", Content: prompt},
	}, nil, hs.model, map[string]interface{}{
		"max_tokens":  256,
		"temperature": 0.8,
	})
	if err != nil {
		return "", err
	}

	greeting := strings.TrimSpace(resp.Content)
	if greeting == "" || len([]rune(greeting)) > 200 {
		return "", nil
	}
	return greeting, nil
}
