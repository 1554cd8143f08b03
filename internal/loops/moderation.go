// Package loops implements the Autonomous Loops (C9): long-running
// workers registered with the Supervisor (C8) that close feedback
// cycles the rest of the system only reacts within. ModerationLoop
// scores inbound chat/social content and escalates per-actor sanctions
// over a sliding window (warn, mute, ban; no separate "log" action is
// announced), the same kind of escalation ladder applied to trading risk in internal/trading/curator.go's
// HelpfulCount/HarmfulCount counters, here applied to actor behavior
// instead of playbook rules and driven by the AI Router (C6) instead
// of a fixed rule table.
package loops

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"botcore/internal/airouter"
	"botcore/internal/eventbus"
	"botcore/internal/logger"
	"botcore/internal/store"
)

// ModerationConfig tunes the escalation ladder.
type ModerationConfig struct {
	Window         time.Duration // sliding window violations are counted over
	ScoreThreshold float64       // router score at/above which content counts as a violation
	WarnThreshold  int           // violations in Window before "warn"
	MuteThreshold  int           // violations in Window before "mute"
	BanThreshold   int           // violations in Window before "ban"
}

func (c *ModerationConfig) setDefaults() {
	if c.Window == 0 {
		c.Window = 30 * time.Minute
	}
	if c.ScoreThreshold == 0 {
		c.ScoreThreshold = 0.6
	}
	if c.WarnThreshold == 0 {
		c.WarnThreshold = 1
	}
	if c.MuteThreshold == 0 {
		c.MuteThreshold = 3
	}
	if c.BanThreshold == 0 {
		c.BanThreshold = 6
	}
}

type actorRecord struct {
	mu         sync.Mutex
	violations []time.Time
	action     string // last action taken, so re-evaluation only announces escalation
}

// ModerationLoop subscribes to content_received, scores each item
// through the AI router, and escalates per-actor sanctions as
// violations accumulate within Config.Window.
type ModerationLoop struct {
	bus    *eventbus.Bus
	router *airouter.Router
	st     *store.Store
	log    *logger.Logger
	cfg    ModerationConfig

	mu     sync.Mutex
	actors map[string]*actorRecord

	sub *eventbus.Subscription
}

// NewModerationLoop builds a loop ready to Run.
func NewModerationLoop(bus *eventbus.Bus, router *airouter.Router, st *store.Store, log *logger.Logger, cfg ModerationConfig) *ModerationLoop {
	cfg.setDefaults()
	return &ModerationLoop{
		bus:    bus,
		router: router,
		st:     st,
		log:    log,
		cfg:    cfg,
		actors: make(map[string]*actorRecord),
	}
}

// Run subscribes to content_received until ctx is canceled.
func (m *ModerationLoop) Run(ctx context.Context) error {
	m.sub = m.bus.Subscribe(eventbus.TopicContentReceived, eventbus.SubscribeOptions{QueueSize: 256}, func(msg eventbus.Message) {
		m.handle(ctx, msg)
	})
	defer m.bus.Unsubscribe(m.sub)

	<-ctx.Done()
	return nil
}

// Health reports unhealthy only if the loop never subscribed, so the
// supervisor restarts a loop whose Run goroutine died before
// subscribing rather than one that's simply idle.
func (m *ModerationLoop) Health(ctx context.Context) error {
	if m.sub == nil {
		return fmt.Errorf("moderation loop not subscribed")
	}
	return nil
}

func (m *ModerationLoop) handle(ctx context.Context, msg eventbus.Message) {
	var evt eventbus.ContentReceivedEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		m.log.Warn("moderation: failed to decode content_received", "error", err.Error())
		return
	}

	score, err := m.score(ctx, evt.Data.Text)
	if err != nil {
		m.log.Warn("moderation: score unavailable, skipping item", "actor", evt.Data.ActorID, "error", err.Error())
		return
	}
	if score < m.cfg.ScoreThreshold {
		return
	}

	action, count := m.recordViolation(evt.Data.ActorID)
	if action == "" {
		return // below WarnThreshold, nothing to announce yet
	}

	m.log.Warn("moderation action", "actor", evt.Data.ActorID, "action", action, "violations_in_window", count, "score", score)
	if _, err := m.st.AppendAudit("moderation", action, map[string]interface{}{
		"actor_id": evt.Data.ActorID,
		"channel":  evt.Data.Channel,
		"score":    score,
		"count":    count,
	}); err != nil {
		m.log.Error("moderation: failed to persist audit entry", err, "actor", evt.Data.ActorID)
	}

	m.bus.Publish(eventbus.TopicActorModerated, eventbus.PriorityNormal, evt.Data.ActorID,
		eventbus.NewActorModeratedEvent(evt.Data.ActorID, action, fmt.Sprintf("%d violations in %s", count, m.cfg.Window)))
}

// score asks the router to rate content toxicity on a 0..1 scale,
// parsing the first float it finds in the reply. A malformed reply is
// treated as a scoring failure rather than silently passing content.
func (m *ModerationLoop) score(ctx context.Context, text string) (float64, error) {
	prompt := "Rate the toxicity of the following message on a scale from 0.0 (benign) to 1.0 (severe abuse). " +
		"Reply with only the number.\n\n" + text
	reply, err := m.router.Query(ctx, prompt, airouter.TaskModeration, airouter.Constraints{})
	if err != nil {
		return 0, err
	}
	return parseScore(reply.Text)
}

func parseScore(text string) (float64, error) {
	fields := strings.Fields(text)
	for _, f := range fields {
		f = strings.Trim(f, ".,!?")
		if v, err := strconv.ParseFloat(f, 64); err == nil {
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("no numeric score found in reply %q", text)
}

// recordViolation appends a violation for actorID, prunes entries
// outside Config.Window, and returns the action to announce ("" if the
// new count doesn't cross a new threshold) plus the in-window count.
func (m *ModerationLoop) recordViolation(actorID string) (string, int) {
	m.mu.Lock()
	rec, ok := m.actors[actorID]
	if !ok {
		rec = &actorRecord{}
		m.actors[actorID] = rec
	}
	m.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := time.Now()
	rec.violations = append(rec.violations, now)
	cutoff := now.Add(-m.cfg.Window)
	kept := rec.violations[:0]
	for _, t := range rec.violations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rec.violations = kept
	count := len(rec.violations)

	next := tierFor(count, m.cfg)
	if next == "" || next == rec.action {
		return "", count
	}
	rec.action = next
	return next, count
}

func tierFor(count int, cfg ModerationConfig) string {
	switch {
	case count >= cfg.BanThreshold:
		return "ban"
	case count >= cfg.MuteThreshold:
		return "mute"
	case count >= cfg.WarnThreshold:
		return "warn"
	default:
		return ""
	}
}
