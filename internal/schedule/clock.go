// Package schedule drives per-device due events from 5-field cron
// expressions, deduping within a minute and tolerating clock skew.
package schedule

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Clock polls a set of named cron schedules once a second and fires
// ScheduleDue(name) at most once per matching minute.
type Clock struct {
	logger   *slog.Logger
	parser   cron.Parser
	interval time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	onDue func(name string)

	stop chan struct{}
	wg   sync.WaitGroup
}

type entry struct {
	schedule  cron.Schedule
	lastFired time.Time
	nextAfter time.Time
}

// New builds a Clock that invokes onDue once per due minute, per entry.
func New(logger *slog.Logger, onDue func(name string)) *Clock {
	return &Clock{
		logger:   logger,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: time.Second,
		entries:  make(map[string]*entry),
		onDue:    onDue,
		stop:     make(chan struct{}),
	}
}

// Add registers (or replaces) a named schedule. spec is a 5-field cron
// expression ("min hour dom month dow").
func (c *Clock) Add(name, spec string) error {
	sched, err := c.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", name, err)
	}
	now := time.Now()
	c.mu.Lock()
	c.entries[name] = &entry{schedule: sched, nextAfter: sched.Next(now)}
	c.mu.Unlock()
	return nil
}

// Remove drops a named schedule.
func (c *Clock) Remove(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// Start begins polling in a background goroutine.
func (c *Clock) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop halts polling and waits for the loop to exit.
func (c *Clock) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Clock) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.tick(lastTick, now)
			lastTick = now
		}
	}
}

// tick checks every entry against [prev, now]. A backward jump (prev >
// now, e.g. NTP correction) never replays a minute that was already
// observed; a forward jump coalesces any skipped minutes into a single
// due event rather than firing once per missed minute.
func (c *Clock) tick(prev, now time.Time) {
	if now.Before(prev) {
		c.logger.Warn("schedule clock moved backward, ignoring", "prev", prev, "now", now)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for name, e := range c.entries {
		if now.Before(e.nextAfter) {
			continue
		}
		if !e.lastFired.IsZero() && now.Truncate(time.Minute).Equal(e.lastFired.Truncate(time.Minute)) {
			continue
		}
		e.lastFired = now
		e.nextAfter = e.schedule.Next(now)
		if c.onDue != nil {
			c.onDue(name)
		}
	}
}
