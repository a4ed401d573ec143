package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/indexnow-engine/internal/logging"
)

// Trigger schedules named periodic functions
type Trigger interface {
	Register(name, spec string, fn func()) error
	// Unregister removes name. Unknown names are ignored.
	Unregister(name string)
	Start()
	// Stop prevents new runs and waits for running ones until ctx is done.
	Stop(ctx context.Context) error
}

// CronTrigger is a Trigger backed by robfig/cron.
// Specs use the standard five fields and may carry a CRON_TZ= prefix.
type CronTrigger struct {
	cron    *cron.Cron
	logger  *logging.Logger
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewCronTrigger creates a cron trigger
func NewCronTrigger(logger *logging.Logger) *CronTrigger {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithField("component", "cron")

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: logger}

	return &CronTrigger{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Register adds fn under name. Registering a name twice is an error.
func (t *CronTrigger) Register(name, spec string, fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[name]; exists {
		return fmt.Errorf("trigger %q already registered", name)
	}

	id, err := t.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for trigger %q: %w", spec, name, err)
	}
	t.entries[name] = id

	t.logger.WithFields(map[string]interface{}{
		"trigger":  name,
		"schedule": spec,
	}).Info("Trigger registered")
	return nil
}

// Unregister removes the trigger registered under name
func (t *CronTrigger) Unregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.entries[name]
	if !ok {
		return
	}
	t.cron.Remove(id)
	delete(t.entries, name)
}

// Start begins running registered triggers in the background
func (t *CronTrigger) Start() {
	t.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish
func (t *CronTrigger) Stop(ctx context.Context) error {
	done := t.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running triggers: %w", ctx.Err())
	}
}

// cronLogger adapts logging.Logger to cron.Logger
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
