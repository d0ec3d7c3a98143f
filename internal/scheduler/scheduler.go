// internal/scheduler/scheduler.go
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Task is a named prompt. Tasks with a cron schedule fire periodically;
// tasks without one are webhook-only.
type Task struct {
	Name     string
	Schedule string
	Prompt   string
}

// Handler is the callback invoked when a scheduled task fires.
type Handler func(name, prompt string)

// Scheduler evaluates cron expressions over the configured tasks and fires
// them through a handler callback.
type Scheduler struct {
	tasks   []Task
	handler Handler
	cron    *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler over the given tasks. The handler is called each
// time a scheduled task fires.
func New(tasks []Task, handler Handler) *Scheduler {
	return &Scheduler{
		tasks:   tasks,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers every task that has a schedule as a cron entry and starts
// the ticker. Tasks with invalid schedules are skipped with a logged error.
func (s *Scheduler) Start() error {
	for _, task := range s.tasks {
		if task.Schedule == "" {
			continue
		}

		name := task.Name
		prompt := task.Prompt

		_, err := s.cron.AddFunc(task.Schedule, func() {
			slog.Info("cron firing task", "name", name)
			s.handler(name, prompt)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", name, "schedule", task.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled task", "name", name, "schedule", task.Schedule)
	}

	s.cron.Start()
	return nil
}

// Stop stops the cron ticker.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
