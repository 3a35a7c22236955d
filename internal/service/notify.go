package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/Chimera/internal/domain/goal"
	"github.com/Strob0t/Chimera/internal/port/messagequeue"
	"github.com/Strob0t/Chimera/internal/port/notifier"
)

// NotificationService pages operators about events that need a human: a task
// entering review, a denied spend and a failed goal.
type NotificationService struct {
	bus       messagequeue.Queue
	notifiers []notifier.Notifier
}

// NewNotificationService creates a NotificationService.
func NewNotificationService(bus messagequeue.Queue, notifiers ...notifier.Notifier) *NotificationService {
	return &NotificationService{bus: bus, notifiers: notifiers}
}

// Start subscribes to the relevant subjects. The returned function cancels
// every subscription.
func (s *NotificationService) Start(ctx context.Context) (func(), error) {
	var stops []func()
	stopAll := func() {
		for _, stop := range stops {
			stop()
		}
	}
	for _, subject := range []string{
		messagequeue.SubjectHITLAdded,
		messagequeue.SubjectBudgetDenied,
		messagequeue.SubjectGoalStatus,
	} {
		stop, err := s.bus.Subscribe(ctx, subject, s.Handle)
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		stops = append(stops, stop)
	}
	slog.InfoContext(ctx, "notifications enabled", "notifiers", len(s.notifiers))
	return stopAll, nil
}

// Handle renders one event and sends it to every notifier. A failed send is
// returned so the bus redelivers the event.
func (s *NotificationService) Handle(ctx context.Context, subject string, data []byte) error {
	n, ok, err := renderNotification(subject, data)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var errs []error
	for _, nt := range s.notifiers {
		if err := nt.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", nt.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// renderNotification maps an event to a notification. ok is false for events
// nobody needs to hear about.
func renderNotification(subject string, data []byte) (n notifier.Notification, ok bool, err error) {
	n.Source = subject
	switch subject {
	case messagequeue.SubjectHITLAdded:
		var p messagequeue.HITLEventPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return n, false, fmt.Errorf("decode %s: %w", subject, err)
		}
		n.Title = "Review needed"
		n.Message = fmt.Sprintf("Task `%s` of goal `%s` is waiting for a reviewer.", p.TaskID, p.GoalID)
		n.Level = notifier.LevelWarning
		return n, true, nil

	case messagequeue.SubjectBudgetDenied:
		var p messagequeue.BudgetEventPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return n, false, fmt.Errorf("decode %s: %w", subject, err)
		}
		n.Title = "Spend denied"
		n.Message = fmt.Sprintf("Agent `%s` was refused %s (%s) in windows %s / %s.", p.AgentID, p.Amount, p.Reason, p.DayKey, p.WeekKey)
		n.Level = notifier.LevelError
		return n, true, nil

	case messagequeue.SubjectGoalStatus:
		var p messagequeue.GoalEventPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return n, false, fmt.Errorf("decode %s: %w", subject, err)
		}
		if goal.Status(p.Status) != goal.StatusFailed {
			return n, false, nil
		}
		n.Title = "Goal failed"
		n.Message = fmt.Sprintf("Goal `%s` failed.", p.GoalID)
		if p.Error != "" {
			n.Message += " " + p.Error
		}
		n.Level = notifier.LevelError
		return n, true, nil
	}
	return n, false, nil
}
