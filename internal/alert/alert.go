// Package alert delivers operator alerts raised by the recovery coordinator.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Level string

const (
	LevelWarning Level = "warning"
	LevelFatal   Level = "fatal"
)

type Alert struct {
	Dependency string
	Level      Level
	Summary    string
	Details    string
	At         time.Time
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the structured log.
type LogAlerter struct {
	Logger *slog.Logger
}

func (l LogAlerter) Alert(ctx context.Context, a Alert) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	level := slog.LevelWarn
	if a.Level == LevelFatal {
		level = slog.LevelError
	}
	logger.Log(ctx, level, a.Summary,
		slog.String("dependency", a.Dependency),
		slog.String("alert_level", string(a.Level)),
		slog.String("details", a.Details),
		slog.Time("at", a.At),
	)
	return nil
}

// Multi fans an alert out to every alerter and joins their errors.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
