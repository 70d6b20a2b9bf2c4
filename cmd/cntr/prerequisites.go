package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

type diagnosticCheck struct {
	ID          string
	Description string
	Run         func(context.Context) error
}

var (
	diagnosticChecks = []diagnosticCheck{
		{
			ID:          "linux",
			Description: "Running on Linux",
			Run: func(ctx context.Context) error {
				if runtime.GOOS != "linux" {
					return fmt.Errorf("this program drives Linux namespaces, but detected OS: %s", runtime.GOOS)
				}
				return nil
			},
		},
		{
			ID:          "procfs",
			Description: "/proc is mounted",
			Run: func(ctx context.Context) error {
				if _, err := os.Stat("/proc/self/status"); err != nil {
					return fmt.Errorf("cannot read /proc/self/status: %w", err)
				}
				return nil
			},
		},
	}
	diagnosticCheckMap = map[string]diagnosticCheck{}
)

func init() {
	for _, check := range diagnosticChecks {
		diagnosticCheckMap[check.ID] = check
	}
}

func verifyPrerequisites(ctx context.Context, checkIDs ...string) error {
	failures := map[string]string{}
	for _, checkID := range checkIDs {
		check, ok := diagnosticCheckMap[checkID]
		if !ok {
			failures[checkID] = "unrecognized prerequisite check ID"
			continue
		}
		if err := check.Run(ctx); err != nil {
			failures[check.ID] = check.Description
			slog.ErrorContext(ctx, "diagnosticCheck failed", "name", check.Description, "error", err)
		} else {
			slog.DebugContext(ctx, "diagnosticCheck passed", "name", check.Description)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	errs := []error{}
	slog.ErrorContext(ctx, "prerequisite check(s) failed", "failures", failures)
	for id, description := range failures {
		errs = append(errs, fmt.Errorf("check failed %q: %s", id, description))
	}
	return errors.Join(errs...)
}
