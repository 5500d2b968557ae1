// Package safeguards provides concurrency control and recovery mechanisms
// around commit runs, which rewrite live partition tables and must never
// overlap or re-enter.
package safeguards

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCommitInProgress is returned when a commit is requested while another
// commit holds the guard. Event subscribers run synchronously during a
// commit, so a subscriber trying to commit would otherwise deadlock; failing
// fast is the only safe answer.
var ErrCommitInProgress = errors.New("a commit is already in progress")

// CommitGuard serializes commit runs. Exactly one commit may hold the guard;
// a second attempt fails immediately instead of queueing.
type CommitGuard struct {
	mu       sync.Mutex
	held     bool
	holder   string
	logger   logrus.FieldLogger
	healthFn func(context.Context) error
}

// GuardConfig configures the commit guard.
type GuardConfig struct {
	// Logger for logging operations
	Logger logrus.FieldLogger
	// HealthCheckFunc is called after acquiring the guard and before the
	// commit proceeds; a failure releases the guard and aborts the commit.
	HealthCheckFunc func(context.Context) error
}

// NewCommitGuard creates a new commit guard.
func NewCommitGuard(cfg GuardConfig) *CommitGuard {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &CommitGuard{
		logger:   cfg.Logger.WithField("component", "commit-guard"),
		healthFn: cfg.HealthCheckFunc,
	}
}

// Acquire takes the guard for the named operation. It never blocks: if the
// guard is held, it returns ErrCommitInProgress at once.
func (g *CommitGuard) Acquire(ctx context.Context, opName string) error {
	g.mu.Lock()
	if g.held {
		holder := g.holder
		g.mu.Unlock()
		g.logger.WithFields(logrus.Fields{
			"operation": opName,
			"holder":    holder,
		}).Warn("commit re-entry refused")
		return fmt.Errorf("%s: %w (held by %s)", opName, ErrCommitInProgress, holder)
	}
	g.held = true
	g.holder = opName
	g.mu.Unlock()

	g.logger.WithField("operation", opName).Debug("commit guard acquired")

	if g.healthFn != nil {
		if err := g.healthFn(ctx); err != nil {
			g.Release(opName)
			return fmt.Errorf("health check failed before %s: %w", opName, err)
		}
	}
	return nil
}

// Release gives the guard back.
func (g *CommitGuard) Release(opName string) {
	g.mu.Lock()
	g.held = false
	g.holder = ""
	g.mu.Unlock()
	g.logger.WithField("operation", opName).Debug("commit guard released")
}

// Held reports whether a commit currently holds the guard.
func (g *CommitGuard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// WithCommit runs fn under the guard.
func (g *CommitGuard) WithCommit(ctx context.Context, opName string, fn func() error) error {
	if err := g.Acquire(ctx, opName); err != nil {
		return err
	}
	defer g.Release(opName)
	return fn()
}

// RecoverableOperation wraps a function with panic recovery.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()
	return fn()
}

// SystemHealthChecker verifies the machine is in a state where rewriting
// storage metadata is sane at all.
type SystemHealthChecker struct {
	logger logrus.FieldLogger
}

// NewSystemHealthChecker creates a new health checker.
func NewSystemHealthChecker(logger logrus.FieldLogger) *SystemHealthChecker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SystemHealthChecker{
		logger: logger.WithField("component", "health-checker"),
	}
}

// CheckAll performs all health checks.
func (h *SystemHealthChecker) CheckAll(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Check for D-state processes stuck on block I/O
	if err := h.checkDStateProcesses(checkCtx); err != nil {
		return err
	}

	// Check kernel logs for I/O and filesystem errors
	if err := h.checkKernelLogs(checkCtx); err != nil {
		return err
	}

	// Check memory pressure
	if err := h.checkMemoryPressure(checkCtx); err != nil {
		return err
	}

	return nil
}

func (h *SystemHealthChecker) checkDStateProcesses(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "bash", "-c", "ps aux | awk '$8 ~ /^D/ {print $0}'")
	output, err := cmd.Output()
	if err != nil {
		return nil // Ignore errors in health check
	}

	outputStr := strings.TrimSpace(string(output))
	if outputStr != "" {
		lines := strings.Split(outputStr, "\n")
		// A process stuck in uninterruptible sleep on a block device means
		// in-flight I/O is already wedged; partition table writes would join it.
		for _, line := range lines {
			if strings.Contains(line, "dm-") || strings.Contains(line, "md") ||
				strings.Contains(line, "loop") || strings.Contains(line, "kworker") {
				h.logger.WithField("processes", outputStr).Warn("D-state processes detected")
				return fmt.Errorf("D-state processes detected - system may be unstable: %s", line)
			}
		}
	}
	return nil
}

func (h *SystemHealthChecker) checkKernelLogs(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "dmesg", "--time-format=reltime")
	output, err := cmd.Output()
	if err != nil {
		return nil // Ignore errors - dmesg may not be available
	}

	// Check last 50 lines for critical errors only
	lines := strings.Split(string(output), "\n")
	start := len(lines) - 50
	if start < 0 {
		start = 0
	}

	// Only check for critical errors that indicate imminent system failure
	criticalPatterns := []string{
		"BUG:",
		"kernel panic",
		"Out of memory",
		"oom-killer",
		"I/O error",
	}

	// Warning patterns - log but don't block
	warningPatterns := []string{
		"device-mapper",
		"md/raid",
	}

	for _, line := range lines[start:] {
		lineLower := strings.ToLower(line)

		// Check for critical errors - these always block
		for _, pattern := range criticalPatterns {
			if strings.Contains(lineLower, strings.ToLower(pattern)) {
				h.logger.WithField("log_line", line).Error("critical kernel error detected")
				return fmt.Errorf("critical kernel error detected: %s", line)
			}
		}

		// Check for warning patterns - only log, don't block
		for _, pattern := range warningPatterns {
			if strings.Contains(lineLower, strings.ToLower(pattern)) {
				h.logger.WithField("log_line", line).Debug("storage message in kernel log (informational)")
			}
		}
	}

	return nil
}

func (h *SystemHealthChecker) checkMemoryPressure(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "bash", "-c", "free -m | awk '/^Mem:/ {print $7}'")
	output, err := cmd.Output()
	if err != nil {
		return nil // Ignore errors
	}

	var availableMB int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%d", &availableMB); err != nil {
		return nil
	}

	// Warn if less than 256MB available
	if availableMB < 256 {
		h.logger.WithField("available_mb", availableMB).Warn("low memory detected")
		return fmt.Errorf("low memory: only %dMB available", availableMB)
	}

	return nil
}
