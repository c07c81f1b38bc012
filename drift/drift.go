// Package drift decides whether a conversation has moved outside the
// competence of the persona handling it.
package drift

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bt-bridge/realtime-relay/shared"
	"go.uber.org/zap"
)

type Verdict int

const (
	// Unknown means the classifier could not answer. It is treated as Stay.
	Unknown Verdict = iota
	Stay
	Switch
)

func (v Verdict) String() string {
	switch v {
	case Stay:
		return "stay"
	case Switch:
		return "switch"
	default:
		return "unknown"
	}
}

// Roles of transcript turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// FormatTurns renders turns one per line as "role: text".
func FormatTurns(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// Request is one drift evaluation. Target names the persona the
// conversation would move to.
type Request struct {
	PersonaID  string
	Competence string
	Target     string
	Window     []Turn
}

// Classifier is one drift strategy. Implementations return an error wrapping
// shared.ErrClassifierUnavailable when they cannot produce a verdict.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Verdict, error)
}

// Monitor samples a transcript on a turn cadence and asks a classifier about
// the most recent window.
type Monitor struct {
	classifier Classifier
	every      int
	window     int
	timeout    time.Duration
	logger     shared.LoggerAdapter
}

func NewMonitor(classifier Classifier, every, window int, timeout time.Duration, logger shared.LoggerAdapter) (*Monitor, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if every < 1 {
		every = 1
	}
	if window < 1 {
		window = 1
	}
	return &Monitor{
		classifier: classifier,
		every:      every,
		window:     window,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Due reports whether a transcript of n turns should be evaluated now. A
// monitor without a classifier is never due.
func (m *Monitor) Due(n int) bool {
	return m.classifier != nil && n > 0 && n%m.every == 0
}

// Window returns the tail of turns the monitor evaluates.
func (m *Monitor) Window(turns []Turn) []Turn {
	if len(turns) <= m.window {
		return turns
	}
	return turns[len(turns)-m.window:]
}

// Evaluate classifies the most recent window of req.Window. It never fails:
// errors and timeouts yield Unknown.
func (m *Monitor) Evaluate(ctx context.Context, req Request) Verdict {
	if m.classifier == nil {
		return Unknown
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	started := time.Now()
	req.Window = m.Window(req.Window)
	v, err := m.classifier.Classify(ctx, req)
	if err != nil {
		m.logger.Warn("drift classification failed",
			zap.String("persona", req.PersonaID),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return Unknown
	}
	m.logger.Debug("drift classified",
		zap.String("persona", req.PersonaID),
		zap.Stringer("verdict", v),
		zap.Duration("elapsed", time.Since(started)))
	return v
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", shared.ErrClassifierUnavailable, fmt.Sprintf(format, args...))
}
