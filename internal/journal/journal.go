package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/scoring"
)

// Journal appends one JSON object per line to per-topic files:
// signals.jsonl for signal lifecycle events, decisions.jsonl for
// scoring verdicts. Writes are serialized; a failed write is logged
// and dropped rather than stalling the cycle.
type Journal struct {
	mu        sync.Mutex
	signals   *os.File
	decisions *os.File
	logger    zerolog.Logger
	now       func() time.Time
}

func Open(dir string, logger zerolog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	open := func(name string) (*os.File, error) {
		return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
	sigs, err := open("signals.jsonl")
	if err != nil {
		return nil, fmt.Errorf("journal signals: %w", err)
	}
	decs, err := open("decisions.jsonl")
	if err != nil {
		sigs.Close()
		return nil, fmt.Errorf("journal decisions: %w", err)
	}
	return &Journal{
		signals:   sigs,
		decisions: decs,
		logger:    logger.With().Str("component", "journal").Logger(),
		now:       time.Now,
	}, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err1 := j.signals.Close()
	err2 := j.decisions.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

type signalEvent struct {
	Time   time.Time        `json:"time"`
	Event  string           `json:"event"` // created | closed
	Signal *database.Signal `json:"signal"`
}

// SignalCreated records a freshly persisted signal.
func (j *Journal) SignalCreated(s *database.Signal) {
	j.append(j.signals, signalEvent{Time: j.now(), Event: "created", Signal: s})
}

// SignalClosed records a terminal transition.
func (j *Journal) SignalClosed(s *database.Signal) {
	j.append(j.signals, signalEvent{Time: j.now(), Event: "closed", Signal: s})
}

type decisionEvent struct {
	Time      time.Time `json:"time"`
	Symbol    string    `json:"symbol"`
	Strategy  string    `json:"strategy"`
	Direction string    `json:"direction"`
	Regime    string    `json:"regime"`
	Accepted  bool      `json:"accepted"`
	Reason    string    `json:"reason,omitempty"`
	Factors   []string  `json:"factors,omitempty"`
	Weight    float64   `json:"regime_weight"`
	Base      float64   `json:"base_score"`
	Final     float64   `json:"final_score"`
}

// Decision records one scoring verdict, accepted or not.
func (j *Journal) Decision(d scoring.Decision) {
	j.append(j.decisions, decisionEvent{
		Time:      j.now(),
		Symbol:    d.Symbol,
		Strategy:  d.Strategy,
		Direction: string(d.Direction),
		Regime:    string(d.Regime),
		Accepted:  d.Accepted,
		Reason:    d.Reason,
		Factors:   d.Factors,
		Weight:    d.RegimeWeight,
		Base:      d.BaseScore,
		Final:     d.FinalScore,
	})
}

func (j *Journal) append(f *os.File, v interface{}) {
	line, err := json.Marshal(v)
	if err != nil {
		j.logger.Error().Err(err).Msg("journal marshal failed")
		return
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := f.Write(line); err != nil {
		j.logger.Error().Err(err).Msg("journal write failed")
	}
}
