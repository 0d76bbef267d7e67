package audit

import (
	"github.com/forest6511/timevault/pkg/engine"
)

// Sink adapts a Logger to the engine's event sink interface. Engine events
// are recorded best effort: a failed audit write never fails the operation
// that produced it.
type Sink struct {
	logger *Logger
	source string
}

// NewSink wraps logger for engine event delivery. source tags every record
// with the surface the operation came from (cli or mcp).
func NewSink(logger *Logger, source string) *Sink {
	return &Sink{logger: logger, source: source}
}

// VaultCreated records a successful deposit.
func (s *Sink) VaultCreated(ev engine.CreatedEvent) {
	_ = s.logger.Log(OpVaultDeposit, s.source, ResultSuccess,
		Record{VaultID: ev.VaultID, TokenID: ev.TokenID, Account: string(ev.Owner)},
		nil,
		map[string]interface{}{
			"amount":      uint64(ev.Amount),
			"unlock_time": ev.UnlockTime.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
}

// VaultWithdrawn records a successful withdrawal.
func (s *Sink) VaultWithdrawn(ev engine.WithdrawnEvent) {
	_ = s.logger.Log(OpVaultWithdraw, s.source, ResultSuccess,
		Record{VaultID: ev.VaultID, Account: string(ev.Owner)},
		nil,
		map[string]interface{}{"amount": uint64(ev.Amount)})
}

// ProofInvalidated records a token burn.
func (s *Sink) ProofInvalidated(ev engine.InvalidatedEvent) {
	_ = s.logger.Log(OpTokenBurn, s.source, ResultSuccess,
		Record{VaultID: ev.VaultID, TokenID: ev.TokenID, Account: string(ev.Owner)},
		nil, nil)
}
