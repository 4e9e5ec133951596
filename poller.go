package delta

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Query submits statement and waits until it is terminal. On success the
// returned response carries a validated manifest and the first result page.
//
// Example:
//
//	sr, err := session.Query(ctx, "SELECT * FROM trips WHERE city = :city", delta.NewParameter("city", "Oslo"))
//	if err != nil {
//	    return err
//	}
//	err = sr.Drain(ctx, func(chunk *delta.ChunkData) error {
//	    // Process chunk.Payload...
//	    return nil
//	})
func (s *Session) Query(ctx context.Context, statement string, params ...StatementParameter) (*StatementResponse, error) {
	sr, err := s.Submit(ctx, statement, params...)
	if err != nil {
		return nil, err
	}
	return s.AwaitCompletion(ctx, sr)
}

// AwaitCompletion polls the statement until it reaches a terminal state,
// sleeping the client's poll interval between polls. PENDING and RUNNING keep
// polling; FAILED, CANCELED and CLOSED return a *StatementError; SUCCEEDED
// returns the final response once its manifest and schema check out.
//
// Polling is unbounded unless the client sets MaxPollAttempts. If ctx is done
// while waiting, the statement is canceled on the server before returning.
func (s *Session) AwaitCompletion(ctx context.Context, sr *StatementResponse) (*StatementResponse, error) {
	if sr == nil {
		return nil, protocolErrorf("", "nil statement response")
	}
	interval := s.client.pollInterval
	maxAttempts := s.client.maxPollAttempts

	for attempt := 0; ; attempt++ {
		switch sr.Status.State {
		case StatementStateSucceeded:
			if err := validateSucceeded(sr); err != nil {
				return sr, err
			}
			return sr, nil
		case StatementStateFailed, StatementStateCanceled, StatementStateClosed:
			s.client.metrics.statementFailed(sr.Status.State)
			return sr, statementFailure(sr)
		}

		if maxAttempts > 0 && attempt >= maxAttempts {
			return sr, fmt.Errorf("statement %s: %w", sr.StatementId, ErrPollAttemptsExceeded)
		}

		log.Debug().Str("statement_id", sr.StatementId).Stringer("state", sr.Status.State).
			Int("attempt", attempt+1).Dur("interval", interval).Msg("statement not ready, polling")

		if err := sleepContext(ctx, interval); err != nil {
			s.cancelAbandoned(sr.StatementId)
			return sr, fmt.Errorf("await statement %s: %w", sr.StatementId, err)
		}

		next, _, err := s.GetStatement(ctx, sr.StatementId)
		if err != nil {
			if ctx.Err() != nil {
				s.cancelAbandoned(sr.StatementId)
			}
			return sr, fmt.Errorf("poll statement %s: %w", sr.StatementId, err)
		}
		s.client.metrics.statementPolled()
		sr = next
	}
}

// cancelAbandoned cancels a statement whose caller gave up waiting.
// A background context is used so the request goes out despite the cancellation.
func (s *Session) cancelAbandoned(statementId string) {
	if _, err := s.CancelStatement(context.Background(), statementId); err != nil {
		log.Debug().Err(err).Str("statement_id", statementId).Msg("failed to cancel statement after context cancellation")
	} else {
		log.Debug().Str("statement_id", statementId).Msg("successfully canceled statement because the context was cancelled")
	}
}

// statementFailure returns the error carried by a FAILED, CANCELED or CLOSED statement.
func statementFailure(sr *StatementResponse) error {
	state := sr.Status.State
	if e := sr.Status.Error; e != nil {
		failure := *e
		if failure.ErrorCode == "" && state != StatementStateFailed {
			failure.ErrorCode = state.String()
		}
		return &failure
	}
	return &StatementError{
		ErrorCode: state.String(),
		Message:   fmt.Sprintf("statement %s ended in state %s", sr.StatementId, state),
	}
}

// validateSucceeded checks that a SUCCEEDED response can be materialized:
// it has a manifest with a consistent, non-empty schema, and a first result
// page unless the manifest reports no chunks at all.
func validateSucceeded(sr *StatementResponse) error {
	if sr.Manifest == nil {
		return protocolErrorf(sr.StatementId, "succeeded statement has no manifest")
	}
	if err := sr.Manifest.Schema.Validate(); err != nil {
		return &ProtocolError{StatementId: sr.StatementId, Message: "invalid result schema", Err: err}
	}
	if sr.Result == nil && sr.Manifest.TotalChunkCount > 0 {
		return protocolErrorf(sr.StatementId, "succeeded statement has no result")
	}
	return nil
}
