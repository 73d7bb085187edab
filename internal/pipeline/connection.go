package pipeline

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/protocol"
	"github.com/ent0n29/tth/internal/session"
)

// RunConnection serves one client stream for s until ctx is done, inbound is
// closed or the session ends. Each raw inbound frame is a client message. Every output event of the
// session is written to outbound in emission order.
func (e *Engine) RunConnection(ctx context.Context, s *session.Session, inbound <-chan []byte, outbound chan<- protocol.OutputEvent) error {
	log := e.logger.With().Str("session_id", s.ID).Logger()
	defer s.CancelTurn()

	emit := func(ctx context.Context, ev protocol.OutputEvent) error {
		select {
		case outbound <- ev:
			e.countMessage("outbound", string(ev.EventType()))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			_ = emit(ctx, protocol.NewSystemEvent(s.ID, "session_closed", ""))
			return nil
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			s.Touch()

			parsed, err := protocol.ParseClientMessage(raw)
			if err != nil {
				code := clientErrorCode(err)
				e.countMessage("inbound", "invalid")
				log.Debug().Err(err).Str("code", code).Msg("rejected client message")
				if err := emit(ctx, protocol.NewError("", code, err.Error())); err != nil {
					return nil
				}
				continue
			}

			switch msg := parsed.(type) {
			case protocol.UserText:
				e.countMessage("inbound", string(protocol.TypeUserText))
				req := TurnRequest{
					TurnID:  uuid.NewString(),
					Text:    msg.Text,
					Control: s.TakePending(msg.Control),
				}
				err := s.StartTurn(ctx, req.TurnID, func(turnCtx context.Context) {
					_ = e.RunTurn(turnCtx, s, req, emit)
				})
				if errors.Is(err, session.ErrClosed) {
					return nil
				}
			case protocol.Interrupt:
				e.countMessage("inbound", string(protocol.TypeInterrupt))
				if s.CancelTurn() {
					log.Debug().Msg("turn interrupted by client")
				}
				if err := emit(ctx, protocol.NewSystemEvent(s.ID, "interrupted", "")); err != nil {
					return nil
				}
			case protocol.ControlUpdate:
				e.countMessage("inbound", string(protocol.TypeControlUpdate))
				s.SetPending(msg.Control)
			}
		}
	}
}

func clientErrorCode(err error) string {
	switch {
	case errors.Is(err, control.ErrInvalidControl):
		return CodeInvalidControl
	case errors.Is(err, protocol.ErrEmptyText):
		return CodeEmptyText
	default:
		return CodeInvalidClientMessage
	}
}

func (e *Engine) countMessage(direction, msgType string) {
	if e.metrics != nil {
		e.metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
	}
}
