package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SignInput is a provider co-signature on a dispense.
type SignInput struct {
	DispenseID      string
	SignerUserID    string
	SignerRole      string
	SignatureNote   *string
	SignatureStatus *string
	SignedIP        *string
}

// ReopenInput returns a signed dispense to the signature queue.
type ReopenInput struct {
	DispenseID  string
	ActorUserID string
	ActorRole   string
	Note        *string
}

func (s *Service) authorizeSigner(userID, role string) error {
	if strings.TrimSpace(userID) == "" {
		return invalid("signer_user_id", "is required")
	}
	if !s.CanSign(role) {
		return invalid("signer_role", fmt.Sprintf("role %q may not sign dispenses", role))
	}
	return nil
}

// SignDispense marks a dispense signed under a row lock and records the
// status it replaced.
func (s *Service) SignDispense(ctx context.Context, in SignInput) (err error) {
	ctx, done := s.span(ctx, "sign_dispense", attribute.String("dispense_id", in.DispenseID))
	defer done(&err)

	if err := s.authorizeSigner(in.SignerUserID, in.SignerRole); err != nil {
		return err
	}
	status := SignatureSigned
	if in.SignatureStatus != nil && strings.TrimSpace(*in.SignatureStatus) != "" {
		status = strings.TrimSpace(*in.SignatureStatus)
	}

	err = s.store.InTx(ctx, func(tx Tx) error {
		cur, err := tx.LockDispense(ctx, in.DispenseID)
		if errors.Is(err, ErrNotFound) {
			return notFound("dispense", in.DispenseID)
		}
		if err != nil {
			return fmt.Errorf("lock dispense: %w", err)
		}

		now := s.now().UTC()
		signer := in.SignerUserID
		if err := tx.UpdateDispenseSignature(ctx, in.DispenseID, SignatureChange{
			Status:   status,
			SignedBy: &signer,
			SignedAt: &now,
			SignedIP: in.SignedIP,
			Note:     in.SignatureNote,
		}); err != nil {
			return fmt.Errorf("update signature: %w", err)
		}

		return s.record(ctx, tx, DispenseEvent{
			DispenseID: in.DispenseID,
			Type:       EventSigned,
			Actor:      Actor{UserID: in.SignerUserID, Role: in.SignerRole},
			Payload: map[string]any{
				"signatureStatus": status,
				"signatureNote":   strOrNil(in.SignatureNote),
				"signedIp":        strOrNil(in.SignedIP),
				"previousStatus":  cur.SignatureStatus,
			},
		})
	})
	if err != nil {
		return err
	}
	s.metrics.SignatureChanged(EventSigned)
	s.logger.Info("dispense signed",
		zap.String("dispense_id", in.DispenseID),
		zap.String("signer", in.SignerUserID),
		zap.String("status", status),
	)
	return nil
}

// ReopenDispense clears the signature and puts the dispense back in the
// queue with the supplied reason.
func (s *Service) ReopenDispense(ctx context.Context, in ReopenInput) (err error) {
	ctx, done := s.span(ctx, "reopen_dispense", attribute.String("dispense_id", in.DispenseID))
	defer done(&err)

	if err := s.authorizeSigner(in.ActorUserID, in.ActorRole); err != nil {
		return err
	}

	err = s.store.InTx(ctx, func(tx Tx) error {
		cur, err := tx.LockDispense(ctx, in.DispenseID)
		if errors.Is(err, ErrNotFound) {
			return notFound("dispense", in.DispenseID)
		}
		if err != nil {
			return fmt.Errorf("lock dispense: %w", err)
		}

		if err := tx.UpdateDispenseSignature(ctx, in.DispenseID, SignatureChange{
			Status: SignatureAwaiting,
			Note:   in.Note,
		}); err != nil {
			return fmt.Errorf("update signature: %w", err)
		}

		return s.record(ctx, tx, DispenseEvent{
			DispenseID: in.DispenseID,
			Type:       EventReopened,
			Actor:      Actor{UserID: in.ActorUserID, Role: in.ActorRole},
			Payload: map[string]any{
				"reason":         strOrNil(in.Note),
				"previousStatus": cur.SignatureStatus,
			},
		})
	})
	if err != nil {
		return err
	}
	s.metrics.SignatureChanged(EventReopened)
	s.logger.Info("dispense reopened",
		zap.String("dispense_id", in.DispenseID),
		zap.String("actor", in.ActorUserID),
	)
	return nil
}

// FetchProviderSignatureQueue lists dispenses not yet signed, newest first.
func (s *Service) FetchProviderSignatureQueue(ctx context.Context) (rows []*SignatureQueueRow, err error) {
	ctx, done := s.span(ctx, "fetch_signature_queue")
	defer done(&err)
	return s.store.SignatureQueue(ctx)
}

// FetchProviderSignatureSummary returns the pending count and the most recent
// signing time.
func (s *Service) FetchProviderSignatureSummary(ctx context.Context) (sum *SignatureSummary, err error) {
	ctx, done := s.span(ctx, "fetch_signature_summary")
	defer done(&err)
	return s.store.SignatureSummary(ctx)
}
