package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"key_enclave/internal/model"
	"key_enclave/internal/service/store"
	"key_enclave/internal/utils/log"
)

// Confirm asks the human to approve message on behalf of origin.
func (s *Session) Confirm(ctx context.Context, origin, message string) (bool, error) {
	if err := s.buttons.Confirm.Await(ctx); err != nil {
		return false, err
	}

	humanID, err := s.humanID(ctx)
	if err != nil {
		return false, err
	}
	raw, err := s.dialogs.Open(ctx, humanID, model.IntentConfirm, model.ConfirmMessage{
		Message: message,
		Origin:  origin,
	})
	if err != nil {
		return false, err
	}

	var res model.ConfirmResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return false, fmt.Errorf("%w: %v", ErrIncompleteSession, err)
	}
	log.Info("confirm answered", zap.String("origin", origin), zap.Bool("confirmed", res.Confirmed))
	return res.Confirmed, nil
}

// BackupPasswordOrSecret unlocks for origin and runs the backup dialog. The dialog hands the
// backup to the parent through a store round trip.
func (s *Session) BackupPasswordOrSecret(ctx context.Context, origin string) (json.RawMessage, error) {
	if err := s.buttons.Backup.Await(ctx); err != nil {
		return nil, err
	}
	if err := s.EnsureUnlocked(ctx, origin); err != nil {
		return nil, err
	}

	pw, err := s.openPassword()
	if err != nil {
		return nil, err
	}
	method, _, err := s.store.Get(ctx, store.KeyPreferredAuthMethod)
	if err != nil {
		return nil, err
	}
	humanID, err := s.humanID(ctx)
	if err != nil {
		return nil, err
	}

	res, err := s.dialogs.Open(ctx, humanID, model.IntentBackup, model.BackupMessage{
		AuthMethod: model.AuthMethod(method),
		Secret:     pw,
	})
	if err != nil {
		return nil, err
	}
	log.Info("backup finished", zap.String("origin", origin))
	return res, nil
}
