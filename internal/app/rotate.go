package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/ideahub-ai/agentgate/internal/audit"
	"github.com/ideahub-ai/agentgate/internal/config"
	"github.com/ideahub-ai/agentgate/internal/credstore"
	"github.com/ideahub-ai/agentgate/internal/db"
	"github.com/ideahub-ai/agentgate/internal/security"
)

// RotateReport summarizes one key rotation sweep.
type RotateReport struct {
	Rotated int
	Skipped int
	Failed  int
}

// RotateKeys re-encrypts every stored credential under the current key
// version. Rows already on the current version are skipped. Per-row
// failures are counted and audited but do not stop the sweep, so a
// rerun after fixing the key configuration picks up where this left off.
func RotateKeys(ctx context.Context, cfg *config.Config) (RotateReport, error) {
	var report RotateReport

	keyring, err := security.NewKeyring(cfg.Encryption.Keys, cfg.Encryption.Current)
	if err != nil {
		return report, err
	}
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return report, err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return report, errMigrate
	}

	store := credstore.New(conn)
	recorder := audit.NewRecorder(conn)

	errSweep := store.ForEachCiphertext(ctx, func(userID, ciphertext string) error {
		rotated, changed, errRotate := keyring.Rotate(ciphertext)
		if errRotate != nil {
			report.Failed++
			log.WithError(errRotate).WithField("user_id", userID).Warn("rotate: re-encrypt failed")
			recorder.Record(ctx, audit.Event{
				Type:      audit.EventKeyRotation,
				UserID:    userID,
				Outcome:   audit.OutcomeFailure,
				ErrorCode: audit.ErrorCode(errRotate),
			})
			return nil
		}
		if !changed {
			report.Skipped++
			return nil
		}
		if errUpdate := store.UpdateCiphertext(ctx, userID, rotated); errUpdate != nil {
			report.Failed++
			log.WithError(errUpdate).WithField("user_id", userID).Warn("rotate: store update failed")
			recorder.Record(ctx, audit.Event{
				Type:      audit.EventKeyRotation,
				UserID:    userID,
				Outcome:   audit.OutcomeFailure,
				ErrorCode: audit.ErrorCode(errUpdate),
			})
			return nil
		}
		report.Rotated++
		recorder.Record(ctx, audit.Event{
			Type:    audit.EventKeyRotation,
			UserID:  userID,
			Details: map[string]string{"to_version": keyring.CurrentVersion()},
		})
		return nil
	})
	if errSweep != nil {
		return report, errSweep
	}

	log.Infof("key rotation complete: rotated=%d skipped=%d failed=%d", report.Rotated, report.Skipped, report.Failed)
	return report, nil
}
