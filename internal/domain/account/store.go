package account

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"antigravity-manager/internal/platform/errors"
	"antigravity-manager/internal/platform/logging"
	"antigravity-manager/internal/platform/storage"
)

// Store is the encrypted account store. Token and quota payloads are
// encrypted before they reach the database and decrypted on the way out;
// reads transparently migrate payloads that only a legacy key could open.
type Store struct {
	db     *gorm.DB
	cipher *Cipher
	logger *logging.Logger
}

func NewStore(db *gorm.DB, cipher *Cipher, logger *logging.Logger) *Store {
	return &Store{db: db, cipher: cipher, logger: logger}
}

// Add persists a new account. When makeActive is set the insert and the
// active-flag handover happen in one transaction, so readers never observe
// zero or two active rows.
func (s *Store) Add(ctx context.Context, rec *Record, makeActive bool) (*Record, error) {
	if rec.Email == "" {
		return nil, errors.New(errors.KindDomain, "account.add", "email is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Provider == "" {
		rec.Provider = "google"
	}
	if rec.Status == "" {
		rec.Status = "ok"
	}
	if rec.LastUsed == 0 {
		rec.LastUsed = time.Now().UnixMilli()
	}

	model, err := s.toModel(rec)
	if err != nil {
		return nil, err
	}
	model.IsActive = makeActive

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if makeActive {
			if err := tx.Model(&storage.Account{}).Where("is_active = ?", true).
				Update("is_active", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(model).Error
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "account.add", "insert account", err)
	}

	rec.IsActive = makeActive
	rec.CreatedAt = model.CreatedAt
	return rec, nil
}

// Remove deletes an account by id.
func (s *Store) Remove(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&storage.Account{})
	if res.Error != nil {
		return errors.Wrap(errors.KindStorage, "account.remove", "delete account", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.New(errors.KindDomain, "account.remove", "account not found: "+id)
	}
	return nil
}

// Get returns one decrypted account by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var model storage.Account
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.New(errors.KindDomain, "account.get", "account not found: "+id)
		}
		return nil, errors.Wrap(errors.KindStorage, "account.get", "query account", err)
	}
	return s.decrypt(ctx, &model, nil)
}

// GetByEmail returns one decrypted account by exact email.
func (s *Store) GetByEmail(ctx context.Context, email string) (*Record, error) {
	var model storage.Account
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.New(errors.KindDomain, "account.get", "account not found: "+email)
		}
		return nil, errors.Wrap(errors.KindStorage, "account.get", "query account", err)
	}
	return s.decrypt(ctx, &model, nil)
}

// List returns every account, most recently used first, decrypting each
// credential payload. Records whose payloads no key source can open are
// returned without token/quota and counted in the stats instead of failing
// the whole read.
func (s *Store) List(ctx context.Context) ([]*Record, *MigrationStats, error) {
	var models []storage.Account
	if err := s.db.WithContext(ctx).Order("last_used DESC").Find(&models).Error; err != nil {
		return nil, nil, errors.Wrap(errors.KindStorage, "account.list", "query accounts", err)
	}

	stats := &MigrationStats{}
	records := make([]*Record, 0, len(models))
	for i := range models {
		rec, err := s.decrypt(ctx, &models[i], stats)
		if err != nil {
			// Keep the record visible; its credentials are gone.
			rec = recordWithoutSecrets(&models[i])
			rec.Status = "missing_credentials"
		}
		records = append(records, rec)
	}

	if stats.Migrated > 0 || stats.Failed > 0 {
		s.logger.InfoTag("store", "credential read: total=%d migrated=%d fallback=%d failed=%d",
			stats.Total, stats.Migrated, stats.FallbackUsed, stats.Failed)
	}
	return records, stats, nil
}

// Active returns the currently active account, or nil when none is marked.
func (s *Store) Active(ctx context.Context) (*Record, error) {
	var model storage.Account
	err := s.db.WithContext(ctx).Where("is_active = ?", true).First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(errors.KindStorage, "account.active", "query active account", err)
	}
	return s.decrypt(ctx, &model, nil)
}

// SetActive flips the active flag to exactly one account. The clear and the
// set run inside a single transaction: a concurrent read-committed reader
// never sees zero or multiple active rows.
func (s *Store) SetActive(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&storage.Account{}).Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		res := tx.Model(&storage.Account{}).Where("id = ?", id).Updates(map[string]interface{}{
			"is_active": true,
			"last_used": time.Now().UnixMilli(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.New(errors.KindDomain, "account.set_active", "account not found: "+id)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.KindStorage, "account.set_active", "activate account", err)
	}
	return nil
}

// UpdateToken replaces the stored token for an account.
func (s *Store) UpdateToken(ctx context.Context, id string, token *Token) error {
	payload, err := sonic.MarshalString(token)
	if err != nil {
		return errors.Wrap(errors.KindDomain, "account.update_token", "marshal token", err)
	}
	encrypted, err := s.cipher.Encrypt(payload)
	if err != nil {
		return err
	}
	return s.updateColumn(ctx, id, "account.update_token", "token_json", encrypted)
}

// UpdateQuota replaces the stored quota for an account.
func (s *Store) UpdateQuota(ctx context.Context, id string, quota *Quota) error {
	payload, err := sonic.MarshalString(quota)
	if err != nil {
		return errors.Wrap(errors.KindDomain, "account.update_quota", "marshal quota", err)
	}
	encrypted, err := s.cipher.Encrypt(payload)
	if err != nil {
		return err
	}
	return s.updateColumn(ctx, id, "account.update_quota", "quota_json", encrypted)
}

// SetProfile stores the bound device profile (opaque JSON owned by the
// identity package).
func (s *Store) SetProfile(ctx context.Context, id string, profile json.RawMessage) error {
	return s.updateColumn(ctx, id, "account.set_profile", "profile", datatypes.JSON(profile))
}

// SetProfileHistory stores the profile revision history.
func (s *Store) SetProfileHistory(ctx context.Context, id string, history json.RawMessage) error {
	return s.updateColumn(ctx, id, "account.set_profile_history", "profile_history", datatypes.JSON(history))
}

// SetStatus records the account health ("ok", "invalid", ...).
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	return s.updateColumn(ctx, id, "account.set_status", "status", status)
}

// GetSetting returns an opaque manager setting; ("", nil) when absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var setting storage.Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", errors.Wrap(errors.KindStorage, "account.get_setting", "query setting", err)
	}
	return setting.Value, nil
}

// SetSetting upserts an opaque manager setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	setting := storage.Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Save(&setting).Error
	if err != nil {
		return errors.Wrap(errors.KindStorage, "account.set_setting", "save setting", err)
	}
	return nil
}

func (s *Store) updateColumn(ctx context.Context, id, op, column string, value interface{}) error {
	res := s.db.WithContext(ctx).Model(&storage.Account{}).Where("id = ?", id).Update(column, value)
	if res.Error != nil {
		return errors.Wrap(errors.KindStorage, op, "update account", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.New(errors.KindDomain, op, "account not found: "+id)
	}
	return nil
}

func (s *Store) toModel(rec *Record) (*storage.Account, error) {
	model := &storage.Account{
		ID:        rec.ID,
		Provider:  rec.Provider,
		Email:     rec.Email,
		Name:      rec.Name,
		AvatarURL: rec.AvatarURL,
		Status:    rec.Status,
		LastUsed:  rec.LastUsed,
	}
	if rec.Token != nil {
		payload, err := sonic.MarshalString(rec.Token)
		if err != nil {
			return nil, errors.Wrap(errors.KindDomain, "account.encode", "marshal token", err)
		}
		encrypted, err := s.cipher.Encrypt(payload)
		if err != nil {
			return nil, err
		}
		model.TokenJSON = encrypted
	}
	if rec.Quota != nil {
		payload, err := sonic.MarshalString(rec.Quota)
		if err != nil {
			return nil, errors.Wrap(errors.KindDomain, "account.encode", "marshal quota", err)
		}
		encrypted, err := s.cipher.Encrypt(payload)
		if err != nil {
			return nil, err
		}
		model.QuotaJSON = encrypted
	}
	if len(rec.Profile) > 0 {
		model.Profile = datatypes.JSON(rec.Profile)
	}
	if len(rec.ProfileHistory) > 0 {
		model.ProfileHistory = datatypes.JSON(rec.ProfileHistory)
	}
	return model, nil
}

// decrypt converts a row into a Record. When a legacy key source was needed
// the payload is re-encrypted with the current key and written back, so the
// migration happens as a side effect of the read.
func (s *Store) decrypt(ctx context.Context, model *storage.Account, stats *MigrationStats) (*Record, error) {
	rec := recordWithoutSecrets(model)

	if model.TokenJSON != "" {
		plain, err := s.openField(ctx, model, "token_json", model.TokenJSON, stats)
		if err != nil {
			return nil, err
		}
		var token Token
		if err := sonic.UnmarshalString(plain, &token); err == nil {
			rec.Token = &token
		}
	}
	if model.QuotaJSON != "" {
		plain, err := s.openField(ctx, model, "quota_json", model.QuotaJSON, stats)
		if err != nil {
			return nil, err
		}
		var quota Quota
		if err := sonic.UnmarshalString(plain, &quota); err == nil {
			rec.Quota = &quota
		}
	}
	return rec, nil
}

func (s *Store) openField(ctx context.Context, model *storage.Account, column, value string, stats *MigrationStats) (string, error) {
	if stats != nil {
		stats.Total++
	}
	plain, sourceIdx, err := s.cipher.Decrypt(value)
	if err != nil {
		if stats != nil {
			stats.Failed++
		}
		return "", err
	}
	if sourceIdx > 0 {
		if stats != nil {
			stats.FallbackUsed++
		}
		if reencrypted, eerr := s.cipher.Encrypt(plain); eerr == nil {
			uerr := s.db.WithContext(ctx).Model(&storage.Account{}).
				Where("id = ?", model.ID).Update(column, reencrypted).Error
			if uerr == nil {
				if stats != nil {
					stats.Migrated++
				}
			} else {
				s.logger.WarnTag("store", "key migration persist failed for %s: %v", model.Email, uerr)
			}
		}
	}
	return plain, nil
}

func recordWithoutSecrets(model *storage.Account) *Record {
	return &Record{
		ID:             model.ID,
		Provider:       model.Provider,
		Email:          model.Email,
		Name:           model.Name,
		AvatarURL:      model.AvatarURL,
		Status:         model.Status,
		IsActive:       model.IsActive,
		LastUsed:       model.LastUsed,
		CreatedAt:      model.CreatedAt,
		Profile:        json.RawMessage(model.Profile),
		ProfileHistory: json.RawMessage(model.ProfileHistory),
	}
}
