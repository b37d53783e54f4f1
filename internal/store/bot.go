package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chathive/session-orchestrator/internal/model"
)

const botColumns = `id, tenant_id, phone_key, name, approval_status, credential_status,
              lifecycle_status, invalid_reason, auto_start, credentials, credentials_iv,
              message_count, command_count, created_at, updated_at`

// CreateBot inserts a new bot row. The credential blob is encrypted before it
// touches the database. A duplicate phone key within the tenant partition is
// reported as ErrConflict.
func (s *Store) CreateBot(ctx context.Context, bot *model.Bot) error {
	if bot.ID == uuid.Nil {
		bot.ID = uuid.New()
	}
	bot.CreatedAt = time.Now()
	bot.UpdatedAt = bot.CreatedAt
	if bot.ApprovalStatus == "" {
		bot.ApprovalStatus = model.ApprovalPending
	}
	if bot.CredentialStatus == "" {
		bot.CredentialStatus = model.CredentialUnverified
	}
	if bot.LifecycleStatus == "" {
		bot.LifecycleStatus = model.LifecycleOffline
	}

	ciphertext, iv, err := s.sealCredentials(bot.Credentials)
	if err != nil {
		return err
	}

	query := `INSERT INTO bots (id, tenant_id, phone_key, name, approval_status, credential_status,
              lifecycle_status, invalid_reason, auto_start, credentials, credentials_iv,
              message_count, command_count, created_at, updated_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = s.pool.Exec(ctx, query, bot.ID, bot.TenantID, bot.PhoneKey, bot.Name,
		bot.ApprovalStatus, bot.CredentialStatus, bot.LifecycleStatus, bot.InvalidReason,
		bot.AutoStart, ciphertext, iv, bot.MessageCount, bot.CommandCount,
		bot.CreatedAt, bot.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetBot returns the bot with the given id, or (nil, nil) when no row exists.
func (s *Store) GetBot(ctx context.Context, id uuid.UUID) (*model.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE id = $1`
	return s.scanBot(s.pool.QueryRow(ctx, query, id))
}

// GetBotByPhone returns the bot owning the phone key, or (nil, nil).
func (s *Store) GetBotByPhone(ctx context.Context, phoneKey string) (*model.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE phone_key = $1`
	return s.scanBot(s.pool.QueryRow(ctx, query, phoneKey))
}

// ListAutoStart returns approved bots marked for automatic start, used by the
// reconciliation monitor.
func (s *Store) ListAutoStart(ctx context.Context) ([]*model.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE auto_start = true AND approval_status = $1`
	rows, err := s.pool.Query(ctx, query, model.ApprovalApproved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*model.Bot
	for rows.Next() {
		bot, err := s.scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// UpdateBot writes the mutable configuration fields of a bot.
func (s *Store) UpdateBot(ctx context.Context, bot *model.Bot) error {
	bot.UpdatedAt = time.Now()
	query := `UPDATE bots SET name = $2, approval_status = $3, auto_start = $4, updated_at = $5
              WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, bot.ID, bot.Name, bot.ApprovalStatus, bot.AutoStart, bot.UpdatedAt)
	return err
}

// UpdateLifecycle persists a session state transition.
func (s *Store) UpdateLifecycle(ctx context.Context, id uuid.UUID, status model.LifecycleStatus) error {
	query := `UPDATE bots SET lifecycle_status = $2, updated_at = $3 WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, status, time.Now())
	return err
}

// SetCredentialStatus records the last observed validity of the credential blob.
func (s *Store) SetCredentialStatus(ctx context.Context, id uuid.UUID, status model.CredentialStatus) error {
	query := `UPDATE bots SET credential_status = $2, updated_at = $3 WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, status, time.Now())
	return err
}

// MarkInvalid moves a bot to the terminal invalid state: the reason is kept
// for the operator and auto-start is cleared so the monitor leaves it alone.
func (s *Store) MarkInvalid(ctx context.Context, id uuid.UUID, reason string) error {
	query := `UPDATE bots SET lifecycle_status = $2, invalid_reason = $3, auto_start = false, updated_at = $4
              WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, model.LifecycleInvalid, reason, time.Now())
	return err
}

// UpdateCredentials replaces the credential blob and resets its status so the
// next start verifies it again.
func (s *Store) UpdateCredentials(ctx context.Context, id uuid.UUID, credentials []byte) error {
	ciphertext, iv, err := s.sealCredentials(credentials)
	if err != nil {
		return err
	}
	query := `UPDATE bots SET credentials = $2, credentials_iv = $3, credential_status = $4,
              invalid_reason = '', updated_at = $5 WHERE id = $1`
	_, err = s.pool.Exec(ctx, query, id, ciphertext, iv, model.CredentialUnverified, time.Now())
	return err
}

func (s *Store) DeleteBot(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM bots WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountBots returns the number of bot rows for a tenant.
func (s *Store) CountBots(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bots WHERE tenant_id = $1`, tenantID).Scan(&count)
	return count, err
}

func (s *Store) IncrementMessageCount(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE bots SET message_count = message_count + 1 WHERE id = $1`, id)
	return err
}

func (s *Store) IncrementCommandCount(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE bots SET command_count = command_count + 1 WHERE id = $1`, id)
	return err
}

func (s *Store) sealCredentials(credentials []byte) ([]byte, []byte, error) {
	if len(credentials) == 0 {
		return nil, nil, nil
	}
	return s.cipher.Encrypt(credentials)
}

func (s *Store) scanBot(row pgx.Row) (*model.Bot, error) {
	bot := &model.Bot{}
	var ciphertext, iv []byte
	err := row.Scan(&bot.ID, &bot.TenantID, &bot.PhoneKey, &bot.Name,
		&bot.ApprovalStatus, &bot.CredentialStatus, &bot.LifecycleStatus, &bot.InvalidReason,
		&bot.AutoStart, &ciphertext, &iv, &bot.MessageCount, &bot.CommandCount,
		&bot.CreatedAt, &bot.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(ciphertext) > 0 && len(iv) > 0 {
		credentials, err := s.cipher.Decrypt(ciphertext, iv)
		if err != nil {
			return nil, err
		}
		bot.Credentials = credentials
	}
	return bot, nil
}
