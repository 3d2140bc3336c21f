// Package db implements the optional durable sink behind the
// drop.Persistence, participant.Persister, rollover.Persister, and
// loyalty.Persister interfaces: a pgxpool
// connection pool and an ON CONFLICT ... DO UPDATE upsert idiom for every
// drop/participant/ledger row.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/dropengine/pkg/models"
)

const queryTimeout = 5 * time.Second

// PostgresStore is the durable sink wired into every in-memory manager at
// startup (cmd/engine/main.go). Nil is never passed to the managers
// directly; SetPersister/SetPersistence are only called once a store
// connects successfully.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for drop engine")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes schema.sql.
func (s *PostgresStore) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/db/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %v", err)
	}

	_, err = s.pool.Exec(context.Background(), string(schemaBytes))
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Drop engine schema initialized")
	return nil
}

// SaveDropConfig persists a drop's immutable config and commitment,
// implementing drop.Persistence.
func (s *PostgresStore) SaveDropConfig(cfg models.DropConfig, commitment string) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	geoFence, err := json.Marshal(cfg.GeoFence)
	if err != nil {
		return fmt.Errorf("failed to marshal geoFence: %v", err)
	}

	sql := `
		INSERT INTO drop_configs
			(drop_id, inventory, registration_start, registration_end, purchase_window_seconds,
			 ticket_price_unit, max_tickets_per_user, geo_fence, geo_fence_mode,
			 geo_bonus_multiplier, backup_multiplier, lottery_commitment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (drop_id) DO UPDATE
		SET inventory = EXCLUDED.inventory, lottery_commitment = EXCLUDED.lottery_commitment;
	`
	_, err = s.pool.Exec(ctx, sql,
		cfg.DropID, cfg.Inventory, cfg.RegistrationStart, cfg.RegistrationEnd, cfg.PurchaseWindowSeconds,
		cfg.TicketPriceUnit, cfg.MaxTicketsPerUser, geoFence, string(cfg.GeoFenceMode),
		cfg.GeoBonusMultiplier, cfg.BackupMultiplier, commitment,
	)
	return err
}

// PersistedDrop is one warm-reload row, pairing a drop's config with its
// commitment the way manager.Initialize does at creation time.
type PersistedDrop struct {
	Config     models.DropConfig
	Commitment string
}

// LoadDropConfigs loads every persisted drop config and its stored
// commitment for the startup warm-reload. Registrations are not stored
// here, and cmd/engine re-initializes each drop from its config alone,
// which mints a new lottery secret and commitment.
func (s *PostgresStore) LoadDropConfigs(ctx context.Context) ([]PersistedDrop, error) {
	sql := `
		SELECT drop_id, inventory, registration_start, registration_end, purchase_window_seconds,
		       ticket_price_unit, max_tickets_per_user, geo_fence, geo_fence_mode,
		       geo_bonus_multiplier, backup_multiplier, lottery_commitment
		FROM drop_configs
	`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PersistedDrop
	for rows.Next() {
		var cfg models.DropConfig
		var geoFenceMode string
		var geoFence []byte
		var commitment string
		if err := rows.Scan(
			&cfg.DropID, &cfg.Inventory, &cfg.RegistrationStart, &cfg.RegistrationEnd, &cfg.PurchaseWindowSeconds,
			&cfg.TicketPriceUnit, &cfg.MaxTicketsPerUser, &geoFence, &geoFenceMode,
			&cfg.GeoBonusMultiplier, &cfg.BackupMultiplier, &commitment,
		); err != nil {
			return nil, err
		}
		cfg.GeoFenceMode = models.GeoFenceMode(geoFenceMode)
		if len(geoFence) > 0 {
			if err := json.Unmarshal(geoFence, &cfg.GeoFence); err != nil {
				return nil, fmt.Errorf("failed to unmarshal geoFence for %s: %v", cfg.DropID, err)
			}
		}
		out = append(out, PersistedDrop{Config: cfg, Commitment: commitment})
	}
	return out, rows.Err()
}

// SaveLotteryProof persists the commit-reveal artifact once a drop's
// lottery runs, implementing drop.Persistence. A repeat save for the same
// drop updates only the winners and backup winners.
func (s *PostgresStore) SaveLotteryProof(proof models.LotteryProof) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	winners, err := json.Marshal(proof.Winners)
	if err != nil {
		return fmt.Errorf("failed to marshal winners: %v", err)
	}
	backups, err := json.Marshal(proof.BackupWinners)
	if err != nil {
		return fmt.Errorf("failed to marshal backupWinners: %v", err)
	}

	sql := `
		INSERT INTO lottery_proofs
			(drop_id, commitment, secret, participant_merkle_root, participant_count,
			 seed, algorithm, run_at, winners, backup_winners)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (drop_id) DO UPDATE
		SET winners = EXCLUDED.winners, backup_winners = EXCLUDED.backup_winners;
	`
	_, err = s.pool.Exec(ctx, sql,
		proof.DropID, proof.Commitment, proof.Secret, proof.ParticipantMerkleRoot, proof.ParticipantCount,
		proof.Seed, proof.Algorithm, proof.Timestamp, winners, backups,
	)
	return err
}

// GetLotteryProof reads back a stored lottery proof. The proof endpoint
// (GET /api/drop/{dropId}/proof) does not call it; it serves only the
// in-process Drop's proof.
func (s *PostgresStore) GetLotteryProof(ctx context.Context, dropID string) (models.LotteryProof, error) {
	var proof models.LotteryProof
	var winners, backups []byte

	sql := `
		SELECT drop_id, commitment, secret, participant_merkle_root, participant_count,
		       seed, algorithm, run_at, winners, backup_winners
		FROM lottery_proofs WHERE drop_id = $1
	`
	err := s.pool.QueryRow(ctx, sql, dropID).Scan(
		&proof.DropID, &proof.Commitment, &proof.Secret, &proof.ParticipantMerkleRoot, &proof.ParticipantCount,
		&proof.Seed, &proof.Algorithm, &proof.Timestamp, &winners, &backups,
	)
	if err != nil {
		return models.LotteryProof{}, err
	}
	if err := json.Unmarshal(winners, &proof.Winners); err != nil {
		return models.LotteryProof{}, err
	}
	if err := json.Unmarshal(backups, &proof.BackupWinners); err != nil {
		return models.LotteryProof{}, err
	}
	return proof, nil
}

// SaveParticipant persists one participant record, implementing
// participant.Persister.
func (s *PostgresStore) SaveParticipant(rec models.ParticipantState) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	sql := `
		INSERT INTO participants
			(drop_id, user_id, status, tickets, effective_tickets, rollover_used,
			 paid_entries, backup_position, purchase_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (drop_id, user_id) DO UPDATE
		SET status = EXCLUDED.status, tickets = EXCLUDED.tickets,
		    effective_tickets = EXCLUDED.effective_tickets, rollover_used = EXCLUDED.rollover_used,
		    paid_entries = EXCLUDED.paid_entries, backup_position = EXCLUDED.backup_position,
		    purchase_token = EXCLUDED.purchase_token, expires_at = EXCLUDED.expires_at,
		    updated_at = NOW();
	`
	_, err := s.pool.Exec(ctx, sql,
		rec.DropID, rec.UserID, rec.Status, rec.Tickets, rec.EffectiveTickets, rec.RolloverUsed,
		rec.PaidEntries, rec.BackupPosition, nullableString(rec.PurchaseToken), rec.ExpiresAt,
	)
	return err
}

// SaveRollover persists one user's rollover ledger, implementing
// rollover.Persister.
func (s *PostgresStore) SaveRollover(ledger models.UserRolloverState) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	sql := `
		INSERT INTO rollover_ledger (user_id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at;
	`
	_, err := s.pool.Exec(ctx, sql, ledger.UserID, ledger.Balance, ledger.LastUpdated)
	return err
}

// SaveLoyalty persists one user's loyalty ledger, implementing
// loyalty.Persister.
func (s *PostgresStore) SaveLoyalty(ledger models.UserLoyaltyState) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	dropsParticipated, err := json.Marshal(ledger.DropsParticipated)
	if err != nil {
		return fmt.Errorf("failed to marshal dropsParticipated: %v", err)
	}

	sql := `
		INSERT INTO loyalty_ledger (user_id, drops_participated, current_streak, tier, multiplier, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET drops_participated = EXCLUDED.drops_participated, current_streak = EXCLUDED.current_streak,
		    tier = EXCLUDED.tier, multiplier = EXCLUDED.multiplier, updated_at = NOW();
	`
	_, err = s.pool.Exec(ctx, sql, ledger.UserID, dropsParticipated, ledger.CurrentStreak, ledger.Tier, ledger.Multiplier)
	return err
}

// GetPool exposes the connection pool for callers that need it directly
// (migrations, ad-hoc diagnostics).
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
