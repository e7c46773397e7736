package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/hackgods/slot-booking-engine/internal/db"
	"github.com/hackgods/slot-booking-engine/pkg/logging"
)

var timezones = []string{
	"UTC",
	"America/Sao_Paulo",
	"America/New_York",
	"Europe/Lisbon",
	"Europe/Berlin",
}

var procedures = []struct {
	name                    string
	duration, before, after int
	resourceType            string
}{
	{"Consultation", 30, 0, 0, ""},
	{"Follow-up", 15, 0, 5, ""},
	{"Cleaning", 45, 5, 10, "chair"},
	{"X-Ray", 20, 0, 5, "xray"},
	{"Minor surgery", 90, 15, 15, "room"},
}

var resourceTypes = []string{"chair", "xray", "room"}

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL")).With("service", "seed")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Error("POSTGRES_DSN is required")
		os.Exit(1)
	}
	accounts := envInt("SEED_ACCOUNTS", 5)
	perAccount := envInt("SEED_PROFESSIONALS", 20)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, 4)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	for i := 0; i < accounts; i++ {
		id, err := seedAccount(context.Background(), pool, faker, perAccount)
		if err != nil {
			logger.Error("seed account", "error", err)
			os.Exit(1)
		}
		logger.Info("account seeded", "account_id", id, "progress", fmt.Sprintf("%d/%d", i+1, accounts))
	}

	logger.Info("seed complete")
}

// seedAccount writes one clinic: professionals with weekday rules, a few
// shared resources and the procedure catalogue, all in one transaction.
func seedAccount(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, professionals int) (uuid.UUID, error) {
	accountID := uuid.New()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tz := timezones[faker.Number(0, len(timezones)-1)]
	if _, err := tx.Exec(ctx, `
		INSERT INTO accounts (id, name, timezone) VALUES ($1, $2, $3)
	`, accountID, faker.Company(), tz); err != nil {
		return uuid.Nil, fmt.Errorf("insert account: %w", err)
	}

	for _, p := range procedures {
		if _, err := tx.Exec(ctx, `
			INSERT INTO procedures (id, account_id, name, duration_minutes, buffer_before_minutes,
				buffer_after_minutes, requires_resource, required_resource_type)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, uuid.New(), accountID, p.name, p.duration, p.before, p.after,
			p.resourceType != "", p.resourceType); err != nil {
			return uuid.Nil, fmt.Errorf("insert procedure: %w", err)
		}
	}

	for _, rt := range resourceTypes {
		for n := 1; n <= 2; n++ {
			if _, err := tx.Exec(ctx, `
				INSERT INTO resources (id, account_id, name, resource_type) VALUES ($1, $2, $3, $4)
			`, uuid.New(), accountID, fmt.Sprintf("%s %d", rt, n), rt); err != nil {
				return uuid.Nil, fmt.Errorf("insert resource: %w", err)
			}
		}
	}

	for i := 0; i < professionals; i++ {
		if err := seedProfessional(ctx, tx, faker, accountID); err != nil {
			return uuid.Nil, err
		}
	}

	return accountID, tx.Commit(ctx)
}

func seedProfessional(ctx context.Context, tx pgx.Tx, faker *gofakeit.Faker, accountID uuid.UUID) error {
	profID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO professionals (id, account_id, name, default_duration_minutes)
		VALUES ($1, $2, $3, $4)
	`, profID, accountID, faker.Name(), 30); err != nil {
		return fmt.Errorf("insert professional: %w", err)
	}

	// Monday to Friday with a lunch break; some also work Saturday mornings.
	windows := [][2]string{{"08:00", "12:00"}, {"13:00", "18:00"}}
	for wd := time.Monday; wd <= time.Friday; wd++ {
		for _, win := range windows {
			if err := insertRule(ctx, tx, accountID, profID, wd, win[0], win[1]); err != nil {
				return err
			}
		}
	}
	if faker.Bool() {
		if err := insertRule(ctx, tx, accountID, profID, time.Saturday, "09:00", "13:00"); err != nil {
			return err
		}
	}
	return nil
}

func insertRule(ctx context.Context, tx pgx.Tx, accountID, profID uuid.UUID, wd time.Weekday, start, end string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO availability_rules (id, account_id, professional_id, weekday, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), accountID, profID, int(wd), start, end)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
