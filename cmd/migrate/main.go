package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"usermanage.org/internal/auth"
	"usermanage.org/internal/ids"
	"usermanage.org/internal/migrate"
	"usermanage.org/internal/obs"
)

func main() {
	log.SetFlags(0)
	var (
		dsn           = flag.String("dsn", os.Getenv("USERMANAGE_POSTGRES_DSN"), "PostgreSQL DSN")
		adminUser     = flag.String("admin-user", "", "with seed: create this administrator")
		adminPassword = flag.String("admin-password", os.Getenv("USERMANAGE_SEED_ADMIN_PASSWORD"), "with seed: administrator password")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or USERMANAGE_POSTGRES_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	logger, err := obs.InitLogger(os.Getenv("USERMANAGE_APP_ENV"))
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrate.Migrations(), migrate.Seeds())

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		logger.Info("migrations applied", zap.Strings("files", applied))
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		logger.Info("migration rolled back", zap.String("file", name))
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		logger.Info("seeds applied", zap.Strings("files", applied))
		if err == nil && *adminUser != "" {
			err = createAdmin(ctx, db, *adminUser, *adminPassword)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
}

func createAdmin(ctx context.Context, db *sql.DB, username, password string) error {
	if password == "" {
		return fmt.Errorf("admin password is required")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	id := ids.New()
	if _, err := tx.ExecContext(ctx, `
		insert into users(id, user_name, normalized_user_name, password_hash, security_stamp)
		values ($1, $2, $3, $4, $5)
	`, id, username, auth.NormalizeUsername(username), hash, uuid.NewString()); err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into user_roles(user_id, role_id)
		select $1, id from roles where normalized_name = $2
	`, id, auth.NormalizeUsername(auth.RoleAdmin)); err != nil {
		return fmt.Errorf("grant admin role: %w", err)
	}
	return tx.Commit()
}
