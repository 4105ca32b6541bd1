package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/storefront-backend/internal/users"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/migrate"
	"github.com/angelmondragon/storefront-backend/pkg/security"
)

type options struct {
	cmd      string
	dir      string
	name     string
	version  string
	email    string
	password string
	role     string
}

func main() {
	logg := logger.New(logger.Options{ServiceName: "migrate"})
	_ = godotenv.Load()

	var opts options
	flag.StringVar(&opts.cmd, "cmd", "up", "up|down|status|version|create|validate|create-user")
	flag.StringVar(&opts.dir, "dir", "", "migrations directory (default: embedded set; create writes to "+migrate.DefaultDir+")")
	flag.StringVar(&opts.name, "name", "", "migration name (create)")
	flag.StringVar(&opts.version, "version", "", "target version YYYYMMDDHHMMSS (version)")
	flag.StringVar(&opts.email, "email", "", "account email (create-user)")
	flag.StringVar(&opts.password, "password", "", "account password (create-user)")
	flag.StringVar(&opts.role, "role", string(enums.UserRoleCustomer), "customer|admin (create-user)")
	flag.Parse()

	// create and validate only touch the filesystem.
	switch opts.cmd {
	case "create":
		if opts.name == "" {
			fail("missing -name for create", nil)
		}
		dir := opts.dir
		if dir == "" {
			dir = migrate.DefaultDir
		}
		path, err := migrate.CreateSQLMigration(dir, opts.name)
		if err != nil {
			fail("create migration", err)
		}
		fmt.Println("created migration:", path)
		return
	case "validate":
		if err := migrate.ValidateDir(opts.dir); err != nil {
			fail("migration validation", err)
		}
		fmt.Println("migration validation passed")
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fail("load config", err)
	}
	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env": cfg.App.Env,
		"cmd": opts.cmd,
		"dir": opts.dir,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "database unavailable", err)
		os.Exit(1)
	}
	defer dbClient.Close()

	if err := run(ctx, cfg, logg, dbClient, opts); err != nil {
		logg.Error(ctx, "migrate command failed", err)
		dbClient.Close()
		os.Exit(1)
	}
	logg.Info(ctx, "migrate command finished")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client, opts options) error {
	if opts.cmd == "create-user" {
		return createUser(ctx, cfg, logg, client, opts)
	}

	sqlDB, err := gooseConn(cfg.DB, client)
	if err != nil {
		return err
	}
	if client.Driver() == "postgres" {
		defer sqlDB.Close()
	}
	return runGoose(ctx, logg, sqlDB, opts)
}

// gooseConn gives goose its own lib/pq connection on Postgres and reuses the
// gorm pool for sqlite.
func gooseConn(cfg config.DBConfig, client *db.Client) (*sql.DB, error) {
	if client.Driver() == "postgres" {
		return migrate.OpenPostgres(cfg.DSN)
	}
	return client.DB().DB()
}

func runGoose(ctx context.Context, logg *logger.Logger, sqlDB *sql.DB, opts options) error {
	runner, err := migrate.NewRunner(sqlDB, opts.dir, logg)
	if err != nil {
		return err
	}
	switch opts.cmd {
	case "up", "down", "status":
		return runner.Apply(ctx, opts.cmd)
	case "version":
		if opts.version == "" {
			return errors.New("missing -version for version command")
		}
		return runner.ToVersion(ctx, opts.version)
	default:
		return fmt.Errorf("unknown -cmd value %q", opts.cmd)
	}
}

// createUser provisions an account, typically the first admin.
func createUser(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client, opts options) error {
	if opts.email == "" || opts.password == "" {
		return errors.New("create-user requires -email and -password")
	}
	role, err := enums.ParseUserRole(opts.role)
	if err != nil {
		return err
	}
	hash, err := security.HashPassword(opts.password, cfg.Password)
	if err != nil {
		return err
	}

	user, err := users.NewRepository(client.DB()).Create(ctx, users.CreateUserDTO{
		Email:        opts.email,
		PasswordHash: hash,
		Role:         role,
	})
	if err != nil {
		if errors.Is(err, users.ErrEmailTaken) {
			return fmt.Errorf("user %s already exists", users.NormalizeEmail(opts.email))
		}
		return err
	}
	logg.Info(logg.WithUserID(ctx, user.ID.String()), "user created")
	return nil
}

func fail(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	} else {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(1)
}
