// Command createadmin seeds the first administrator account.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dukerupert/taskhub/internal/config"
	"github.com/dukerupert/taskhub/internal/database"
	"github.com/dukerupert/taskhub/internal/logging"
	"github.com/dukerupert/taskhub/internal/model"
	"github.com/dukerupert/taskhub/internal/store"
)

func main() {
	fs := config.Flags("createadmin")
	username := fs.String("username", "admin", "admin username")
	email := fs.String("email", "admin@example.com", "admin email")
	password := fs.String("password", "", "admin password (required)")

	cfg, err := config.Load(fs, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if len(*password) < 6 {
		logger.Fatal("--password is required and must be at least 6 characters")
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created, err := createAdmin(ctx, store.NewUserStore(db), *username, *email, *password)
	if err != nil {
		logger.Fatal("create admin", zap.Error(err))
	}
	if created == nil {
		logger.Info("admin already exists, nothing to do", zap.String("username", *username), zap.String("email", *email))
		return
	}
	logger.Info("admin created", zap.String("user_id", created.ID), zap.String("username", created.Username))
}

// createAdmin returns nil when a user with the email or username exists.
func createAdmin(ctx context.Context, users *store.UserStore, username, email, password string) (*model.User, error) {
	existing, err := users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		existing, err = users.GetByUsername(ctx, username)
		if err != nil {
			return nil, err
		}
	}
	if existing != nil {
		return nil, nil
	}
	return users.Create(ctx, username, email, password, model.RoleAdmin)
}
