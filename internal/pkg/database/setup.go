package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// DSN builds the Postgres connection string from DB_* variables.
func DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_USER", "postgres"),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_NAME", "postgres"),
		env.GetEnv("DB_PORT", "5432"),
		env.GetEnv("DB_SSLMODE", "disable"),
	)
}

// SetupDatabase connects with retries. The schema (tables and stored
// procedures) is owned by the SQL migrations in /migrations, so nothing is
// auto-migrated here.
func SetupDatabase() {
	var err error
	logLevel := logger.Warn
	if env.IsDev() {
		logLevel = logger.Info
	}

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(postgres.New(postgres.Config{
			DSN:                  DSN(),
			PreferSimpleProtocol: env.GetEnvBool("DB_SIMPLE_PROTOCOL", true), // pgbouncer/supavisor
		}), &gorm.Config{
			Logger: logger.Default.LogMode(logLevel),
		})
		if err == nil {
			if sqlDB, derr := DB.DB(); derr == nil {
				sqlDB.SetMaxOpenConns(env.GetEnvInt("DB_MAX_OPEN_CONNS", 20))
				sqlDB.SetMaxIdleConns(env.GetEnvInt("DB_MAX_IDLE_CONNS", 5))
				sqlDB.SetConnMaxLifetime(30 * time.Minute)
			}
			return
		}

		log.Errorf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("[Database] Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}

// GetDB returns the shared handle, nil before SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}
