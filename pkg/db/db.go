package db

import (
	"sync"

	_ "github.com/jackc/pgx/v4"
	"github.com/tabflow-cloud/tabflow/internal/models"
	"github.com/tabflow-cloud/tabflow/pkg/env"
	"github.com/tabflow-cloud/tabflow/pkg/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	conn     *gorm.DB
	connOnce sync.Once
)

// Connection returns the shared database handle, opening it on first use.
func Connection() *gorm.DB {
	connOnce.Do(func() {
		var err error

		switch env.Variables().DatabaseType {
		case "sqlite":
			conn, err = gorm.Open(
				sqlite.Open(env.Variables().DatabaseDSN),
				&gorm.Config{},
			)
		case "postgres":
			fallthrough
		default:
			conn, err = gorm.Open(
				postgres.Open(env.Variables().DatabaseDSN),
				&gorm.Config{},
			)
		}

		if err != nil {
			log.Fatal("failed to connect to database", "error", err)
		}
	})

	return conn
}

// Migrate applies the schema for every tabflow entity.
func Migrate() error {
	return AutoMigrate(Connection())
}

// AutoMigrate applies the schema on an explicit connection. Tests
// use it against in-memory databases.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&models.Collection{},
		&models.Table{},
		&models.Function{},
		&models.FunctionVersion{},
		&models.TableVersion{},
		&models.FunctionDependency{},
		&models.FunctionTrigger{},
		&models.Execution{},
		&models.Transaction{},
		&models.FunctionRun{},
		&models.TableDataVersion{},
		&models.FunctionRequirement{},
	)
}
