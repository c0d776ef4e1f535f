package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/viper"
)

// dbConfig collects the postgres settings for the ledger database. Values
// come from viper, with environment overrides bound in cmd/server.
type dbConfig struct {
	host            string
	port            string
	user            string
	password        string
	name            string
	sslMode         string
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

func loadDBConfig() dbConfig {
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", "5432")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.name", "wallet_ledger")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", time.Minute*5)

	return dbConfig{
		host:            viper.GetString("database.host"),
		port:            viper.GetString("database.port"),
		user:            viper.GetString("database.user"),
		password:        viper.GetString("database.password"),
		name:            viper.GetString("database.name"),
		sslMode:         viper.GetString("database.ssl_mode"),
		maxOpenConns:    viper.GetInt("database.max_open_conns"),
		maxIdleConns:    viper.GetInt("database.max_idle_conns"),
		connMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
	}
}

// InitDB opens and pings the ledger database. Unlike Redis and NATS the
// database is mandatory; callers treat an error here as fatal.
func InitDB() (*sql.DB, error) {
	config := loadDBConfig()

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.host, config.port, config.user, config.password, config.name, config.sslMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	db.SetMaxOpenConns(config.maxOpenConns)
	db.SetMaxIdleConns(config.maxIdleConns)
	db.SetConnMaxLifetime(config.connMaxLifetime)

	log.Println("Database connection established")
	return db, nil
}

// InitDatabase is InitDB for server startup, where a missing database means
// exit.
func InitDatabase() *sql.DB {
	db, err := InitDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	return db
}
