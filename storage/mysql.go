package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/eddielth/sensor-trans/logger"
	"github.com/eddielth/sensor-trans/transformer"
)

// MySQLStorage archives events in MySQL
type MySQLStorage struct {
	db       *sql.DB
	dsn      string
	database string
}

// NewMySQLStorage creates the database if needed and opens the archive
func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse MySQL DSN failed: %w", err)
	}

	// connect without a database to create it
	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to MySQL server failed: %w", err)
	}
	defer serverDB.Close()

	_, err = serverDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", database))
	if err != nil {
		return nil, fmt.Errorf("create database failed: %w", err)
	}

	logger.Info("MySQL database %s is ready", database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to MySQL database failed: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("MySQL ping failed: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)

	storage := &MySQLStorage{
		db:       db,
		dsn:      dsn,
		database: database,
	}

	if err := storage.InitDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init MySQL database failed: %w", err)
	}

	logger.Info("MySQL event archive initialized")
	return storage, nil
}

// parseMySQLDSN splits dsn into the database name and a DSN without it
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	parts := strings.Split(dsn, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("invalid DSN, cannot find database name")
	}

	// the last part may carry parameters
	dbParts := strings.SplitN(parts[len(parts)-1], "?", 2)
	database = dbParts[0]
	if database == "" {
		return "", "", fmt.Errorf("invalid DSN, empty database name")
	}

	serverDSN = strings.Join(parts[:len(parts)-1], "/") + "/"
	if len(dbParts) > 1 {
		serverDSN += "?" + dbParts[1]
	}

	return database, serverDSN, nil
}

// InitDatabase creates the device_events table
func (ms *MySQLStorage) InitDatabase() error {
	tableSQL := `
	CREATE TABLE IF NOT EXISTS device_events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		device_type VARCHAR(255) NOT NULL,
		snid VARCHAR(255) NOT NULL,
		gateway_id VARCHAR(255) NOT NULL,
		data_type VARCHAR(32) NOT NULL,
		event_id VARCHAR(255),
		user_id VARCHAR(255),
		payload JSON,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_device_type (device_type),
		INDEX idx_snid (snid),
		INDEX idx_created_at (created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	if _, err := ms.db.Exec(tableSQL); err != nil {
		return fmt.Errorf("create device_events table failed: %w", err)
	}

	logger.Info("MySQL tables initialized")
	return nil
}

// Store inserts events in one transaction
func (ms *MySQLStorage) Store(ctx context.Context, events []transformer.DeviceEvent) (err error) {
	tx, err := ms.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}

	defer func() {
		if err != nil {
			tx.Rollback()
			logger.Error("MySQL transaction rolled back: %v", err)
		}
	}()

	if err = insertEvents(ctx, tx, events, func(int) string { return "?" }); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction failed: %w", err)
	}

	logger.Debug("stored %d events to MySQL", len(events))
	return nil
}

// Close closes the database connection
func (ms *MySQLStorage) Close() error {
	if ms.db != nil {
		if err := ms.db.Close(); err != nil {
			return fmt.Errorf("close MySQL connection failed: %w", err)
		}
		logger.Info("MySQL connection closed")
	}
	return nil
}
