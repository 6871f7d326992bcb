package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	godriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN for the lineup database.
func DSN(host string, port int, user, password, database string) string {
	cred := user
	if password != "" {
		cred = user + ":" + password
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", cred, host, port, database)
}

// Connect opens a GORM connection to the MySQL server.
func Connect(host string, port int, user, password, database string) (*gorm.DB, error) {
	dsn := DSN(host, port, user, password, database)
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", host, port, database, err)
	}
	return gdb, nil
}

// ConnectAdmin opens a GORM connection to the MySQL server with no database
// selected, for create/drop operations.
func ConnectAdmin(host string, port int, user, password string) (*gorm.DB, error) {
	dsn := DSN(host, port, user, password, "")
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d: %w", host, port, err)
	}
	return gdb, nil
}

// CreateDatabase creates the database if it does not exist.
func CreateDatabase(gdb *gorm.DB, name string) error {
	if err := gdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}

// Serializable runs fn inside a transaction. On MySQL the transaction runs at
// SERIALIZABLE isolation; sqlite (tests) already serializes writes at the
// database level and rejects explicit isolation levels.
func Serializable(gdb *gorm.DB, fn func(tx *gorm.DB) error) error {
	if gdb.Dialector.Name() == "mysql" {
		return gdb.Transaction(fn, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	return gdb.Transaction(fn)
}

// LockForUpdate adds SELECT ... FOR UPDATE row locking on dialects that
// support it. Sqlite has no row locks; its whole-database write lock covers
// the same reads there.
func LockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "mysql" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// IsDuplicateKey reports whether err is a unique-constraint violation, on
// either MySQL (error 1062) or sqlite.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var myErr *godriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
