package db

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	godriver "github.com/go-sql-driver/mysql"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		user     string
		password string
		database string
		want     string
	}{
		{
			name:     "no password",
			host:     "127.0.0.1",
			port:     3306,
			user:     "root",
			database: "lineup",
			want:     "root@tcp(127.0.0.1:3306)/lineup?parseTime=true",
		},
		{
			name:     "with password",
			host:     "db.vpc.internal",
			port:     3307,
			user:     "lineup",
			password: "s3cret",
			database: "lineup_prod",
			want:     "lineup:s3cret@tcp(db.vpc.internal:3307)/lineup_prod?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.host, tt.port, tt.user, tt.password, tt.database)
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDSN_ParseTimeFlag(t *testing.T) {
	dsn := DSN("localhost", 3306, "root", "", "test")
	if !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("DSN missing parseTime=true: %s", dsn)
	}
}

func TestIsDuplicateKey(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "mysql 1062", err: &godriver.MySQLError{Number: 1062, Message: "Duplicate entry"}, want: true},
		{name: "mysql other", err: &godriver.MySQLError{Number: 1213, Message: "Deadlock"}, want: false},
		{name: "wrapped mysql 1062", err: fmt.Errorf("create: %w", &godriver.MySQLError{Number: 1062}), want: true},
		{name: "sqlite unique", err: errors.New("UNIQUE constraint failed: line_operators.operator_id"), want: true},
		{name: "unrelated", err: errors.New("connection refused"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDuplicateKey(tt.err); got != tt.want {
				t.Errorf("IsDuplicateKey(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
