package export

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/hb9tf/powermeter/meter"
)

const (
	mysqlCreateTableTmpl = `CREATE TABLE IF NOT EXISTS readings (
		ID           BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		Series       VARCHAR(36) NOT NULL,
		Source       VARCHAR(16) NOT NULL,
		Timestamp    DOUBLE,
		Forward      DOUBLE,
		Reflected    DOUBLE,
		VSWR         DOUBLE NULL
	);`
	mysqlInsertReadingTmpl = `INSERT INTO readings (
		Series,
		Source,
		Timestamp,
		Forward,
		Reflected,
		VSWR
	) VALUES (?, ?, ?, ?, ?, ?);`
)

// MySQL stores readings in a MySQL DB. A VSWR of +Inf is stored as NULL.
type MySQL struct {
	DB *sql.DB
}

func (m *MySQL) Write(ctx context.Context, readings <-chan meter.Reading) error {
	return writeSQL(ctx, m.DB, "MySQL", mysqlCreateTableTmpl, mysqlInsertReadingTmpl, readings)
}

// MySQLDSN builds the DSN for a TCP connection to server (host:port).
func MySQLDSN(server, user, password, dbName string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = server
	cfg.DBName = dbName
	return cfg.FormatDSN()
}

// OpenMySQL opens a small connection pool, the exporter is a single writer.
func OpenMySQL(server, user, password, dbName string) (*sql.DB, error) {
	db, err := sql.Open("mysql", MySQLDSN(server, user, password, dbName))
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	return db, nil
}
