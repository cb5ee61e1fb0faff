package export

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang/glog"

	"github.com/hb9tf/powermeter/meter"
	"github.com/hb9tf/powermeter/swr"
)

const (
	sqliteCreateTableTmpl = `CREATE TABLE IF NOT EXISTS readings (
		"ID"           INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		"Series"       TEXT NOT NULL,
		"Source"       TEXT NOT NULL,
		"Timestamp"    REAL,
		"Forward"      REAL,
		"Reflected"    REAL,
		"VSWR"         REAL
	);`
	sqliteInsertReadingTmpl = `INSERT INTO readings (
		Series,
		Source,
		Timestamp,
		Forward,
		Reflected,
		VSWR
	) VALUES (?, ?, ?, ?, ?, ?);`
)

// SQLite stores readings in a sqlite3 DB. A VSWR of +Inf is stored as NULL.
type SQLite struct {
	DB *sql.DB
}

func (s *SQLite) Write(ctx context.Context, readings <-chan meter.Reading) error {
	return writeSQL(ctx, s.DB, "sqlite", sqliteCreateTableTmpl, sqliteInsertReadingTmpl, readings)
}

func writeSQL(ctx context.Context, db *sql.DB, name, createTmpl, insertTmpl string, readings <-chan meter.Reading) error {
	if _, err := db.ExecContext(ctx, createTmpl); err != nil {
		return fmt.Errorf("unable to create table: %s", err)
	}
	insert, err := db.PrepareContext(ctx, insertTmpl)
	if err != nil {
		return fmt.Errorf("unable to prepare insert: %s", err)
	}
	defer insert.Close()

	counts := map[string]int{
		"error":   0,
		"success": 0,
		"total":   0,
	}
	for r := range readings {
		counts["total"] += 1
		vswr := sql.NullFloat64{}
		vswr.Float64, vswr.Valid = finite(swr.VSWR(r.Forward, r.Reflected))
		// Not bound to ctx: queued readings are still written during shutdown.
		if _, err := insert.Exec(r.Series, r.Source, r.Timestamp, r.Forward, r.Reflected, vswr); err != nil {
			counts["error"] += 1
			glog.Warningf("error storing in %s DB: %s\n", name, err)
			continue
		}
		counts["success"] += 1
		if counts["total"]%sampleCountInfo == 0 {
			glog.Infof("Reading export counts: %+v\n", counts)
		}
	}
	glog.Infof("%s export finished: %+v\n", name, counts)
	return nil
}
