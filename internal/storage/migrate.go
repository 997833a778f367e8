package storage

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"notifyd/pkg/logx"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrationsFS embed.FS

// goose keeps its dialect, logger and base FS in package globals.
var gooseMu sync.Mutex

func (s *sqlStore) migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{log: s.log})

	gd := "sqlite3"
	dir := "migrations/sqlite"
	if s.dialect == dialectPostgres {
		gd = "postgres"
		dir = "migrations/postgres"
	}
	if err := goose.SetDialect(gd); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, dir)
}

// gooseLogger routes goose's Printf-style output into logx.
type gooseLogger struct {
	log logx.Logger
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.log.Debug(fmt.Sprintf(format, v...), logx.String("sub", "migrate"))
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.log.Error(fmt.Sprintf(format, v...), logx.String("sub", "migrate"))
}
