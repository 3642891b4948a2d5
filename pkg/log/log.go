// Package log provides a package-level zerolog logger that can write its JSON
// lines into an SQLite database for later retrieval.
package log

import (
	"database/sql"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"figger-go/pkg/appdir"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

var (
	writesSinceInit atomic.Int64
	pkgLogger       = zerolog.Nop()
	sink            *sqliteSink
	dbHandle        *sql.DB
	mu              sync.RWMutex

	timeFieldFormat = time.RFC3339Nano

	ErrNotInitialized = errors.New("log: logger not initialized, call log.Init() first")
)

// sqliteSink is an io.Writer that stores one zerolog line per row.
type sqliteSink struct {
	mu   sync.Mutex
	db   *sql.DB
	stmt *sql.Stmt
	tee  *zerolog.ConsoleWriter
}

func openSink(path string) (*sqliteSink, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode=wal&_pragma=busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db %s: %w", path, err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db %s: %w", path, err)
	}

	_, err = db.Exec(`
    CREATE TABLE IF NOT EXISTS logs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        inserted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL,
        log_data TEXT NOT NULL
    );`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create logs table: %w", err)
	}
	if _, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_logs_json_time ON logs (json_extract(log_data, '$.time'));`); err != nil {
		stdlog.Printf("Warning: failed to create JSON time index: %v", err)
	}

	stmt, err := db.Prepare(`INSERT INTO logs (log_data) VALUES (?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	return &sqliteSink{db: db, stmt: stmt}, nil
}

func (s *sqliteSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stmt == nil {
		return 0, ErrNotInitialized
	}
	if _, err := s.stmt.Exec(string(p)); err != nil {
		stdlog.Printf("ERROR writing log to SQLite: %v", err)
		return 0, err
	}
	writesSinceInit.Add(1)
	if s.tee != nil {
		s.tee.Write(p)
	}
	return len(p), nil
}

func (s *sqliteSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.stmt != nil {
		if err := s.stmt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing statement: %w", err))
		}
		s.stmt = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing db: %w", err))
		}
		s.db = nil
	}
	return errors.Join(errs...)
}

// SetStd logs human-readable lines to stdout.
func SetStd() {
	mu.Lock()
	defer mu.Unlock()
	pkgLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// SetLevel sets the global minimum level.
func SetLevel(debug bool) {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Init stores logs in dbFile, relative to the application directory unless
// absolute. When console is true every line is also printed to stdout.
func Init(dbFile string, console bool) error {
	if dbFile == "" {
		return fmt.Errorf("logger needs an explicit dbFile")
	}
	path := appdir.Path(dbFile)

	mu.Lock()
	defer mu.Unlock()
	if sink != nil {
		return fmt.Errorf("logger already initialized")
	}

	s, err := openSink(path)
	if err != nil {
		return fmt.Errorf("failed to create SQLite writer: %w", err)
	}
	if console {
		s.tee = &zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	sink = s
	dbHandle = s.db
	writesSinceInit.Store(0)

	zerolog.TimeFieldFormat = timeFieldFormat
	pkgLogger = zerolog.New(sink).With().Timestamp().Logger()
	return nil
}

// Close flushes a final line and releases the database.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if sink == nil {
		return nil
	}
	s := sink
	sink = nil
	dbHandle = nil
	pkgLogger = zerolog.Nop()

	last := zerolog.New(s).With().Timestamp().Logger()
	last.Log().Msg("closing SQLite logger")
	if err := s.close(); err != nil {
		return fmt.Errorf("error closing SQLite logger: %w", err)
	}
	return nil
}

func logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := pkgLogger
	return &l
}

func Debug() *zerolog.Event { return logger().Debug() }
func Info() *zerolog.Event  { return logger().Info() }
func Warn() *zerolog.Event  { return logger().Warn() }
func Error() *zerolog.Event { return logger().Error() }
func Fatal() *zerolog.Event { return logger().Fatal() }

// Printf sends an info event. Arguments are handled in the manner of fmt.Printf.
func Printf(format string, v ...any) {
	logger().Info().CallerSkipFrame(1).Msgf(format, v...)
}

func Fatalf(format string, v ...any) {
	logger().Fatal().Msgf(format, v...)
}
