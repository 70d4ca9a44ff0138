package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/nugget/mailroom/internal/llm"
)

// Chat is the row model for the chats table.
type Chat struct {
	ID        string `gorm:"column:id;type:varchar(255);primaryKey"`
	Chat      string `gorm:"column:chat;type:json;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the table name used by every backend.
func (Chat) TableName() string { return "chats" }

// GormStore persists threads through gorm, normally against MySQL.
type GormStore struct {
	db *gorm.DB
}

// OpenMySQL connects to MySQL with the given DSN. parseTime and a
// utf8mb4 charset are added when the DSN does not set them.
func OpenMySQL(dsn string, log *slog.Logger) (*gorm.DB, error) {
	dsn = ensureParam(dsn, "parseTime", "true")
	if !strings.Contains(dsn, "charset=") {
		dsn = ensureParam(dsn, "charset", "utf8mb4")
		dsn = ensureParam(dsn, "collation", "utf8mb4_unicode_ci")
	}

	gormLogger := logger.New(slogWriter{log: log}, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return db, nil
}

// NewGormStore wraps db and migrates the chats table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Chat{}); err != nil {
		return nil, fmt.Errorf("migrate chats: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Get implements [Store].
func (s *GormStore) Get(ctx context.Context, id string) ([]llm.Message, bool, error) {
	var row Chat
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get thread %s: %w", id, err)
	}

	messages, err := decode([]byte(row.Chat))
	if err != nil {
		return nil, false, fmt.Errorf("thread %s: %w", id, err)
	}
	return messages, true, nil
}

// Put implements [Store].
func (s *GormStore) Put(ctx context.Context, id string, messages []llm.Message) error {
	row, err := newChat(id, messages, time.Now())
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"chat", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put thread %s: %w", id, err)
	}
	return nil
}

// Ping implements [Store].
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements [Store].
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newChat(id string, messages []llm.Message, now time.Time) (Chat, error) {
	data, err := encode(messages)
	if err != nil {
		return Chat{}, err
	}
	return Chat{ID: id, Chat: string(data), CreatedAt: now, UpdatedAt: now}, nil
}

func ensureParam(dsn, key, val string) string {
	if strings.Contains(dsn, key+"=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + val
}

// slogWriter adapts gorm's printf-style logger to slog.
type slogWriter struct {
	log *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	l := w.log
	if l == nil {
		l = slog.Default()
	}
	l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "gorm")
}
