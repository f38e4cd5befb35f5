package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"pdf-chat/internal/domain"
)

type documentRow struct {
	ID         string    `gorm:"primaryKey;size:36"`
	StorageKey string    `gorm:"uniqueIndex;not null"`
	Status     string    `gorm:"index;not null"`
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

func (documentRow) TableName() string { return "documents" }

type conversationRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

func (conversationRow) TableName() string { return "conversations" }

type messageRow struct {
	ID              string `gorm:"primaryKey;size:36"`
	ConversationID  string `gorm:"uniqueIndex:idx_messages_conv_seq;size:36;not null"`
	Seq             int    `gorm:"uniqueIndex:idx_messages_conv_seq;not null"`
	Role            string `gorm:"not null"`
	Content         string `gorm:"type:text"`
	DocumentID      *string
	RetrievalMode   *string
	RetrievedChunks datatypes.JSON
	CreatedAt       time.Time
}

func (messageRow) TableName() string { return "messages" }

// SQLStore is a gorm-backed Store for Postgres or SQLite.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("repository: connect postgres: %w", err)
	}
	return NewSQLStore(db)
}

// OpenSQLite opens path (":memory:" works) and migrates the schema.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	return NewSQLStore(db)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormLogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormLogger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
	}
}

func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	if err := db.AutoMigrate(&documentRow{}, &conversationRow{}, &messageRow{}); err != nil {
		return nil, fmt.Errorf("repository: migrate: %w", err)
	}
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLStore) CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, bool, error) {
	now := s.now()
	row := documentRow{
		ID:         doc.ID,
		StorageKey: doc.StorageKey,
		Status:     string(doc.Status),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if row.Status == "" {
		row.Status = string(domain.StatusUploaded)
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return domain.Document{}, false, fmt.Errorf("repository: CreateDocument: %w", res.Error)
	}
	stored, err := s.GetDocument(ctx, doc.ID)
	if err != nil {
		return domain.Document{}, false, err
	}
	return stored, res.RowsAffected > 0, nil
}

func (s *SQLStore) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	var row documentRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return domain.Document{}, notFound("GetDocument", err)
	}
	return row.toDomain(), nil
}

func (s *SQLStore) ListDocuments(ctx context.Context, page domain.Page) ([]domain.Document, int, error) {
	page = normalizePage(page)
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&documentRow{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: ListDocuments count: %w", err)
	}
	var rows []documentRow
	if err := db.Order("created_at DESC, id").Limit(page.Limit).Offset(page.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: ListDocuments: %w", err)
	}
	out := make([]domain.Document, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, int(total), nil
}

func (s *SQLStore) TransitionStatus(ctx context.Context, id string, from, to domain.IngestionStatus) error {
	res := s.db.WithContext(ctx).Model(&documentRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("repository: TransitionStatus: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.GetDocument(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("repository: TransitionStatus %s -> %s: %w", from, to, domain.ErrStatusConflict)
}

func (s *SQLStore) ResetStatus(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&documentRow{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": string(domain.StatusUploaded), "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("repository: ResetStatus: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("repository: ResetStatus: %w", domain.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) CreateConversation(ctx context.Context, id string) (domain.Conversation, error) {
	now := s.now()
	row := conversationRow{ID: id, CreatedAt: now, UpdatedAt: now}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return row.toDomain(), nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	var row conversationRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return domain.Conversation{}, notFound("GetConversation", err)
	}
	return row.toDomain(), nil
}

func (s *SQLStore) ListConversations(ctx context.Context, page domain.Page) ([]domain.ConversationSummary, int, error) {
	page = normalizePage(page)
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&conversationRow{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: ListConversations count: %w", err)
	}
	var rows []conversationRow
	if err := db.Order("updated_at DESC, id").Limit(page.Limit).Offset(page.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: ListConversations: %w", err)
	}
	if len(rows) == 0 {
		return []domain.ConversationSummary{}, int(total), nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	var counts []struct {
		ConversationID string
		N              int
	}
	if err := db.Model(&messageRow{}).
		Select("conversation_id, count(*) AS n").
		Where("conversation_id IN ?", ids).
		Group("conversation_id").
		Scan(&counts).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: ListConversations counts: %w", err)
	}
	byID := make(map[string]int, len(counts))
	for _, c := range counts {
		byID[c.ConversationID] = c.N
	}

	out := make([]domain.ConversationSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.ConversationSummary{Conversation: r.toDomain(), MessageCount: byID[r.ID]})
	}
	return out, int(total), nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.ConversationID == "" {
		return domain.Message{}, errors.New("repository: AppendMessage: conversation id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = s.now()

	row, err := messageToRow(msg)
	if err != nil {
		return domain.Message{}, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&conversationRow{}).Where("id = ?", msg.ConversationID).Update("updated_at", msg.CreatedAt)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		// Messages are never deleted, so the count is the next sequence number.
		var n int64
		if err := tx.Model(&messageRow{}).Where("conversation_id = ?", msg.ConversationID).Count(&n).Error; err != nil {
			return err
		}
		row.Seq = int(n)
		return tx.Create(&row).Error
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return msg, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var rows []messageRow
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("repository: ListMessages: %w", err)
	}
	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func notFound(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("repository: %s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("repository: %s: %w", op, err)
}

func (r documentRow) toDomain() domain.Document {
	return domain.Document{
		ID:         r.ID,
		StorageKey: r.StorageKey,
		Status:     domain.IngestionStatus(r.Status),
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

func (r conversationRow) toDomain() domain.Conversation {
	return domain.Conversation{ID: r.ID, CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()}
}

func messageToRow(m domain.Message) (messageRow, error) {
	row := messageRow{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
	if m.DocumentID != "" {
		row.DocumentID = &m.DocumentID
	}
	if m.RetrievalMode != "" {
		mode := string(m.RetrievalMode)
		row.RetrievalMode = &mode
		raw, err := json.Marshal(m.RetrievedChunks)
		if err != nil {
			return messageRow{}, fmt.Errorf("repository: encode retrieved chunks: %w", err)
		}
		row.RetrievedChunks = datatypes.JSON(raw)
	}
	return row, nil
}

func (r messageRow) toDomain() (domain.Message, error) {
	m := domain.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Role:           domain.Role(r.Role),
		Content:        r.Content,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.DocumentID != nil {
		m.DocumentID = *r.DocumentID
	}
	if r.RetrievalMode != nil {
		m.RetrievalMode = domain.RetrievalMode(*r.RetrievalMode)
	}
	if len(r.RetrievedChunks) > 0 && string(r.RetrievedChunks) != "null" {
		if err := json.Unmarshal(r.RetrievedChunks, &m.RetrievedChunks); err != nil {
			return domain.Message{}, fmt.Errorf("repository: decode retrieved chunks: %w", err)
		}
	}
	return m, nil
}
