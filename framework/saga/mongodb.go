// Package saga предоставляет MongoDB-реализацию хранилища состояний саг.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig конфигурация MongoDB-хранилища саг
type MongoConfig struct {
	URI         string
	Database    string
	Collection  string
	MaxPoolSize int
	MinPoolSize int
}

// Validate проверяет корректность конфигурации
func (c MongoConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("URI cannot be empty")
	}
	return nil
}

// DefaultMongoConfig возвращает конфигурацию MongoDB по умолчанию
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		Database:    "granger",
		Collection:  "saga_instances",
		MaxPoolSize: 100,
		MinPoolSize: 10,
	}
}

type mongoSagaDocument struct {
	ID            string     `bson:"_id"`
	CorrelationID string     `bson:"correlation_id"`
	SagaType      string     `bson:"saga_type"`
	Status        string     `bson:"status"`
	Version       int64      `bson:"version"`
	TimeoutAt     *time.Time `bson:"timeout_at,omitempty"`
	HasPending    bool       `bson:"has_pending"`
	HasTCCSteps   bool       `bson:"has_tcc_steps"`
	UpdatedAt     time.Time  `bson:"updated_at"`
	Document      []byte     `bson:"document"`
}

func newMongoSagaDocument(state *SagaState) (*mongoSagaDocument, error) {
	document, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode saga state: %w", err)
	}
	return &mongoSagaDocument{
		ID:            state.ID,
		CorrelationID: state.CorrelationID,
		SagaType:      state.SagaType,
		Status:        string(state.Status),
		Version:       state.Version,
		TimeoutAt:     state.TimeoutAt,
		HasPending:    len(state.PendingCommands) > 0,
		HasTCCSteps:   len(state.TCCSteps) > 0,
		UpdatedAt:     state.UpdatedAt,
		Document:      document,
	}, nil
}

// MongoSagaRepository хранилище состояний саг в MongoDB.
//
// Состояние хранится JSON-документом; поля для выборок recovery-циклов
// дублируются на верхнем уровне документа и индексируются. Оптимистическая
// блокировка реализована фильтром {_id, version}: обновление с устаревшей
// версией не находит документа и превращается в ErrVersionConflict.
type MongoSagaRepository struct {
	config     MongoConfig
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoSagaRepository создает MongoDB-хранилище саг
func NewMongoSagaRepository(ctx context.Context, config MongoConfig) (*MongoSagaRepository, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mongodb config: %w", err)
	}
	if config.Database == "" {
		config.Database = "granger"
	}
	if config.Collection == "" {
		config.Collection = "saga_instances"
	}

	opts := options.Client().
		ApplyURI(config.URI).
		SetMaxPoolSize(uint64(config.MaxPoolSize)).
		SetMinPoolSize(uint64(config.MinPoolSize))

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	collection := client.Database(config.Database).Collection(config.Collection)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "correlation_id", Value: 1},
				{Key: "saga_type", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "has_pending", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "timeout_at", Value: 1}},
		},
	}
	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return &MongoSagaRepository{
		config:     config,
		client:     client,
		collection: collection,
	}, nil
}

// Close закрывает соединение с базой
func (m *MongoSagaRepository) Close(ctx context.Context) error {
	if m.client != nil {
		return m.client.Disconnect(ctx)
	}
	return nil
}

// Add сохраняет новое состояние саги
func (m *MongoSagaRepository) Add(ctx context.Context, state *SagaState) error {
	doc, err := newMongoSagaDocument(state)
	if err != nil {
		return err
	}
	if _, err := m.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert saga %s: %w", state.ID, err)
	}
	return nil
}

// Get возвращает состояние по идентификатору саги
func (m *MongoSagaRepository) Get(ctx context.Context, id string) (*SagaState, error) {
	return m.findOne(ctx, bson.M{"_id": id})
}

// FindByCorrelationID возвращает сагу типа sagaType по correlation ID
func (m *MongoSagaRepository) FindByCorrelationID(ctx context.Context, correlationID, sagaType string) (*SagaState, error) {
	return m.findOne(ctx, bson.M{"correlation_id": correlationID, "saga_type": sagaType})
}

func (m *MongoSagaRepository) findOne(ctx context.Context, filter bson.M) (*SagaState, error) {
	var doc mongoSagaDocument
	err := m.collection.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("failed to query saga: %w", err)
	}
	return decodeState(doc.Document)
}

// Save сохраняет состояние с проверкой версии и инкрементирует ее
func (m *MongoSagaRepository) Save(ctx context.Context, state *SagaState) error {
	previousVersion := state.Version
	state.Version++

	doc, err := newMongoSagaDocument(state)
	if err != nil {
		state.Version = previousVersion
		return err
	}

	result, err := m.collection.ReplaceOne(ctx,
		bson.M{"_id": state.ID, "version": previousVersion},
		doc,
	)
	if err != nil {
		state.Version = previousVersion
		return fmt.Errorf("failed to update saga %s: %w", state.ID, err)
	}
	if result.MatchedCount == 0 {
		state.Version = previousVersion
		return ErrVersionConflict
	}
	return nil
}

var mongoTerminalStatuses = bson.A{
	string(StatusCompleted), string(StatusFailed), string(StatusCompensated),
}

func (m *MongoSagaRepository) findMany(ctx context.Context, filter bson.M, limit int) ([]*SagaState, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query sagas: %w", err)
	}
	defer cursor.Close(ctx)

	var result []*SagaState
	for cursor.Next(ctx) {
		var doc mongoSagaDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode saga document: %w", err)
		}
		state, err := decodeState(doc.Document)
		if err != nil {
			return nil, err
		}
		result = append(result, state)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate saga documents: %w", err)
	}
	return result, nil
}

// FindStalled возвращает нетерминальные саги с недоставленными командами
func (m *MongoSagaRepository) FindStalled(ctx context.Context, limit int) ([]*SagaState, error) {
	return m.findMany(ctx, bson.M{
		"status":      bson.M{"$nin": mongoTerminalStatuses},
		"has_pending": true,
	}, limit)
}

// FindSuspended возвращает приостановленные саги
func (m *MongoSagaRepository) FindSuspended(ctx context.Context, limit int) ([]*SagaState, error) {
	return m.findMany(ctx, bson.M{"status": string(StatusSuspended)}, limit)
}

// FindExpiredSuspended возвращает приостановленные саги с истекшим дедлайном
func (m *MongoSagaRepository) FindExpiredSuspended(ctx context.Context, now time.Time, limit int) ([]*SagaState, error) {
	return m.findMany(ctx, bson.M{
		"status":     string(StatusSuspended),
		"timeout_at": bson.M{"$ne": nil, "$lte": now},
	}, limit)
}

// FindRunningWithTCCSteps возвращает активные саги с TCC-шагами
func (m *MongoSagaRepository) FindRunningWithTCCSteps(ctx context.Context, limit int) ([]*SagaState, error) {
	return m.findMany(ctx, bson.M{
		"status":        bson.M{"$nin": mongoTerminalStatuses},
		"has_tcc_steps": true,
	}, limit)
}
