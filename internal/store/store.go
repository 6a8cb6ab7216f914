// Package store persists table documents: one row per entry, replaced
// wholesale on every write the way the backend's PUT endpoint works.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stagecrew/tablesync/internal/tablelog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew         = "store.new"
	opLoadDocument     = "store.load_document"
	opReplaceDocument  = "store.replace_document"
	opReplaceGroup     = "store.replace_group"
	fieldDocument      = "document"
	queryDocument      = "resource_id = ? AND section = ?"
	queryDocumentGroup = "resource_id = ? AND section = ? AND group_key = ?"
	orderEntries       = "group_key ASC, position ASC"

	reasonMissingDatabase    = "missing_database"
	reasonQueryFailed        = "query_failed"
	reasonDecodeFailed       = "decode_failed"
	reasonEncodeFailed       = "encode_failed"
	reasonDeleteFailed       = "delete_failed"
	reasonInsertFailed       = "insert_failed"
	reasonIDGenerationFailed = "id_generation_failed"
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues server ids for rows persisted for the first time.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (provider *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// StoreConfig wires a Store with its collaborators.
type StoreConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store reads and replaces table documents.
type Store struct {
	db         *gorm.DB
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, idProvider: idProvider, logger: logger}, nil
}

// LoadDocument returns the persisted groups of a document in display order.
func (store *Store) LoadDocument(ctx context.Context, identity tablelog.DocumentIdentity) ([]tablelog.Group, error) {
	if store.db == nil {
		store.logError(opLoadDocument, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opLoadDocument, reasonMissingDatabase, errMissingDatabase)
	}

	var records []EntryRecord
	if err := store.db.WithContext(ctx).
		Where(queryDocument, identity.ResourceID(), identity.Section()).
		Order(orderEntries).
		Find(&records).Error; err != nil {
		store.logError(opLoadDocument, reasonQueryFailed, err, zap.String(fieldDocument, identity.String()))
		return nil, newServiceError(opLoadDocument, reasonQueryFailed, err)
	}

	groups := make([]tablelog.Group, 0)
	for _, record := range records {
		entry, err := decodeRecord(record)
		if err != nil {
			store.logError(opLoadDocument, reasonDecodeFailed, err, zap.String(fieldDocument, identity.String()))
			return nil, newServiceError(opLoadDocument, reasonDecodeFailed, err)
		}
		if len(groups) == 0 || groups[len(groups)-1].Key != record.GroupKey {
			groups = append(groups, tablelog.Group{Key: record.GroupKey})
		}
		last := len(groups) - 1
		groups[last].Entries = append(groups[last].Entries, entry)
	}
	return groups, nil
}

// ReplaceDocument transactionally replaces every row of the document,
// assigning server ids to rows that do not have one yet. The stored groups
// are returned with their assigned ids so the write endpoint can echo them.
func (store *Store) ReplaceDocument(ctx context.Context, identity tablelog.DocumentIdentity, groups []tablelog.Group) ([]tablelog.Group, error) {
	if store.db == nil {
		store.logError(opReplaceDocument, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opReplaceDocument, reasonMissingDatabase, errMissingDatabase)
	}

	stored := tablelog.CloneGroups(groups)
	tablelog.SortGroups(stored)

	transactionError := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.
			Where(queryDocument, identity.ResourceID(), identity.Section()).
			Delete(&EntryRecord{}).Error; err != nil {
			store.logError(opReplaceDocument, reasonDeleteFailed, err, zap.String(fieldDocument, identity.String()))
			return newServiceError(opReplaceDocument, reasonDeleteFailed, err)
		}
		return store.insertGroups(transaction, opReplaceDocument, identity, stored)
	})
	if transactionError != nil {
		return nil, transactionError
	}
	return stored, nil
}

// ReplaceGroup transactionally replaces the rows of a single group.
func (store *Store) ReplaceGroup(ctx context.Context, identity tablelog.DocumentIdentity, group tablelog.Group) (tablelog.Group, error) {
	if store.db == nil {
		store.logError(opReplaceGroup, reasonMissingDatabase, errMissingDatabase)
		return tablelog.Group{}, newServiceError(opReplaceGroup, reasonMissingDatabase, errMissingDatabase)
	}

	stored := group.Clone()
	transactionError := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.
			Where(queryDocumentGroup, identity.ResourceID(), identity.Section(), group.Key).
			Delete(&EntryRecord{}).Error; err != nil {
			store.logError(opReplaceGroup, reasonDeleteFailed, err, zap.String(fieldDocument, identity.String()))
			return newServiceError(opReplaceGroup, reasonDeleteFailed, err)
		}
		return store.insertGroups(transaction, opReplaceGroup, identity, []tablelog.Group{stored})
	})
	if transactionError != nil {
		return tablelog.Group{}, transactionError
	}
	return stored, nil
}

// insertGroups assigns missing server ids in place and inserts every entry.
func (store *Store) insertGroups(transaction *gorm.DB, operation string, identity tablelog.DocumentIdentity, groups []tablelog.Group) error {
	for groupIndex := range groups {
		entries := groups[groupIndex].Entries
		for entryIndex := range entries {
			if entries[entryIndex].ServerID == "" {
				serverID, err := store.idProvider.NewID()
				if err != nil {
					store.logError(operation, reasonIDGenerationFailed, err, zap.String(fieldDocument, identity.String()))
					return newServiceError(operation, reasonIDGenerationFailed, err)
				}
				entries[entryIndex].ServerID = serverID
			}

			fieldsJSON, err := json.Marshal(entries[entryIndex].Fields)
			if err != nil {
				store.logError(operation, reasonEncodeFailed, err, zap.String(fieldDocument, identity.String()))
				return newServiceError(operation, reasonEncodeFailed, err)
			}
			record := EntryRecord{
				ResourceID: identity.ResourceID(),
				Section:    identity.Section(),
				GroupKey:   groups[groupIndex].Key,
				Position:   entryIndex,
				ServerID:   entries[entryIndex].ServerID,
				FieldsJSON: string(fieldsJSON),
			}
			if err := transaction.Create(&record).Error; err != nil {
				store.logError(operation, reasonInsertFailed, err, zap.String(fieldDocument, identity.String()))
				return newServiceError(operation, reasonInsertFailed, err)
			}
		}
	}
	return nil
}

func decodeRecord(record EntryRecord) (tablelog.Entry, error) {
	fields := make(map[string]string)
	if record.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(record.FieldsJSON), &fields); err != nil {
			return tablelog.Entry{}, err
		}
	}
	return tablelog.Entry{ServerID: record.ServerID, Fields: fields}, nil
}

func (store *Store) loggerOrDefault() *zap.Logger {
	if store == nil || store.logger == nil {
		return noOpLogger
	}
	return store.logger
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.loggerOrDefault().Error("store error", attrs...)
}
