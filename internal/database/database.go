// Package database is the persistent store for users and repositories.
// Sessions are not stored here: the Kubernetes cluster is their single
// source of truth.
package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	v1 "github.com/workbench-sh/workbench/api/v1"
	apperrors "github.com/workbench-sh/workbench/pkg/errors"
)

// UserRecord is the stored form of a user account.
type UserRecord struct {
	ID                       string `gorm:"primarykey"`
	Admin                    bool
	CanCustomizeDuration     bool
	CanCustomizePoolAffinity bool
	PoolAffinity             string
}

func (UserRecord) TableName() string { return "users" }

// RepositoryRecord is the stored form of a deployable repository.
type RepositoryRecord struct {
	ID   string `gorm:"primarykey"`
	URL  string
	Tags string // comma separated key=value pairs
}

func (RepositoryRecord) TableName() string { return "repositories" }

// Database wraps the gorm handle.
type Database struct {
	db *gorm.DB
}

// Open connects to the store and runs migrations. A DSN starting with
// "postgres://" selects the postgres driver; anything else is treated as a
// sqlite path (":memory:" included).
func Open(dsn string) (*Database, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "failed to open database", err)
	}
	if err := db.AutoMigrate(&UserRecord{}, &RepositoryRecord{}); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "failed to migrate database", err)
	}
	return &Database{db: db}, nil
}

// GetUser returns the user for id, or nil when it does not exist.
func (d *Database) GetUser(id string) (*v1.User, error) {
	var record UserRecord
	err := d.db.First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "failed to read user", err)
	}
	user := record.toUser()
	return &user, nil
}

// ListUsers returns all users.
func (d *Database) ListUsers() ([]v1.User, error) {
	var records []UserRecord
	if err := d.db.Order("id").Find(&records).Error; err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "failed to list users", err)
	}
	users := make([]v1.User, 0, len(records))
	for _, record := range records {
		users = append(users, record.toUser())
	}
	return users, nil
}

// CreateUser creates a user. An existing id is rejected.
func (d *Database) CreateUser(id string, conf v1.UserConfiguration) error {
	existing, err := d.GetUser(id)
	if err != nil {
		return err
	}
	if existing != nil {
		return apperrors.New(apperrors.ErrCodeInvalidRequest, fmt.Sprintf("user %q already exists", id), nil)
	}
	record := userRecord(id, conf)
	if err := d.db.Create(&record).Error; err != nil {
		return apperrors.New(apperrors.ErrCodeInternal, "failed to create user", err)
	}
	return nil
}

// UpdateUser replaces the configuration of an existing user.
func (d *Database) UpdateUser(id string, conf v1.UserConfiguration) error {
	existing, err := d.GetUser(id)
	if err != nil {
		return err
	}
	if existing == nil {
		return apperrors.New(apperrors.ErrCodeInvalidRequest, fmt.Sprintf("unknown user %q", id), nil)
	}
	record := userRecord(id, conf)
	if err := d.db.Save(&record).Error; err != nil {
		return apperrors.New(apperrors.ErrCodeInternal, "failed to update user", err)
	}
	return nil
}

// DeleteUser removes a user. Deleting an absent user is not an error.
func (d *Database) DeleteUser(id string) error {
	if err := d.db.Delete(&UserRecord{}, "id = ?", id).Error; err != nil {
		return apperrors.New(apperrors.ErrCodeInternal, "failed to delete user", err)
	}
	return nil
}

// ListRepositories returns all repositories.
func (d *Database) ListRepositories() ([]v1.Repository, error) {
	var records []RepositoryRecord
	if err := d.db.Order("id").Find(&records).Error; err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "failed to list repositories", err)
	}
	repositories := make([]v1.Repository, 0, len(records))
	for _, record := range records {
		repositories = append(repositories, record.toRepository())
	}
	return repositories, nil
}

// CreateRepository creates a repository. An existing id is rejected.
func (d *Database) CreateRepository(id string, conf v1.RepositoryConfiguration) error {
	var existing RepositoryRecord
	err := d.db.First(&existing, "id = ?", id).Error
	if err == nil {
		return apperrors.New(apperrors.ErrCodeInvalidRequest, fmt.Sprintf("repository %q already exists", id), nil)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.New(apperrors.ErrCodeInternal, "failed to read repository", err)
	}
	record := RepositoryRecord{ID: id, URL: conf.URL, Tags: encodeTags(conf.Tags)}
	if err := d.db.Create(&record).Error; err != nil {
		return apperrors.New(apperrors.ErrCodeInternal, "failed to create repository", err)
	}
	return nil
}

// DeleteRepository removes a repository. Deleting an absent repository is not
// an error.
func (d *Database) DeleteRepository(id string) error {
	if err := d.db.Delete(&RepositoryRecord{}, "id = ?", id).Error; err != nil {
		return apperrors.New(apperrors.ErrCodeInternal, "failed to delete repository", err)
	}
	return nil
}

func userRecord(id string, conf v1.UserConfiguration) UserRecord {
	return UserRecord{
		ID:                       id,
		Admin:                    conf.Admin,
		CanCustomizeDuration:     conf.CanCustomizeDuration,
		CanCustomizePoolAffinity: conf.CanCustomizePoolAffinity,
		PoolAffinity:             conf.PoolAffinity,
	}
}

func (r UserRecord) toUser() v1.User {
	return v1.User{
		ID:                       r.ID,
		Admin:                    r.Admin,
		CanCustomizeDuration:     r.CanCustomizeDuration,
		CanCustomizePoolAffinity: r.CanCustomizePoolAffinity,
		PoolAffinity:             r.PoolAffinity,
	}
}

func (r RepositoryRecord) toRepository() v1.Repository {
	return v1.Repository{ID: r.ID, URL: r.URL, Tags: decodeTags(r.Tags)}
}

func encodeTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(tags))
	for key, value := range tags {
		pairs = append(pairs, key+"="+value)
	}
	return strings.Join(pairs, ",")
}

func decodeTags(encoded string) map[string]string {
	if encoded == "" {
		return nil
	}
	tags := map[string]string{}
	for _, pair := range strings.Split(encoded, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		tags[key] = value
	}
	return tags
}
