package migrations

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/weblate/tracim/backend/schema"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Legacy table layouts are declared locally so that the migrations keep
// working as the live models in the schema package evolve.

type legacyGroup struct {
	GroupId int    `gorm:"primaryKey"`
	Name    string `gorm:"size:255"`
}

func (legacyGroup) TableName() string { return "groups" }

type legacyUserGroup struct {
	UserId  int `gorm:"primaryKey"`
	GroupId int `gorm:"primaryKey"`
}

func (legacyUserGroup) TableName() string { return "user_group" }

type legacyUser struct {
	UserId int `gorm:"primaryKey;autoIncrement"`

	Email    string  `gorm:"unique;size:254;not null"`
	Username *string `gorm:"unique;size:255"`

	DisplayName string `gorm:"size:255;not null"`
	Password    []byte

	AuthType string `gorm:"size:32;not null;default:'internal'"`

	IsActive  bool `gorm:"not null;default:true"`
	IsDeleted bool `gorm:"not null;default:false"`

	AllowedSpace int64  `gorm:"not null;default:0"`
	Timezone     string `gorm:"size:32"`
	Lang         string `gorm:"size:3"`

	AvatarFilename string `gorm:"size:255"`
	AvatarMimetype string `gorm:"size:255"`
	CoverFilename  string `gorm:"size:255"`
	CoverMimetype  string `gorm:"size:255"`

	Created time.Time
}

func (legacyUser) TableName() string { return "users" }

type legacyEvent struct {
	EventId int `gorm:"primaryKey;autoIncrement"`

	EntityType    string `gorm:"size:50;not null"`
	OperationType string `gorm:"size:50;not null"`

	Fields datatypes.JSON

	Created time.Time
}

func (legacyEvent) TableName() string { return "events" }

// eventFields is the shape of the JSON payload the denormalization pulls
// author/content/workspace references out of.
type eventFields struct {
	Author *struct {
		UserId int `json:"user_id"`
	} `json:"author"`
	Content *struct {
		ContentId int  `json:"content_id"`
		ParentId  *int `json:"parent_id"`
	} `json:"content"`
	Workspace *struct {
		WorkspaceId int `json:"workspace_id"`
	} `json:"workspace"`
}

func List() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "1-initial",
			Migrate: func(txn *gorm.DB) error {
				return txn.AutoMigrate(
					&legacyUser{}, &legacyGroup{}, &legacyUserGroup{},
					&schema.Workspace{}, &schema.UserRole{}, &schema.WorkspaceSubscription{},
					&schema.UserFollower{}, &legacyEvent{}, &schema.Message{},
				)
			},
		},
		{
			// Replaces the many-to-many group membership with a single
			// profile per user. A user in several groups keeps the most
			// privileged one (max group id wins).
			ID: "2-user-profile",
			Migrate: func(txn *gorm.DB) error {
				if err := txn.Migrator().AddColumn(&schema.User{}, "Profile"); err != nil {
					return fmt.Errorf("error adding profile column: %w", err)
				}

				type membership struct {
					UserId     int
					MaxGroupId int
				}
				var memberships []membership
				err := txn.Table("user_group").
					Select("user_id, MAX(group_id) AS max_group_id").
					Group("user_id").
					Scan(&memberships).Error
				if err != nil {
					return fmt.Errorf("error reading group memberships: %w", err)
				}

				for _, m := range memberships {
					profile, err := schema.ProfileFromId(m.MaxGroupId)
					if err != nil {
						slog.Warn("unknown group id during profile backfill, defaulting to nobody", "user_id", m.UserId, "group_id", m.MaxGroupId)
						profile = schema.ProfileNobody
					}

					result := txn.Table("users").Where("user_id = ?", m.UserId).Update("profile", profile)
					if result.Error != nil {
						return fmt.Errorf("error backfilling profile for user %v: %w", m.UserId, result.Error)
					}
				}

				return txn.Migrator().DropTable(&legacyUserGroup{}, &legacyGroup{})
			},
		},
		{
			ID: "3-user-calls",
			Migrate: func(txn *gorm.DB) error {
				return txn.AutoMigrate(&schema.UserCall{})
			},
			Rollback: func(txn *gorm.DB) error {
				return txn.Migrator().DropTable(&schema.UserCall{})
			},
		},
		{
			// Pulls author/content/workspace references out of the JSON
			// payload into indexed columns so that inbox filters do not
			// have to parse JSON per row.
			ID: "4-event-denormalization",
			Migrate: func(txn *gorm.DB) error {
				for _, column := range []string{"AuthorId", "ContentId", "ParentId", "WorkspaceId"} {
					if err := txn.Migrator().AddColumn(&schema.Event{}, column); err != nil {
						return fmt.Errorf("error adding column %v: %w", column, err)
					}
				}

				var events []legacyEvent
				if err := txn.Find(&events).Error; err != nil {
					return fmt.Errorf("error reading events for denormalization: %w", err)
				}

				for _, event := range events {
					if len(event.Fields) == 0 {
						continue
					}

					var fields eventFields
					if err := json.Unmarshal(event.Fields, &fields); err != nil {
						slog.Warn("unparseable event fields during denormalization", "event_id", event.EventId, "error", err)
						continue
					}

					updates := map[string]interface{}{}
					if fields.Author != nil {
						updates["author_id"] = fields.Author.UserId
					}
					if fields.Content != nil {
						updates["content_id"] = fields.Content.ContentId
						if fields.Content.ParentId != nil {
							updates["parent_id"] = *fields.Content.ParentId
						}
					}
					if fields.Workspace != nil {
						updates["workspace_id"] = fields.Workspace.WorkspaceId
					}
					if len(updates) == 0 {
						continue
					}

					result := txn.Table("events").Where("event_id = ?", event.EventId).Updates(updates)
					if result.Error != nil {
						return fmt.Errorf("error denormalizing event %v: %w", event.EventId, result.Error)
					}
				}

				return nil
			},
		},
		{
			// Accounts may be created with only a username, so the email
			// column loses its NOT NULL constraint.
			ID: "5-optional-email",
			Migrate: func(txn *gorm.DB) error {
				return txn.Migrator().AlterColumn(&schema.User{}, "Email")
			},
		},
	}
}

func allModels() []interface{} {
	return []interface{}{
		&schema.User{}, &schema.Workspace{}, &schema.UserRole{},
		&schema.WorkspaceSubscription{}, &schema.UserFollower{},
		&schema.Event{}, &schema.Message{}, &schema.UserCall{},
	}
}

// Migrate brings the database to the latest schema version. A clean database
// skips the incremental history and is initialized directly from the current
// models.
func Migrate(db *gorm.DB) error {
	migration := gormigrate.New(db, gormigrate.DefaultOptions, List())

	migration.InitSchema(func(txn *gorm.DB) error {
		slog.Info("clean database detected, running full schema initialization")
		return txn.AutoMigrate(allModels()...)
	})

	if err := migration.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
