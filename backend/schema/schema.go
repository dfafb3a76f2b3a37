package schema

import (
	"time"

	"gorm.io/datatypes"
)

type User struct {
	UserId int `gorm:"primaryKey;autoIncrement"`

	Email    *string `gorm:"unique;size:254"`
	Username *string `gorm:"unique;size:255"`

	DisplayName string `gorm:"size:255;not null"`
	Password    []byte

	Profile  string `gorm:"size:32;not null;default:'nobody'"`
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

// EmailAddress returns the login email, or the empty string for accounts
// that were created with only a username.
func (u *User) EmailAddress() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

// UserFollower is a directed edge of the social graph: the follower receives
// activity updates about the leader.
type UserFollower struct {
	FollowerId int `gorm:"primaryKey"`
	LeaderId   int `gorm:"primaryKey"`

	Created time.Time

	Follower *User `gorm:"foreignKey:FollowerId;constraint:OnDelete:CASCADE"`
	Leader   *User `gorm:"foreignKey:LeaderId;constraint:OnDelete:CASCADE"`
}

type Workspace struct {
	WorkspaceId int `gorm:"primaryKey;autoIncrement"`

	Name       string `gorm:"size:255;not null"`
	AccessType string `gorm:"size:32;not null;default:'confidential'"`

	OwnerId int   `gorm:"not null"`
	Owner   *User `gorm:"foreignKey:OwnerId"`

	Created time.Time
}

// UserRole is a workspace membership entry.
type UserRole struct {
	UserId      int `gorm:"primaryKey"`
	WorkspaceId int `gorm:"primaryKey"`

	Role int `gorm:"not null;default:1"`

	User      *User      `gorm:"constraint:OnDelete:CASCADE"`
	Workspace *Workspace `gorm:"constraint:OnDelete:CASCADE"`
}

type WorkspaceSubscription struct {
	WorkspaceId int `gorm:"primaryKey"`
	AuthorId    int `gorm:"primaryKey"`

	State string `gorm:"size:32;not null;default:'pending'"`

	CreatedDate    time.Time
	EvaluationDate *time.Time
	EvaluatorId    *int

	Workspace *Workspace `gorm:"constraint:OnDelete:CASCADE"`
	Author    *User      `gorm:"foreignKey:AuthorId;constraint:OnDelete:CASCADE"`
	Evaluator *User      `gorm:"foreignKey:EvaluatorId"`
}

// Event is a single immutable entry of the activity log. EventId is
// monotonically increasing and doubles as the pagination cursor for message
// streams. AuthorId, ContentId and ParentId are denormalized from Fields so
// that inbox queries do not need to inspect the JSON payload.
type Event struct {
	EventId int `gorm:"primaryKey;autoIncrement"`

	EntityType    string `gorm:"size:50;not null"`
	OperationType string `gorm:"size:50;not null"`

	Fields datatypes.JSON

	AuthorId    *int `gorm:"index"`
	ContentId   *int `gorm:"index"`
	ParentId    *int
	WorkspaceId *int `gorm:"index"`

	Created time.Time
}

func (e *Event) EventType() string {
	return e.EntityType + "." + e.OperationType
}

// Message is the per-recipient view of an event: read state is scoped to the
// (event, user) pair. Sent is nil until the message has been pushed over the
// live stream.
type Message struct {
	EventId int `gorm:"primaryKey"`
	UserId  int `gorm:"primaryKey"`

	Sent *time.Time
	Read *time.Time

	Event *Event `gorm:"constraint:OnDelete:CASCADE"`
	User  *User  `gorm:"constraint:OnDelete:CASCADE"`
}

type UserCall struct {
	CallId int `gorm:"primaryKey;autoIncrement"`

	CallerId int `gorm:"not null"`
	CalleeId int `gorm:"not null"`

	State string `gorm:"size:32;not null;default:'in_progress'"`
	Url   string `gorm:"size:1024;not null"`

	Created time.Time
	Updated time.Time

	Caller *User `gorm:"foreignKey:CallerId"`
	Callee *User `gorm:"foreignKey:CalleeId"`
}
