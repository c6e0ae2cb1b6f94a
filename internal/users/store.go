package users

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/eion/relay/internal/zerrors"
)

const (
	resourceUsers = "users"

	usersPrimaryKey = "users_pkey"
	usersEmailIndex = "users_live_email_idx"
)

// UserSchema represents the users table schema in PostgreSQL
type UserSchema struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	GUID      string     `bun:"guid,pk" json:"guid"`
	RequestID string     `bun:"request_id,notnull,unique" json:"request_id"`
	Name      string     `bun:"name,notnull" json:"name"`
	Email     *string    `bun:"email" json:"email,omitempty"`
	CreatedAt time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
	DeletedAt *time.Time `bun:"deleted_at,nullzero" json:"deleted_at,omitempty"`
}

// UserIndexes are created alongside the users table
var UserIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + usersEmailIndex + ` ON users (lower(email)) WHERE deleted_at IS NULL AND email IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS users_created_at_idx ON users (created_at) WHERE deleted_at IS NULL`,
}

// UserStoreImpl implements the UserStore interface on PostgreSQL. It accepts
// bun.IDB so the same store runs inside or outside a transaction.
type UserStoreImpl struct {
	db  bun.IDB
	now func() time.Time
}

// NewUserStore creates a new user store instance
func NewUserStore(db bun.IDB) *UserStoreImpl {
	return &UserStoreImpl{
		db:  db,
		now: time.Now,
	}
}

// CreateUser creates a new user. A user already created under the same
// request_id is returned unchanged.
func (s *UserStoreImpl) CreateUser(ctx context.Context, req *CreateUserRequest) (*User, error) {
	existing, err := s.GetUserByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	taken, err := s.db.NewSelect().
		Model((*UserSchema)(nil)).
		Where("guid = ?", req.GUID).
		Exists(ctx)
	if err != nil {
		return nil, zerrors.Classify("create", resourceUsers, err)
	}
	if taken {
		return nil, NewUserAlreadyExistsError(req.GUID, "guid")
	}

	if req.Email != "" {
		if err := s.ensureEmailFree(ctx, req.GUID, req.Email); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	user := &User{
		GUID:      req.GUID,
		RequestID: req.RequestID,
		Name:      req.Name,
		Email:     req.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}

	userSchema := UserToUserSchema(user)

	_, err = s.db.NewInsert().
		Model(&userSchema).
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, classifyWrite("create", req.GUID, err)
	}

	return UserSchemaToUser(userSchema), nil
}

// GetUser retrieves a live user by guid
func (s *UserStoreImpl) GetUser(ctx context.Context, guid string) (*User, error) {
	var userSchema UserSchema
	err := s.db.NewSelect().
		Model(&userSchema).
		Where("guid = ?", guid).
		Where("deleted_at IS NULL").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewUserNotFoundError(guid)
		}
		return nil, zerrors.Classify("get", resourceUsers, err)
	}

	return UserSchemaToUser(userSchema), nil
}

// GetUserByRequestID returns the user created by requestID, deleted or not
func (s *UserStoreImpl) GetUserByRequestID(ctx context.Context, requestID string) (*User, error) {
	var userSchema UserSchema
	err := s.db.NewSelect().
		Model(&userSchema).
		Where("request_id = ?", requestID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, zerrors.Classify("get_by_request_id", resourceUsers, err)
	}

	return UserSchemaToUser(userSchema), nil
}

// ListUsers lists live users ordered by creation time
func (s *UserStoreImpl) ListUsers(ctx context.Context, limit, offset int) ([]*User, error) {
	var schemas []UserSchema
	err := s.db.NewSelect().
		Model(&schemas).
		Where("deleted_at IS NULL").
		Order("created_at ASC", "guid ASC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)
	if err != nil {
		return nil, zerrors.Classify("list", resourceUsers, err)
	}

	result := make([]*User, 0, len(schemas))
	for _, schema := range schemas {
		result = append(result, UserSchemaToUser(schema))
	}
	return result, nil
}

// UpdateUser applies a sparse update to a live user
func (s *UserStoreImpl) UpdateUser(ctx context.Context, guid string, req *UpdateUserRequest) (*User, error) {
	if req.Email != nil && *req.Email != "" {
		if err := s.ensureEmailFree(ctx, guid, *req.Email); err != nil {
			return nil, err
		}
	}

	query := s.db.NewUpdate().
		Model((*UserSchema)(nil)).
		Where("guid = ?", guid).
		Where("deleted_at IS NULL").
		Set("updated_at = ?", s.now().UTC())
	if req.Name != nil {
		query = query.Set("name = ?", *req.Name)
	}
	if req.Email != nil {
		query = query.Set("email = ?", nullableString(*req.Email))
	}

	var updatedSchema UserSchema
	err := query.Returning("*").Scan(ctx, &updatedSchema)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewUserNotFoundError(guid)
		}
		return nil, classifyWrite("update", guid, err)
	}

	return UserSchemaToUser(updatedSchema), nil
}

// DeleteUser deletes a user (soft delete)
func (s *UserStoreImpl) DeleteUser(ctx context.Context, guid string) (bool, error) {
	now := s.now().UTC()
	result, err := s.db.NewUpdate().
		Model((*UserSchema)(nil)).
		Where("guid = ?", guid).
		Where("deleted_at IS NULL").
		Set("deleted_at = ?", now).
		Set("updated_at = ?", now).
		Exec(ctx)
	if err != nil {
		return false, zerrors.Classify("delete", resourceUsers, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, zerrors.Classify("delete", resourceUsers, err)
	}

	return rowsAffected > 0, nil
}

// classifyWrite maps a unique violation that slipped past the pre-checks
// (a concurrent writer) to the same conflict the pre-checks report
func classifyWrite(operation, guid string, err error) error {
	if zerrors.IsUniqueViolation(err) {
		switch violatedConstraint(err) {
		case usersEmailIndex:
			return NewUserAlreadyExistsError(guid, "email")
		case usersPrimaryKey:
			return NewUserAlreadyExistsError(guid, "guid")
		}
	}
	return zerrors.Classify(operation, resourceUsers, err)
}

func violatedConstraint(err error) string {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		if name := pgErr.Field('n'); name != "" {
			return name
		}
	}
	msg := err.Error()
	for _, name := range []string{usersEmailIndex, usersPrimaryKey} {
		if strings.Contains(msg, `"`+name+`"`) {
			return name
		}
	}
	return ""
}

func (s *UserStoreImpl) ensureEmailFree(ctx context.Context, guid, email string) error {
	taken, err := s.db.NewSelect().
		Model((*UserSchema)(nil)).
		Where("lower(email) = lower(?)", email).
		Where("guid <> ?", guid).
		Where("deleted_at IS NULL").
		Exists(ctx)
	if err != nil {
		return zerrors.Classify("check_email", resourceUsers, err)
	}
	if taken {
		return NewUserAlreadyExistsError(guid, "email")
	}
	return nil
}

// Helper conversion functions
func UserSchemaToUser(schema UserSchema) *User {
	user := &User{
		GUID:      schema.GUID,
		RequestID: schema.RequestID,
		Name:      schema.Name,
		CreatedAt: schema.CreatedAt,
		UpdatedAt: schema.UpdatedAt,
		DeletedAt: schema.DeletedAt,
	}

	if schema.Email != nil {
		user.Email = *schema.Email
	}

	return user
}

func UserToUserSchema(user *User) UserSchema {
	return UserSchema{
		GUID:      user.GUID,
		RequestID: user.RequestID,
		Name:      user.Name,
		Email:     nullableString(user.Email),
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
		DeletedAt: user.DeletedAt,
	}
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
