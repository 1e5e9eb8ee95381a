package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps staff users in process memory. Usernames match
// case-insensitively, like the staff_users lookup. It backs the memory store
// mode, where accounts are seeded at startup.
type MemoryRepository struct {
	mu     sync.RWMutex
	byName map[string]User
	byID   map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byName: make(map[string]User),
		byID:   make(map[string]string),
	}
}

func (r *MemoryRepository) CreateUser(_ context.Context, params CreateUserParams) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(params.Username)
	if _, ok := r.byName[key]; ok {
		return User{}, ErrDuplicateUsername
	}
	now := time.Now().UTC()
	user := User{
		ID:           uuid.NewString(),
		Username:     params.Username,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.byName[key] = user
	r.byID[user.ID] = key
	return user, nil
}

func (r *MemoryRepository) GetUserByUsername(_ context.Context, username string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byName[strings.ToLower(username)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (r *MemoryRepository) GetUserByID(_ context.Context, userID string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return r.byName[name], nil
}
