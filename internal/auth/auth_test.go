package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/4xmen/shabakeh/internal/db"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database, "test-secret")
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newTestService(t)

	user, err := svc.Register("alice", "secret123", "Alice")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.ID == 0 {
		t.Error("Expected non-zero user id")
	}

	token, loggedIn, err := svc.Login("alice", "secret123")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if token == "" {
		t.Error("Expected a token")
	}
	if loggedIn.Username != "alice" {
		t.Errorf("Expected username 'alice', got '%s'", loggedIn.Username)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.UserID != user.ID || claims.Username != "alice" {
		t.Errorf("Unexpected claims: %+v", claims)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"short username", "ab", "secret123"},
		{"long username", "abcdefghijklmnopqrstuvwxyz_0123456789", "secret123"},
		{"bad characters", "alice!", "secret123"},
		{"short password", "alice", "12345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Register(tt.username, tt.password, ""); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestDuplicateUsername(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.Register("alice", "secret123", ""); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_, err := svc.Register("alice", "other456", "")
	if !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("Expected ErrUsernameTaken, got %v", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc := newTestService(t)

	svc.Register("alice", "secret123", "")

	_, _, err := svc.Login("alice", "wrong-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}

	_, _, err = svc.Login("nobody", "secret123")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	defer database.Close()

	svc := NewWithTokenTTL(database, "test-secret", time.Nanosecond)

	token, err := svc.GenerateToken(1, "alice")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if _, err := svc.ValidateToken(token); err == nil {
		t.Error("Expected expired token to be rejected")
	}
}

func TestTokenWrongSecretRejected(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.GenerateToken(1, "alice")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	database, _ := db.New(":memory:")
	defer database.Close()
	forged := New(database, "different-secret")
	if _, err := forged.ValidateToken(token); err == nil {
		t.Error("Expected token signed with another secret to be rejected")
	}
}
