package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, "test-secret", time.Hour)

	req := RegisterRequest{
		Username: "malee",
		Password: "supersafe",
		FullName: "Malee Officer",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Username != req.Username {
		t.Fatalf("expected username %q got %q", req.Username, user.Username)
	}
	if user.Role != RoleOfficer {
		t.Fatalf("register: expected default role %s got %s", RoleOfficer, user.Role)
	}
	if user.PasswordHash == req.Password {
		t.Fatal("register: password stored in clear text")
	}

	resp, err := svc.Login(ctx, LoginRequest{Username: "Malee", Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	claims, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.UserID != user.ID || claims.Username != "malee" || claims.Role != RoleOfficer {
		t.Fatalf("verify token: unexpected claims %+v", claims)
	}
}

func TestService_TokenExpires(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, "test-secret", time.Hour)
	issued := time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issued }

	if _, err := svc.Register(context.Background(), RegisterRequest{Username: "somsak", Password: "managerpass", FullName: "Somsak Manager", Role: RoleManager}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, err := svc.Login(context.Background(), LoginRequest{Username: "somsak", Password: "managerpass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !resp.ExpiresAt.Equal(issued.Add(time.Hour)) {
		t.Fatalf("expected expiry one hour after issue, got %v", resp.ExpiresAt)
	}

	svc.now = func() time.Time { return issued.Add(59 * time.Minute) }
	claims, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify before expiry: %v", err)
	}
	if claims.Role != RoleManager {
		t.Fatalf("expected manager role, got %s", claims.Role)
	}

	svc.now = func() time.Time { return issued.Add(61 * time.Minute) }
	if _, err := svc.VerifyToken(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after expiry, got %v", err)
	}
}

func TestService_VerifyTokenRejectsForeignSecret(t *testing.T) {
	repo := NewMemoryRepository()
	issuer := NewService(repo, "secret-a", time.Hour)
	verifier := NewService(repo, "secret-b", time.Hour)

	if _, err := issuer.Register(context.Background(), RegisterRequest{Username: "malee", Password: "supersafe", FullName: "Malee Officer"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, err := issuer.Login(context.Background(), LoginRequest{Username: "malee", Password: "supersafe"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := verifier.VerifyToken(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := verifier.VerifyToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, "test-secret", 0)

	_, err := svc.Register(context.Background(), RegisterRequest{
		Username: "malee",
		Password: "short",
		FullName: "Malee Officer",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Username: "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Username: "teller",
		Password: "strongpassword",
		FullName: "Teller",
		Role:     "admin",
	}); err == nil {
		t.Fatal("expected validation error for unknown role")
	}
}

func TestService_DuplicateUsername(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, "test-secret", time.Hour)

	req := RegisterRequest{
		Username: "malee",
		Password: "strongpassword",
		FullName: "Malee Officer",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, "test-secret", time.Hour)

	_, err := svc.Login(context.Background(), LoginRequest{
		Username: "unknown",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{Username: "malee", Password: "supersafe", FullName: "Malee Officer"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Login(context.Background(), LoginRequest{Username: "malee", Password: "wrong-password"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
}

func TestService_GetUserByID(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, "test-secret", time.Hour)
	ctx := context.Background()

	created, err := svc.Register(ctx, RegisterRequest{Username: "Anong", Password: "supersafe", FullName: "Anong Manager", Role: RoleManager})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := svc.GetUserByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Username != "Anong" || got.Role != RoleManager {
		t.Fatalf("unexpected user %+v", got)
	}

	if _, err := svc.GetUserByID(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
