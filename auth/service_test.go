package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "supersafe",
		FullName: "Alice Operator",
		Role:     RoleArbitrator,
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Role != RoleArbitrator {
		t.Fatalf("register: expected role %s got %s", RoleArbitrator, user.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	tokenUserID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
	if tokenRole != RoleArbitrator {
		t.Fatalf("verify token: expected role %s got %s", RoleArbitrator, tokenRole)
	}
}

func TestService_RegisterDefaultsToViewer(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "bob@example.com",
		Password: "strongpassword",
		FullName: "Bob Operator",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Role != RoleViewer {
		t.Fatalf("expected default role %s got %s", RoleViewer, user.Role)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		FullName: "Alice Operator",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		FullName: "Alice Operator",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_Require(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	admin, err := svc.Register(ctx, RegisterRequest{
		Email: "root@example.com", Password: "strongpassword", FullName: "Root", Role: RoleAdmin,
	})
	if err != nil {
		t.Fatal(err)
	}
	arb, err := svc.Register(ctx, RegisterRequest{
		Email: "judge@example.com", Password: "strongpassword", FullName: "Judge", Role: RoleArbitrator,
	})
	if err != nil {
		t.Fatal(err)
	}
	viewer, err := svc.Register(ctx, RegisterRequest{
		Email: "eye@example.com", Password: "strongpassword", FullName: "Eye", Role: RoleViewer,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Require(ctx, admin.ID, "admin"); err != nil {
		t.Errorf("admin requires admin: %v", err)
	}
	// Admins hold every capability.
	if err := svc.Require(ctx, admin.ID, "arbitrator"); err != nil {
		t.Errorf("admin requires arbitrator: %v", err)
	}
	if err := svc.Require(ctx, arb.ID, "arbitrator"); err != nil {
		t.Errorf("arbitrator requires arbitrator: %v", err)
	}
	if err := svc.Require(ctx, arb.ID, "admin"); !errors.Is(err, ErrForbidden) {
		t.Errorf("arbitrator requires admin: want ErrForbidden got %v", err)
	}
	if err := svc.Require(ctx, viewer.ID, "arbitrator"); !errors.Is(err, ErrForbidden) {
		t.Errorf("viewer requires arbitrator: want ErrForbidden got %v", err)
	}
	if err := svc.Require(ctx, "ghost", "admin"); !errors.Is(err, ErrForbidden) {
		t.Errorf("unknown actor: want ErrForbidden got %v", err)
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID    map[string]User
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++
	role := params.Role
	if role == "" {
		role = RoleViewer
	}

	user := User{
		ID:           id,
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user

	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}
