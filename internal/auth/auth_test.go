package auth

import (
	"context"
	"slices"
	"testing"
	"time"
)

func setTestSecret(t *testing.T) {
	t.Helper()
	t.Setenv("EQUIDUTY_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateToken(t *testing.T) {
	setTestSecret(t)

	token, err := GenerateToken("user-42", "Anna", "anna@example.com", []string{"Admin", "member", "admin"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Name != "Anna" || claims.Email != "anna@example.com" {
		t.Fatalf("identity claims not preserved: %q %q", claims.Name, claims.Email)
	}
	if !slices.Contains(claims.Roles, "admin") || !slices.Contains(claims.Roles, "member") {
		t.Fatalf("roles were not preserved: %v", claims.Roles)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", claims.Roles)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	setTestSecret(t)

	if _, err := GenerateToken("user-1", "", "", []string{"member"}, -time.Minute); err == nil {
		t.Fatal("expected error for non-positive ttl")
	}

	token, err := GenerateToken("user-1", "", "", []string{"member"}, time.Millisecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("expected expired token to fail validation")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	setTestSecret(t)

	for _, token := range []string{"", "   ", "not-a-jwt", "a.b.c"} {
		if _, err := ParseAndValidate(token); err == nil {
			t.Fatalf("expected failure for token %q", token)
		}
	}
}

func TestMissingSecret(t *testing.T) {
	t.Setenv("EQUIDUTY_AUTH_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("user-1", "", "", []string{"member"}, time.Minute); err == nil {
		t.Fatal("expected error when secret is unset")
	}
}

func TestPrincipalPermissions(t *testing.T) {
	admin := NewPrincipal("user-1", "Anna", "anna@example.com", []string{"admin"})
	if !admin.HasPermission(PermManageProcesses) {
		t.Fatal("admin should manage processes")
	}

	member := NewPrincipal("user-2", "Bjorn", "bjorn@example.com", []string{"member"})
	if member.HasPermission(PermManageProcesses) {
		t.Fatal("member must not manage processes")
	}
	if !member.HasPermission(PermAssignRoutine) {
		t.Fatal("member should be able to claim routines")
	}
	if !member.HasRole("member") || member.HasRole("admin") {
		t.Fatalf("unexpected roles: %v", member.Roles)
	}

	unknown := NewPrincipal("user-3", "", "", []string{"visitor"})
	if len(unknown.Permissions) != 0 {
		t.Fatalf("unknown role granted permissions: %v", unknown.Permissions)
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatal("empty context should have no principal")
	}

	p := NewPrincipal("user-7", "Clara", "clara@example.com", []string{"stable_admin"})
	ctx = ContextWithPrincipal(ctx, p)
	got, ok := PrincipalFromContext(ctx)
	if !ok || got.UserID != "user-7" {
		t.Fatalf("principal not round-tripped: %+v ok=%v", got, ok)
	}

	ctx = ContextWithToken(ctx, "raw-token")
	token, ok := TokenFromContext(ctx)
	if !ok || token != "raw-token" {
		t.Fatalf("token not round-tripped: %q ok=%v", token, ok)
	}
}
