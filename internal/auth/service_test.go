package auth

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type serviceFixture struct {
	svc     *Service
	admin   *Admin
	users   *SQLiteUserRepository
	manager *Manager
	clock   *fakeClock
	sink    *recordingSink
}

func newServiceFixture(t *testing.T, policy LogoutPolicy) *serviceFixture {
	t.Helper()

	db := testDB(t)
	users := NewUserRepository(db)
	clock := newFakeClock()
	sink := &recordingSink{}

	manager, err := NewManager(ManagerDeps{Store: NewSQLiteTokenStore(db), Clock: clock, Events: sink},
		ManagerConfig{TTL: 24 * time.Hour})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	creds := NewUserCredentials(users)
	svc, err := NewService(ServiceDeps{
		Manager:     manager,
		Signer:      NewSigner(testSecret, "smarttrash", 15*time.Minute, clock),
		Credentials: creds,
		Identities:  creds,
		Clock:       clock,
		Events:      sink,
	}, policy)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	return &serviceFixture{
		svc:     svc,
		admin:   NewAdmin(users, manager, clock, sink),
		users:   users,
		manager: manager,
		clock:   clock,
		sink:    sink,
	}
}

func TestParseLogoutPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    LogoutPolicy
		wantErr bool
	}{
		{"", LogoutRevoke, false},
		{"revoke", LogoutRevoke, false},
		{" DELETE ", LogoutDelete, false},
		{"shred", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLogoutPolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLogoutPolicy(%q) = %q, %v; want %q, err %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestService_Login(t *testing.T) {
	f := newServiceFixture(t, LogoutRevoke)
	ctx := t.Context()
	user := seedTestUser(t, f.users, "alice", RoleUser)

	session, err := f.svc.Login(ctx, "alice", "test-password")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if session.TokenType != TokenTypeBearer || session.ExpiresIn != 900 {
		t.Errorf("session type/expiry = %q/%d, want Bearer/900", session.TokenType, session.ExpiresIn)
	}
	if session.UserID != user.ID || session.Username != "alice" || !session.HasRole(RoleUser) {
		t.Errorf("session identity = %+v", session.Identity)
	}
	if session.RefreshToken == "" || session.AccessToken == "" {
		t.Fatal("session should carry both tokens")
	}

	id, err := f.svc.VerifyAccess(ctx, session.AccessToken)
	if err != nil || id.UserID != user.ID {
		t.Errorf("VerifyAccess() = %+v, %v", id, err)
	}

	if _, err := f.svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login(wrong password) error = %v, want ErrInvalidCredentials", err)
	}
	if n := len(f.sink.kinds(EventLoginFailed)); n != 1 {
		t.Errorf("login_failed events = %d, want 1", n)
	}
	if n := len(f.sink.kinds(EventLoginSucceeded)); n != 1 {
		t.Errorf("login_success events = %d, want 1", n)
	}
}

func TestService_RefreshRotates(t *testing.T) {
	f := newServiceFixture(t, LogoutRevoke)
	ctx := t.Context()
	seedTestUser(t, f.users, "alice", RoleUser)

	first, _ := f.svc.Login(ctx, "alice", "test-password")
	f.clock.Advance(time.Minute)

	second, err := f.svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("Refresh() must issue a new refresh token")
	}

	// Replaying the first token is reuse: it fails and kills the new session too.
	if _, err := f.svc.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrReused) {
		t.Errorf("Refresh(replayed) error = %v, want ErrReused", err)
	}
	if _, err := f.svc.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrRevoked) {
		t.Errorf("Refresh(after reuse) error = %v, want ErrRevoked", err)
	}
	if _, err := f.svc.Refresh(ctx, "never-issued"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Refresh(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestService_RefreshDeactivatedAccount(t *testing.T) {
	f := newServiceFixture(t, LogoutRevoke)
	ctx := t.Context()
	user := seedTestUser(t, f.users, "alice", RoleUser)

	session, _ := f.svc.Login(ctx, "alice", "test-password")
	// Disable directly in the repository so the token is still usable.
	if err := f.users.SetActive(ctx, user.ID, false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}

	if _, err := f.svc.Refresh(ctx, session.RefreshToken); !errors.Is(err, ErrAccountDeactivated) {
		t.Fatalf("Refresh() error = %v, want ErrAccountDeactivated", err)
	}
	active, _ := f.svc.Sessions(ctx, user.ID)
	if len(active) != 0 {
		t.Errorf("active sessions = %d, want 0 (successor discarded)", len(active))
	}
}

func TestService_VerifyAccessReloadsAccount(t *testing.T) {
	f := newServiceFixture(t, LogoutRevoke)
	ctx := t.Context()
	user := seedTestUser(t, f.users, "alice", RoleAdmin)

	session, err := f.svc.Login(ctx, "alice", "test-password")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if _, err := f.users.db.ExecContext(ctx, `UPDATE users SET role = 'user' WHERE id = ?`, user.ID); err != nil {
		t.Fatalf("demoting user: %v", err)
	}
	id, err := f.svc.VerifyAccess(ctx, session.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess(demoted) error = %v", err)
	}
	if id.HasRole(RoleAdmin) || !id.HasRole(RoleUser) {
		t.Errorf("VerifyAccess(demoted) roles = %v, want [user]", id.Roles)
	}

	if _, err := f.admin.SetActive(ctx, user.ID, false); err != nil {
		t.Fatalf("SetActive(false) error = %v", err)
	}
	if _, err := f.svc.VerifyAccess(ctx, session.AccessToken); !errors.Is(err, ErrAccountDeactivated) {
		t.Errorf("VerifyAccess(deactivated) error = %v, want ErrAccountDeactivated", err)
	}

	if err := f.users.Delete(ctx, user.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := f.svc.VerifyAccess(ctx, session.AccessToken); !errors.Is(err, ErrAccountDeactivated) {
		t.Errorf("VerifyAccess(deleted) error = %v, want ErrAccountDeactivated", err)
	}
	if _, err := f.svc.VerifyAccess(ctx, "not-a-jwt"); errors.Is(err, ErrAccountDeactivated) || err == nil {
		t.Errorf("VerifyAccess(garbage) error = %v, want a signature error", err)
	}
}

func TestService_Revoke(t *testing.T) {
	f := newServiceFixture(t, LogoutRevoke)
	ctx := t.Context()
	alice := seedTestUser(t, f.users, "alice", RoleUser)
	seedTestUser(t, f.users, "bob", RoleUser)

	aliceSession, _ := f.svc.Login(ctx, "alice", "test-password")
	bobSession, _ := f.svc.Login(ctx, "bob", "test-password")

	if err := f.svc.RevokeOwned(ctx, alice.ID, bobSession.RefreshToken, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("RevokeOwned(other user's token) error = %v, want ErrNotFound", err)
	}
	if err := f.svc.RevokeOwned(ctx, alice.ID, aliceSession.RefreshToken, ""); err != nil {
		t.Fatalf("RevokeOwned() error = %v", err)
	}
	if err := f.svc.Revoke(ctx, aliceSession.RefreshToken, ""); !errors.Is(err, ErrAlreadyRevoked) {
		t.Errorf("Revoke(again) error = %v, want ErrAlreadyRevoked", err)
	}
	if err := f.svc.Revoke(ctx, "unknown", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Revoke(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestService_Logout(t *testing.T) {
	tests := []struct {
		policy      LogoutPolicy
		wantLookup  error
		wantRevoked bool
	}{
		{LogoutRevoke, nil, true},
		{LogoutDelete, ErrNotFound, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newServiceFixture(t, tt.policy)
			ctx := t.Context()
			user := seedTestUser(t, f.users, "alice", RoleUser)

			s1, _ := f.svc.Login(ctx, "alice", "test-password")
			f.svc.Login(ctx, "alice", "test-password") //nolint:errcheck // second device

			count, err := f.svc.Logout(ctx, user.ID)
			if err != nil {
				t.Fatalf("Logout() error = %v", err)
			}
			if count != 2 {
				t.Errorf("Logout() = %d, want 2", count)
			}

			rec, err := f.manager.FindByToken(ctx, s1.RefreshToken)
			if !errors.Is(err, tt.wantLookup) {
				t.Fatalf("FindByToken() error = %v, want %v", err, tt.wantLookup)
			}
			if err == nil && rec.Revoked != tt.wantRevoked {
				t.Errorf("Revoked = %v, want %v", rec.Revoked, tt.wantRevoked)
			}
			if err == nil && rec.RevocationReason != ReasonLogout {
				t.Errorf("RevocationReason = %q, want %q", rec.RevocationReason, ReasonLogout)
			}
		})
	}
}

func TestService_Purge(t *testing.T) {
	f := newServiceFixture(t, LogoutRevoke)
	ctx := t.Context()
	seedTestUser(t, f.users, "alice", RoleUser)

	f.svc.Login(ctx, "alice", "test-password") //nolint:errcheck // will expire
	f.clock.Advance(25 * time.Hour)
	f.svc.Login(ctx, "alice", "test-password") //nolint:errcheck // still valid

	count, err := f.svc.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Purge() = %d, want 1", count)
	}
}

func TestAdmin_SetActiveRevokesSessions(t *testing.T) {
	f := newServiceFixture(t, LogoutRevoke)
	ctx := t.Context()
	user := seedTestUser(t, f.users, "alice", RoleUser)

	session, _ := f.svc.Login(ctx, "alice", "test-password")

	revoked, err := f.admin.SetActive(ctx, user.ID, false)
	if err != nil {
		t.Fatalf("SetActive(false) error = %v", err)
	}
	if revoked != 1 {
		t.Errorf("SetActive(false) revoked = %d, want 1", revoked)
	}
	rec, _ := f.manager.FindByToken(ctx, session.RefreshToken)
	if rec.RevocationReason != ReasonAccountDeactivated {
		t.Errorf("RevocationReason = %q, want %q", rec.RevocationReason, ReasonAccountDeactivated)
	}
	if _, err := f.svc.Login(ctx, "alice", "test-password"); !errors.Is(err, ErrAccountDeactivated) {
		t.Errorf("Login(deactivated) error = %v, want ErrAccountDeactivated", err)
	}

	if _, err := f.admin.SetActive(ctx, user.ID, true); err != nil {
		t.Fatalf("SetActive(true) error = %v", err)
	}
	if _, err := f.svc.Login(ctx, "alice", "test-password"); err != nil {
		t.Errorf("Login(reactivated) error = %v", err)
	}
	if n := len(f.sink.kinds(EventAccountStatus)); n != 2 {
		t.Errorf("account_status_changed events = %d, want 2", n)
	}
}

func TestAdmin_DeleteUser(t *testing.T) {
	f := newServiceFixture(t, LogoutRevoke)
	ctx := t.Context()
	user := seedTestUser(t, f.users, "alice", RoleUser)
	admin := seedTestUser(t, f.users, "root", RoleAdmin)

	session, _ := f.svc.Login(ctx, "alice", "test-password")

	if err := f.admin.DeleteUser(ctx, admin.ID); !errors.Is(err, ErrProtectedAccount) {
		t.Errorf("DeleteUser(admin) error = %v, want ErrProtectedAccount", err)
	}
	if err := f.admin.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if _, err := f.manager.FindByToken(ctx, session.RefreshToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("token of deleted user lookup error = %v, want ErrNotFound", err)
	}
	if err := f.admin.DeleteUser(ctx, user.ID); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("DeleteUser(again) error = %v, want ErrUserNotFound", err)
	}
}

// loginDuringDelete logs the user in when the token delete starts, the
// latest point a concurrent login can land.
type loginDuringDelete struct {
	TokenStore
	login func()
}

func (s *loginDuringDelete) DeleteWhere(ctx context.Context, f Filter) (int64, error) {
	s.login()
	return s.TokenStore.DeleteWhere(ctx, f)
}

func TestAdmin_DeleteUserRemovesAccountFirst(t *testing.T) {
	db := testDB(t)
	users := NewUserRepository(db)
	clock := newFakeClock()
	store := &loginDuringDelete{TokenStore: NewSQLiteTokenStore(db)}
	manager, err := NewManager(ManagerDeps{Store: store, Clock: clock}, ManagerConfig{TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	creds := NewUserCredentials(users)
	svc, err := NewService(ServiceDeps{
		Manager:     manager,
		Signer:      NewSigner(testSecret, "smarttrash", 15*time.Minute, clock),
		Credentials: creds,
		Identities:  creds,
		Clock:       clock,
	}, LogoutRevoke)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	admin := NewAdmin(users, manager, clock, nil)
	ctx := t.Context()
	user := seedTestUser(t, users, "alice", RoleUser)

	var loginErr error
	store.login = func() { _, loginErr = svc.Login(ctx, "alice", "test-password") }

	if err := admin.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if loginErr == nil {
		t.Error("login during delete should fail once the account row is gone")
	}
	recs, err := manager.ListForOwner(ctx, user.ID)
	if err != nil || len(recs) != 0 {
		t.Errorf("tokens left after delete = %d, %v; want 0", len(recs), err)
	}
}

func TestService_RevokeAllForUser(t *testing.T) {
	f := newServiceFixture(t, LogoutRevoke)
	ctx := t.Context()
	user := seedTestUser(t, f.users, "alice", RoleUser)
	session, _ := f.svc.Login(ctx, "alice", "test-password")

	count, err := f.svc.RevokeAllForUser(ctx, user.ID, ReasonAdminRevoked)
	if err != nil || count != 1 {
		t.Errorf("RevokeAllForUser() = %d, %v; want 1, nil", count, err)
	}
	rec, _ := f.manager.FindByToken(ctx, session.RefreshToken)
	if rec.RevocationReason != ReasonAdminRevoked {
		t.Errorf("RevocationReason = %q, want %q", rec.RevocationReason, ReasonAdminRevoked)
	}
	if count, _ := f.svc.RevokeAllForUser(ctx, user.ID, ReasonAdminRevoked); count != 0 {
		t.Errorf("RevokeAllForUser(again) = %d, want 0", count)
	}
}

func TestAdmin_ListTokens(t *testing.T) {
	f := newServiceFixture(t, LogoutRevoke)
	ctx := t.Context()
	alice := seedTestUser(t, f.users, "alice", RoleUser)
	bob := seedTestUser(t, f.users, "bob", RoleUser)

	first, _ := f.svc.Login(ctx, "alice", "test-password")
	if _, err := f.svc.Refresh(ctx, first.RefreshToken); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	f.svc.Login(ctx, "bob", "test-password") //nolint:errcheck // test setup

	recs, err := f.admin.ListTokens(ctx, alice.ID)
	if err != nil {
		t.Fatalf("ListTokens(alice) error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("ListTokens(alice) = %d records, want 2 (used one included)", len(recs))
	}
	var used int
	for _, rec := range recs {
		if rec.OwnerID != alice.ID {
			t.Errorf("record owner = %q, want %q", rec.OwnerID, alice.ID)
		}
		if rec.Used {
			used++
		}
	}
	if used != 1 {
		t.Errorf("used records = %d, want 1", used)
	}

	all, err := f.admin.ListTokens(ctx, "")
	if err != nil || len(all) != 3 {
		t.Errorf("ListTokens(all) = %d, %v; want 3, nil", len(all), err)
	}
	owners := map[string]bool{}
	for _, rec := range all {
		owners[rec.OwnerID] = true
	}
	if !owners[alice.ID] || !owners[bob.ID] {
		t.Errorf("ListTokens(all) owners = %v", owners)
	}

	if _, err := f.admin.ListTokens(ctx, "usr-missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("ListTokens(missing) error = %v, want ErrUserNotFound", err)
	}
}

type countingPurge struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurge) Purge(context.Context) (int64, error) {
	p.calls.Add(1)
	return 3, p.err
}

func TestPurger_RunsOnInterval(t *testing.T) {
	target := &countingPurge{}
	p := NewPurger(target, 5*time.Millisecond, slogDiscard())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for target.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("purge ran %d times, want at least 2", target.calls.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestPurger_RunOnceSurvivesErrors(t *testing.T) {
	target := &countingPurge{err: ErrStoreUnavailable}
	NewPurger(target, 0, slogDiscard()).RunOnce(t.Context())
	if target.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", target.calls.Load())
	}
}

func TestNextMidnight(t *testing.T) {
	loc := time.FixedZone("ICT", 7*60*60)
	tests := []struct {
		in, want time.Time
	}{
		{time.Date(2026, 3, 1, 12, 30, 0, 0, loc), time.Date(2026, 3, 2, 0, 0, 0, 0, loc)},
		{time.Date(2026, 3, 1, 0, 0, 0, 0, loc), time.Date(2026, 3, 2, 0, 0, 0, 0, loc)},
		{time.Date(2026, 12, 31, 23, 59, 59, 0, loc), time.Date(2027, 1, 1, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		if got := nextMidnight(tt.in); !got.Equal(tt.want) {
			t.Errorf("nextMidnight(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAdmin_CreateUser(t *testing.T) {
	f := newServiceFixture(t, LogoutRevoke)
	f.admin.SetPasswordParams(testPasswordParams)
	ctx := t.Context()

	user, err := f.admin.CreateUser(ctx, NewUser{Username: "bob", Email: "bob@example.com", Password: "long-enough"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if user.Role != RoleUser || !user.IsActive {
		t.Errorf("CreateUser() = %+v, want active user role", user)
	}
	if _, err := f.svc.Login(ctx, "bob", "long-enough"); err != nil {
		t.Errorf("Login(new user) error = %v", err)
	}
	if n := len(f.sink.kinds(EventUserCreated)); n != 1 {
		t.Errorf("user_created events = %d, want 1", n)
	}

	got, err := f.admin.GetUser(ctx, user.ID)
	if err != nil || got.Username != "bob" {
		t.Errorf("GetUser() = %+v, %v", got, err)
	}

	tests := []struct {
		name string
		in   NewUser
		want error
	}{
		{"duplicate", NewUser{Username: "bob", Password: "long-enough"}, ErrUsernameExists},
		{"bad username", NewUser{Username: "bob smith", Password: "long-enough"}, ErrInvalidUser},
		{"username too short", NewUser{Username: "al", Password: "long-enough"}, ErrInvalidUser},
		{"username too long", NewUser{Username: strings.Repeat("a", 51), Password: "long-enough"}, ErrInvalidUser},
		{"short password", NewUser{Username: "carol", Password: "short"}, ErrInvalidUser},
		{"bad role", NewUser{Username: "carol", Password: "long-enough", Role: "owner"}, ErrInvalidUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.admin.CreateUser(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("CreateUser() error = %v, want %v", err, tt.want)
			}
		})
	}

	for _, name := range []string{"amy", strings.Repeat("b", 50)} {
		if _, err := f.admin.CreateUser(ctx, NewUser{Username: name, Password: "long-enough"}); err != nil {
			t.Errorf("CreateUser(%d-char username) error = %v", len(name), err)
		}
	}
}
