package app

import (
	"context"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"changeman/api/internal/auth"
	"changeman/api/internal/authpw"
	"changeman/api/internal/blob"
	"changeman/api/internal/config"
	"changeman/api/internal/email"
	"changeman/api/internal/rbac"
	"changeman/api/internal/search"
	"changeman/api/internal/session"
	"changeman/api/internal/store"
	"changeman/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// dataStore is the persistence surface the service orchestrates against.
// *store.PostgresStore implements it; tests swap in a fake.
type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	UpdateUserRole(context.Context, string, string) error
	SetUserActive(context.Context, string, bool) error
	ResetFailedLogins(context.Context, string) error

	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjects(context.Context) ([]store.Project, error)
	SetProjectActive(context.Context, string, bool) error
	UpsertProjectMember(context.Context, store.ProjectMember) error
	RemoveProjectMember(context.Context, string, string) error
	ListProjectMembers(context.Context, string) ([]store.ProjectMember, error)
	ProjectRole(context.Context, string, string) (string, bool, error)
	ProjectMemberEmails(context.Context, string, string) ([]string, error)

	NextCRNumber(context.Context, time.Time) (string, error)
	InsertChangeRequest(context.Context, store.ChangeRequest) error
	GetChangeRequest(context.Context, string) (store.ChangeRequest, error)
	ListChangeRequests(context.Context, store.CRFilter) ([]store.ChangeRequest, error)
	UpdateDraftFields(context.Context, store.ChangeRequest) error
	ApplyTransition(context.Context, store.TransitionUpdate) error

	InsertComment(context.Context, store.CRComment) error
	ListComments(context.Context, string) ([]store.CRComment, error)
	InsertAttachment(context.Context, store.CRAttachment) error
	GetAttachment(context.Context, string, string) (store.CRAttachment, error)
	ListAttachments(context.Context, string) ([]store.CRAttachment, error)

	InsertAuditEvent(context.Context, store.AuditEvent) error
	ListAuditEvents(context.Context, store.AuditFilter) ([]store.AuditEvent, error)

	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. Redis when available, Postgres otherwise.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authpw   *authpw.Service
	email    *email.Service
	search   *search.Service
	blobs    *blob.Store
	now      func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, emailSvc *email.Service, searchSvc *search.Service, blobs *blob.Store) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		authpw:   authpw.NewService(dataStore),
		email:    emailSvc,
		search:   searchSvc,
		blobs:    blobs,
		now:      time.Now,
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, emailSvc *email.Service, searchSvc *search.Service, blobs *blob.Store) *Service {
	svc := New(cfg, dataStore, emailSvc, searchSvc, blobs)
	svc.sessions = sessions
	return svc
}

// Bootstrap seeds a first admin account when the users table is empty so the
// instance is reachable before any signup. The generated password is logged
// once and should be rotated immediately.
func (s *Service) Bootstrap(ctx context.Context) error {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}

	password := util.NewToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	admin := store.User{
		ID:              util.NewID("usr"),
		Email:           "admin@changeman.local",
		DisplayName:     "Administrator",
		PasswordHash:    string(hash),
		Role:            string(rbac.RoleAdmin),
		IsActive:        true,
		IsEmailVerified: true,
	}
	if err := s.store.CreateUser(ctx, admin); err != nil {
		return err
	}
	log.Printf("seeded initial admin account %s with password %s", admin.Email, password)
	return nil
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// CreateSession issues tokens for an already-authenticated user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The session store only holds the user id; the user row is the source of
	// truth for role and active status at refresh time.
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	if !user.IsActive || user.IsLocked {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.DisplayName,
		Role:  user.Role,
		JTI:   jti,
		Iat:   now.Unix(),
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken()
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	if !user.IsActive {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	if sess.UserID != "" {
		s.RecordAuthEvent(ctx, "auth.logout", sess.UserID, sess.UserName, true, nil)
	}
	return nil
}

// RecordAuthEvent writes a best-effort audit row for login, logout and
// verification events. Auth auditing never blocks the auth flow itself.
func (s *Service) RecordAuthEvent(ctx context.Context, eventType, actorID, actorName string, success bool, metadata map[string]any) {
	s.audit(ctx, store.AuditEvent{
		EventType:     eventType,
		EventCategory: "auth",
		ActorID:       actorID,
		ActorName:     actorName,
		ResourceType:  "user",
		ResourceID:    actorID,
		Success:       success,
		Metadata:      metadata,
	})
}

// SendVerification emails the account verification link. Best effort; the
// signup already succeeded.
func (s *Service) SendVerification(ctx context.Context, to, name, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/verify-email?token=" + token
	if err := s.email.SendVerificationEmail(to, name, url); err != nil {
		log.Printf("verification email to %s failed: %v", to, err)
	}
}

// SendPasswordReset emails the password reset link. Best effort.
func (s *Service) SendPasswordReset(ctx context.Context, to, token string) {
	if !s.SMTPConfigured() {
		return
	}
	name := to
	if user, err := s.store.GetUserByEmail(ctx, to); err == nil {
		name = user.DisplayName
	}
	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/reset-password?token=" + token
	if err := s.email.SendPasswordResetEmail(to, name, url); err != nil {
		log.Printf("password reset email to %s failed: %v", to, err)
	}
}

func (s *Service) audit(ctx context.Context, e store.AuditEvent) {
	if err := s.store.InsertAuditEvent(ctx, e); err != nil {
		log.Printf("audit write failed (%s): %v", e.EventType, err)
	}
}
