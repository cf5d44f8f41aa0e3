package app

import (
	"context"
	"strings"

	"changeman/api/internal/rbac"
	"changeman/api/internal/store"
	"changeman/api/internal/util"
)

func (s *Service) requireManage(sess Session) error {
	if !rbac.Can(rbac.Normalize(sess.Role), rbac.ActionManage) {
		return permissionDenied("administrator role required")
	}
	return nil
}

func (s *Service) ListAllUsers(ctx context.Context, sess Session) ([]store.User, error) {
	if err := s.requireManage(sess); err != nil {
		return nil, err
	}
	return s.store.ListUsers(ctx)
}

func (s *Service) SetUserRole(ctx context.Context, sess Session, userID, role string) (store.User, error) {
	if err := s.requireManage(sess); err != nil {
		return store.User{}, err
	}
	if rbac.Normalize(role) != rbac.Role(role) {
		return store.User{}, validationError("unknown role", map[string]string{"role": role})
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return store.User{}, err
	}
	if err := s.store.UpdateUserRole(ctx, userID, role); err != nil {
		return store.User{}, dependencyFailure("could not update role")
	}
	s.auditAdmin(ctx, sess, "user.role_changed", userID, map[string]any{"role": role})
	return s.store.GetUserByID(ctx, userID)
}

func (s *Service) SetUserActiveState(ctx context.Context, sess Session, userID string, active bool) (store.User, error) {
	if err := s.requireManage(sess); err != nil {
		return store.User{}, err
	}
	if userID == sess.UserID && !active {
		return store.User{}, validationError("cannot deactivate your own account", nil)
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return store.User{}, err
	}
	if err := s.store.SetUserActive(ctx, userID, active); err != nil {
		return store.User{}, dependencyFailure("could not update account state")
	}
	event := "user.deactivated"
	if active {
		event = "user.activated"
	}
	s.auditAdmin(ctx, sess, event, userID, nil)
	return s.store.GetUserByID(ctx, userID)
}

// UnlockUser clears the failed-login lockout.
func (s *Service) UnlockUser(ctx context.Context, sess Session, userID string) (store.User, error) {
	if err := s.requireManage(sess); err != nil {
		return store.User{}, err
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return store.User{}, err
	}
	if err := s.store.ResetFailedLogins(ctx, userID); err != nil {
		return store.User{}, dependencyFailure("could not unlock account")
	}
	s.auditAdmin(ctx, sess, "user.unlocked", userID, nil)
	return s.store.GetUserByID(ctx, userID)
}

// ---- projects ----

type ProjectInput struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (s *Service) CreateProject(ctx context.Context, sess Session, in ProjectInput) (store.Project, error) {
	if err := s.requireManage(sess); err != nil {
		return store.Project{}, err
	}
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Code) == "" {
		return store.Project{}, validationError("project name and code are required", nil)
	}

	project := store.Project{
		ID:          util.NewID("prj"),
		Name:        in.Name,
		Code:        strings.ToUpper(strings.TrimSpace(in.Code)),
		Description: in.Description,
		IsActive:    true,
		CreatedBy:   sess.UserID,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return store.Project{}, dependencyFailure("could not create project")
	}
	s.auditAdmin(ctx, sess, "project.created", project.ID, map[string]any{"code": project.Code})
	return s.store.GetProject(ctx, project.ID)
}

func (s *Service) ListProjects(ctx context.Context, sess Session) ([]store.Project, error) {
	if !rbac.Can(rbac.Normalize(sess.Role), rbac.ActionView) {
		return nil, permissionDenied("role may not list projects")
	}
	return s.store.ListProjects(ctx)
}

func (s *Service) GetProject(ctx context.Context, sess Session, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if _, err := s.effectiveRole(ctx, sess, projectID); err != nil {
		return store.Project{}, err
	}
	return project, nil
}

func (s *Service) SetProjectActiveState(ctx context.Context, sess Session, projectID string, active bool) (store.Project, error) {
	if err := s.requireManage(sess); err != nil {
		return store.Project{}, err
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return store.Project{}, err
	}
	if err := s.store.SetProjectActive(ctx, projectID, active); err != nil {
		return store.Project{}, dependencyFailure("could not update project state")
	}
	event := "project.archived"
	if active {
		event = "project.activated"
	}
	s.auditAdmin(ctx, sess, event, projectID, nil)
	return s.store.GetProject(ctx, projectID)
}

// AddProjectMember attaches a user to a project, optionally with a role
// override that replaces their global role inside this project.
func (s *Service) AddProjectMember(ctx context.Context, sess Session, projectID, userID, role string) error {
	if err := s.requireManage(sess); err != nil {
		return err
	}
	if role != "" && rbac.Normalize(role) != rbac.Role(role) {
		return validationError("unknown role override", map[string]string{"role": role})
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return err
	}
	if err := s.store.UpsertProjectMember(ctx, store.ProjectMember{
		ProjectID: projectID,
		UserID:    userID,
		Role:      role,
		IsActive:  true,
		AddedBy:   sess.UserID,
	}); err != nil {
		return dependencyFailure("could not add project member")
	}
	s.auditAdmin(ctx, sess, "project.member_added", projectID, map[string]any{"userId": userID, "role": role})
	return nil
}

func (s *Service) RemoveProjectMember(ctx context.Context, sess Session, projectID, userID string) error {
	if err := s.requireManage(sess); err != nil {
		return err
	}
	if err := s.store.RemoveProjectMember(ctx, projectID, userID); err != nil {
		return dependencyFailure("could not remove project member")
	}
	s.auditAdmin(ctx, sess, "project.member_removed", projectID, map[string]any{"userId": userID})
	return nil
}

func (s *Service) ListProjectMembers(ctx context.Context, sess Session, projectID string) ([]store.ProjectMember, error) {
	if _, err := s.effectiveRole(ctx, sess, projectID); err != nil {
		return nil, err
	}
	return s.store.ListProjectMembers(ctx, projectID)
}

func (s *Service) auditAdmin(ctx context.Context, sess Session, eventType, resourceID string, metadata map[string]any) {
	resourceType := "user"
	if strings.HasPrefix(eventType, "project.") {
		resourceType = "project"
	}
	s.audit(ctx, store.AuditEvent{
		EventType:     eventType,
		EventCategory: "admin",
		ActorID:       sess.UserID,
		ActorName:     sess.UserName,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Success:       true,
		Metadata:      metadata,
	})
}
