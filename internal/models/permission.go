package models

// Permission is a named right. Permissions form a forest through
// ParentPermissionID.
type Permission struct {
	ID                 int64
	Sysname            string
	DisplayName        string
	ParentPermissionID *int64
	DefaultGranted     bool
}

// UserPermissionGrant is a direct allow/deny for one user. A direct grant
// always wins over group grants.
type UserPermissionGrant struct {
	UserID       int64
	PermissionID int64
	Granted      bool
}

// GroupPermissionGrant is an allow/deny attached to a user group.
type GroupPermissionGrant struct {
	GroupID      int64
	PermissionID int64
	Granted      bool
}

type UserGroupMembership struct {
	UserID  int64
	GroupID int64
}
