package models

import "time"

// LogonRecord is the durable USER_LOGON row. It is a pure data record; the
// in-memory session wraps one of these plus the volatile connection state.
type LogonRecord struct {
	Token            string
	ExternalUserID   int64
	UserID           int64
	AppServerID      int64
	SchemaID         int64
	RequireLongLived bool
	Permanent        bool
	LastActiveAt     time.Time
	GreyIP           string
	WhiteIP          string
	ServerContext    string
	CreatedAt        time.Time
}
