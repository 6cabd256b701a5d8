package models

import "time"

// User is a gateway account stored in the kernel database. Logins are
// unique case-insensitively; PasswordHash holds the uppercase hex of the
// credential chain, never the password itself.
type User struct {
	ID           int64
	Login        string
	Email        *string
	DisplayName  string
	PasswordHash string
	LastActiveAt time.Time
	HomeServerID int64
}

// AppServer is one node of the gateway fleet. Exactly one row carries
// IsMaster=true; that node runs the durable-store housekeeping.
type AppServer struct {
	ID       int64
	Name     string
	Host     string
	Port     int
	IsMaster bool
}

// ConnectionSchema is a named backend database target with its own
// credentials. The catalog is immutable after boot.
type ConnectionSchema struct {
	ID         int64
	Sysname    string
	JNDIName   string
	DBURL      string
	DBLogin    string
	DBPassword string
	IsDefault  bool
}
