package service

import (
	"errors"
	"fmt"

	"github.com/Kopilov/carabiserver/internal/models"
)

var (
	// ErrBadCredentials covers every authentication failure the caller is
	// allowed to see: wrong proof, spent nonce, unknown login at register
	// time. The real cause goes to the log only.
	ErrBadCredentials = errors.New("bad login or password")

	ErrUnknownUser      = errors.New("no such user")
	ErrExpiredToken     = errors.New("token expired")
	ErrVersionMismatch  = errors.New("client version is not supported")
	ErrNoSuchPermission = errors.New("no such permission")
)

// HomeServerMismatchError tells the client to repeat the login against the
// user's home application server.
type HomeServerMismatchError struct {
	RedirectTo models.AppServer
}

func (e *HomeServerMismatchError) Error() string {
	return fmt.Sprintf("user is served by %s (%s:%d)", e.RedirectTo.Name, e.RedirectTo.Host, e.RedirectTo.Port)
}
