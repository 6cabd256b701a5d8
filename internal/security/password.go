package security

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// The credential chain is fixed by the desktop clients on the wire:
// stored password material is upperhex(md5(upper(login) + password)), and a
// login proof is upperhex(md5(storedHash + salt)). Two-phase logins salt
// with projectName + "9999" + serverName + nonce, light logins with the
// same string minus the nonce.

func CredentialHash(login string, password string) string {
	sum := md5.Sum([]byte(strings.ToUpper(login) + password))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func LoginProof(credentialHash string, salt string) string {
	sum := md5.Sum([]byte(credentialHash + salt))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func ProofSalt(projectName string, serverName string, nonce string) string {
	return projectName + "9999" + serverName + nonce
}

// ProofsEqual compares two proofs in constant time.
func ProofsEqual(a string, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
