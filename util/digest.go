package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/quarrydb/quarry-plugin-auth-ldap/models"
)

// CredentialDigest returns a fixed-length keyed digest of a username and
// password pair for use as a cache key, so the cache never holds plaintext
// credentials. The key separates the two inputs with a NUL byte to keep
// ("ab","c") and ("a","bc") distinct.
func CredentialDigest(salt []byte, username string, password models.Secret) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(username))
	mac.Write([]byte{0})
	mac.Write([]byte(password.Plaintext()))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// NewCacheSalt returns random salt for CredentialDigest. A fresh salt per
// process means digests cannot be precomputed or compared across restarts.
func NewCacheSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}
