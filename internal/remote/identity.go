package remote

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang-jwt/jwt/v5"
	"github.com/herdsync/herdsync/internal/version"
)

var (
	deviceIDOnce sync.Once
	deviceID     string
)

// DeviceID is a stable, app-scoped hash of the machine id. Machines without a
// readable id get a random one per process.
func DeviceID() string {
	deviceIDOnce.Do(func() {
		id, err := machineid.ProtectedID(version.AppName)
		if err != nil || id == "" {
			b := make([]byte, 16)
			_, _ = rand.Read(b)
			id = hex.EncodeToString(b)
		}
		deviceID = id
	})
	return deviceID
}

// TokenExpiry reads the exp claim of a bearer JWT without verifying it. Tokens
// are captured at enqueue time and never refreshed, so this is only used to
// warn that a replay is likely to be refused.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// TokenExpired reports whether a JWT is past its exp claim at now.
func TokenExpired(token string, now time.Time) bool {
	exp, ok := TokenExpiry(token)
	return ok && now.After(exp)
}
