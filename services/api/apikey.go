package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type apiKeyModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	KeyHash   string    `gorm:"type:text"`
	UserID    string    `gorm:"type:text"`
	OrgID     *string   `gorm:"type:text"`
	Revoked   bool      `gorm:"type:boolean"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (apiKeyModel) TableName() string { return "api_keys" }

type credentialKey struct{}

// credentialFrom returns the API credential attached to the request
// context, if the caller authenticated with a bearer key.
func credentialFrom(ctx context.Context) *Credential {
	cred, _ := ctx.Value(credentialKey{}).(*Credential)
	return cred
}

func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// withCredential resolves an optional bearer API key into a Credential on
// the request context. Requests without an Authorization header pass
// through unauthenticated; invalid or revoked keys are rejected.
func (a *API) withCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			respondError(w, http.StatusUnauthorized, errors.New("invalid authorization header"))
			return
		}

		ctx, cancel := withTimeout(r.Context())
		defer cancel()

		var key apiKeyModel
		err := a.store.ORM.WithContext(ctx).
			Where("key_hash = ? AND revoked = false", hashAPIKey(strings.TrimSpace(raw))).
			First(&key).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				respondError(w, http.StatusUnauthorized, errors.New("invalid api key"))
				return
			}
			respondError(w, http.StatusInternalServerError, err)
			return
		}

		cred := &Credential{UserID: key.UserID, OrgID: key.OrgID}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), credentialKey{}, cred)))
	})
}
