package server

import (
	"context"
	"net/http"
	"slices"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/ReilBleem13/ShopChat/internal/utils"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// AuthMiddleware accepts a bearer token with one of scopes. Browsers cannot
// set headers on websocket requests, so the access_token query parameter is
// read when the header is missing.
func AuthMiddleware(secret string, scopes ...string) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tokenString string

			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				var err error
				tokenString, err = utils.ExtractToken(authHeader)
				if err != nil {
					handleError(w, err)
					return
				}
			} else {
				tokenString = r.URL.Query().Get("access_token")
			}

			if tokenString == "" {
				writeError(w, domain.ErrUnauthorizedError)
				return
			}

			claims, err := utils.ValidateAccessToken(tokenString, secret)
			if err != nil {
				handleError(w, err)
				return
			}

			if !slices.Contains(scopes, claims.Scope) {
				writeError(w, domain.ErrForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(UserIDKey).(string)
	if !ok || userID == "" {
		return "", domain.ErrUnauthorizedError
	}
	return userID, nil
}
