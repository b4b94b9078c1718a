package auth

import (
	"net/http"

	"auth-service/internal/account"
)

// Mount registers the public and admin routes on mux. A nil limiter leaves
// login unthrottled.
func Mount(mux *http.ServeMux, service *Service, limiter *LoginRateLimiter) {
	h := NewHandler(service)
	admin := NewAdminHandler(service)

	login := http.Handler(http.HandlerFunc(h.Login))
	if limiter != nil {
		login = limiter.Middleware(login)
	}

	mux.Handle("POST /auth/login", login)
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.HandleFunc("POST /auth/validate", h.Validate)
	mux.Handle("POST /auth/temp-token", RequireAccess(service, http.HandlerFunc(h.IssueTempToken)))
	mux.HandleFunc("POST /auth/temp-token/verify", h.VerifyTempToken)

	adminOnly := func(fn http.HandlerFunc) http.Handler {
		return RequireAccess(service, RequireRole(fn, account.RoleAdmin, account.RoleSuperAdmin))
	}
	mux.Handle("POST /admin/tokens/revoke", adminOnly(admin.RevokeToken))
	mux.Handle("POST /admin/owners/{id}/revoke", adminOnly(admin.RevokeOwner))
	mux.Handle("POST /admin/owners/{id}/force-offline", adminOnly(admin.ForceOffline))
	mux.Handle("GET /admin/owners/{id}/sessions", adminOnly(admin.Sessions))
	mux.Handle("GET /admin/owners/{id}/logins", adminOnly(admin.Logins))
	mux.Handle("POST /admin/accounts/lock", adminOnly(admin.Lock))
	mux.Handle("POST /admin/accounts/unlock", adminOnly(admin.Unlock))
	mux.Handle("GET /admin/stats", adminOnly(admin.Stats))
}
