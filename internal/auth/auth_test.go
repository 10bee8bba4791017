package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exec/pkg/middleware"
)

func newTestService() *Service {
	svc := NewService("test-secret", time.Hour)
	svc.RegisterClient(Client{APIKey: "ops", APISecret: "s3cret", Permissions: []string{PermRead, PermSubmit}})
	return svc
}

func TestGenerateAndValidate(t *testing.T) {
	svc := newTestService()

	if _, err := svc.GenerateToken(Credentials{APIKey: "ops", APISecret: "wrong"}); err != ErrInvalidCredentials {
		t.Fatalf("bad secret err = %v", err)
	}

	tok, err := svc.GenerateToken(Credentials{APIKey: "ops", APISecret: "s3cret"})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := svc.ValidateToken(tok.Token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.ClientID != "ops" || len(claims.Permissions) != 2 {
		t.Errorf("claims = %+v", claims)
	}

	other := NewService("other-secret", time.Hour)
	if _, err := other.ValidateToken(tok.Token); err == nil {
		t.Errorf("token accepted under a different secret")
	}
}

func TestMiddlewarePermissions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService()
	tok, err := svc.GenerateToken(Credentials{APIKey: "ops", APISecret: "s3cret"})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	router := gin.New()
	group := router.Group("/", middleware.JWTAuth("test-secret"))
	group.GET("/read", middleware.RequirePermission(PermRead), func(c *gin.Context) { c.Status(http.StatusOK) })
	group.POST("/close", middleware.RequirePermission(PermClose), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		method, path, auth string
		want               int
	}{
		{http.MethodGet, "/read", "Bearer " + tok.Token, http.StatusOK},
		{http.MethodPost, "/close", "Bearer " + tok.Token, http.StatusForbidden},
		{http.MethodGet, "/read", "", http.StatusUnauthorized},
		{http.MethodGet, "/read", "Bearer garbage", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		if tt.auth != "" {
			req.Header.Set("Authorization", tt.auth)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s %s auth=%q: status %d, want %d", tt.method, tt.path, strings.SplitN(tt.auth, " ", 2)[0], w.Code, tt.want)
		}
	}
}

func TestTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/token", NewGinHandlers(newTestService()).GenerateTokenHandler())

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(`{"api_key":"ops","api_secret":"s3cret"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated || !strings.Contains(w.Body.String(), "jwt_token") {
		t.Errorf("status %d body %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(`{"api_key":"ops","api_secret":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad credentials status %d", w.Code)
	}
}
