package echo

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/designgate/pkg/entitlement"
)

func setupEcho(checker entitlement.Checker, extract UserIDExtractor) *echo.Echo {
	e := echo.New()
	e.POST("/generate-design", func(c echo.Context) error {
		body, _ := io.ReadAll(c.Request().Body)
		return c.String(http.StatusOK, string(body)+"|"+c.Get(UserIDKey).(string))
	}, RequireEntitlement(Config{Checker: checker, GetUserID: extract}))
	return e
}

func TestRequireEntitlement(t *testing.T) {
	checker := entitlement.CheckerFunc(func(_ context.Context, userID string) (bool, error) {
		return userID == "user1", nil
	})

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"allowed", `{"user_id":"user1"}`, http.StatusOK},
		{"forbidden", `{"user_id":"user2"}`, http.StatusForbidden},
		{"unauthorized", `{}`, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setupEcho(checker, FromJSONField("user_id"))
			req := httptest.NewRequest(http.MethodPost, "/generate-design", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.body+"|user1", rec.Body.String())
			}
		})
	}
}
