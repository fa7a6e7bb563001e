package bootstrap_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"collaborative-canvas/internal/bootstrap"
	"collaborative-canvas/internal/hub"
	"collaborative-canvas/internal/repository/mocks"
	"collaborative-canvas/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JWT_SECRET", "bootstrap-secret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := bootstrap.LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "cc:", cfg.KeyPrefix)
	assert.Equal(t, 24, cfg.JWTExpiryHours)
	assert.Equal(t, "mysql", cfg.DB.Driver)
	assert.Equal(t, 30*time.Second, cfg.RoomGracePeriod)
	assert.Equal(t, 5*time.Second, cfg.RoomSweepInterval)
	assert.Equal(t, 10, cfg.RoomDefaultMaxUsers)
	assert.Equal(t, 100, cfg.RateLimitMax)
	assert.Equal(t, time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 60, cfg.WSMessageRate)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("ROOM_GRACE_PERIOD", "45s")
	t.Setenv("ROOM_DEFAULT_MAX_USERS", "4")
	t.Setenv("LOG_LEVEL", "loud")

	cfg, err := bootstrap.LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, "postgres", cfg.DB.Driver)
	assert.Equal(t, 45*time.Second, cfg.RoomGracePeriod)
	assert.Equal(t, 4, cfg.RoomDefaultMaxUsers)
	assert.Equal(t, "info", cfg.LogLevel, "非法日志级别回退为 info")
}

func TestLoadConfig_Validation(t *testing.T) {
	t.Run("missing redis", func(t *testing.T) {
		t.Setenv("REDIS_ADDR", "")
		t.Setenv("JWT_SECRET", "x")
		_, err := bootstrap.LoadConfig()
		assert.Error(t, err)
	})
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("REDIS_ADDR", "localhost:6379")
		t.Setenv("JWT_SECRET", "")
		_, err := bootstrap.LoadConfig()
		assert.Error(t, err)
	})
	t.Run("bad driver", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("DB_DRIVER", "oracle")
		_, err := bootstrap.LoadConfig()
		assert.Error(t, err)
	})
	t.Run("bad grace period", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("ROOM_GRACE_PERIOD", "0s")
		_, err := bootstrap.LoadConfig()
		assert.Error(t, err)
	})
}

func newTestRouter(t *testing.T) (*gin.Engine, *service.IdentityService) {
	gin.SetMode(gin.TestMode)
	setRequiredEnv(t)
	cfg, err := bootstrap.LoadConfig()
	require.NoError(t, err)

	state := mocks.NewStateRepository(t)
	state.On("CheckRateLimit", mock.Anything, mock.Anything, cfg.RateLimitMax, cfg.RateLimitWindow).Return(false, nil).Maybe()

	registry := service.NewRoomRegistry()
	identity, err := service.NewIdentityService(cfg.JWTSecret, cfg.JWTExpiryHours)
	require.NoError(t, err)
	h := hub.NewHub(registry, identity, nil, hub.Config{})

	log := logrus.New()
	log.SetOutput(io.Discard)
	router := bootstrap.NewRouter(cfg, log, bootstrap.RouterDeps{
		Hub:      h,
		Registry: registry,
		Identity: identity,
		State:    state,
		RoomRepo: mocks.NewRoomRepository(t),
	})
	return router, identity
}

func TestRouter_PublicEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "canvas_rooms_active")
}

func TestRouter_RoomsRequireToken(t *testing.T) {
	router, identity := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := identity.IssueToken("u1", "U")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rooms":[],"count":0}`, w.Body.String())
}

func TestRouter_CORSPreflight(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/rooms", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
