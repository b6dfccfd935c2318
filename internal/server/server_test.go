package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sharebox/sharebox/internal/apperr"
	"github.com/sharebox/sharebox/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func testConfig(t *testing.T) *config.Config {
	dataDir := t.TempDir()
	return &config.Config{
		Listen:      ":0",
		DataDir:     dataDir,
		PublicURL:   "http://sharebox.test",
		FrontendURL: "https://app.example.com",
		Metadata:    config.MetadataConfig{Backend: "sqlite"},
		Storage: config.StorageConfig{
			Backend:       "filesystem",
			Bucket:        "files",
			Root:          filepath.Join(dataDir, "objects"),
			SigningKeyID:  "sharebox",
			SigningSecret: "signing-secret",
		},
		Auth:    config.AuthConfig{JWTSecret: "jwt-secret", TokenTTL: time.Hour},
		Upload:  config.UploadConfig{MaxFileSize: 1024, MaxFiles: 2},
		Share:   config.ShareConfig{DefaultLinkTTLHours: 24},
		Metrics: config.MetricsConfig{Enable: true, Path: "/metrics"},
		Audit:   config.AuditConfig{Enable: true},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) http.Handler {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	srv, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, target, token string, body interface{}) (*httptest.ResponseRecorder, testResponse) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp testResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

// signUp registers and logs in a user, returning its token and id
func signUp(t *testing.T, h http.Handler, name string) (string, string) {
	email := strings.ToLower(name) + "@example.com"
	rec, resp := doJSON(t, h, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": name, "email": email, "password": "pw-" + name,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var user struct{ ID string }
	require.NoError(t, json.Unmarshal(resp.Data, &user))

	rec, resp = doJSON(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": email, "password": "pw-" + name,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var login struct{ Token string }
	require.NoError(t, json.Unmarshal(resp.Data, &login))
	return login.Token, user.ID
}

func uploadFiles(t *testing.T, h http.Handler, token string, files map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func uploadOne(t *testing.T, h http.Handler, token, name, content string) string {
	rec := uploadFiles(t, h, token, map[string]string{name: content})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp testResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	var files []struct{ ID string }
	require.NoError(t, json.Unmarshal(resp.Data, &files))
	require.Len(t, files, 1)
	return files[0].ID
}

func urlFrom(t *testing.T, resp testResponse) string {
	var data struct {
		SignedURL string `json:"signedUrl"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.NotEmpty(t, data.SignedURL)
	return data.SignedURL
}

func fetch(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, testConfig(t))
	fetch(h, "/api/share/x")

	rec, resp := doJSON(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Contains(t, string(resp.Data), `"status":"ok"`)
	assert.Contains(t, string(resp.Data), `"total_requests":1`)
	assert.Contains(t, string(resp.Data), `"total_errors":0`)
}

func TestAuthEndpoints(t *testing.T) {
	h := newTestServer(t, testConfig(t))
	token, _ := signUp(t, h, "Alice")

	rec, resp := doJSON(t, h, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "Alice", "email": "alice@example.com", "password": "x",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "User already exists", resp.Error)

	rec, resp = doJSON(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid email or password", resp.Error)

	rec, _ = doJSON(t, h, http.MethodGet, "/api/auth/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, resp = doJSON(t, h, http.MethodGet, "/api/auth/users", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(resp.Data), "alice@example.com")
	assert.NotContains(t, string(resp.Data), "$2a$")
}

func TestRegister_InvalidBody(t *testing.T) {
	h := newTestServer(t, testConfig(t))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadListAndDownload(t *testing.T) {
	h := newTestServer(t, testConfig(t))
	token, aliceID := signUp(t, h, "Alice")

	fileID := uploadOne(t, h, token, "notes.txt", "hello world")

	rec, resp := doJSON(t, h, http.MethodGet, "/api/files", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []struct {
		ID        string
		OwnerID   string
		OwnerName string
		IsOwner   bool
	}
	require.NoError(t, json.Unmarshal(resp.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, fileID, entries[0].ID)
	assert.Equal(t, aliceID, entries[0].OwnerID)
	assert.Equal(t, "Alice", entries[0].OwnerName)
	assert.True(t, entries[0].IsOwner)

	rec, resp = doJSON(t, h, http.MethodGet, "/api/files/"+fileID+"/view", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	signed := urlFrom(t, resp)
	assert.True(t, strings.HasPrefix(signed, "http://sharebox.test/objects/files/"), signed)

	download := fetch(h, signed)
	require.Equal(t, http.StatusOK, download.Code, download.Body.String())
	assert.Equal(t, "hello world", download.Body.String())
	assert.Equal(t, "private, no-store", download.Header().Get("Cache-Control"))
}

func TestUpload_DoubleDotName(t *testing.T) {
	h := newTestServer(t, testConfig(t))
	token, _ := signUp(t, h, "Alice")

	fileID := uploadOne(t, h, token, "report..final.pdf", "quarterly")

	_, resp := doJSON(t, h, http.MethodGet, "/api/files/"+fileID+"/view", token, nil)
	download := fetch(h, urlFrom(t, resp))
	require.Equal(t, http.StatusOK, download.Code, download.Body.String())
	assert.Equal(t, "quarterly", download.Body.String())
}

func TestDownload_TamperedURL(t *testing.T) {
	h := newTestServer(t, testConfig(t))
	token, _ := signUp(t, h, "Alice")
	fileID := uploadOne(t, h, token, "a.txt", "secret")

	_, resp := doJSON(t, h, http.MethodGet, "/api/files/"+fileID+"/view", token, nil)
	signed, err := url.Parse(urlFrom(t, resp))
	require.NoError(t, err)

	q := signed.Query()
	q.Set("X-Amz-Expires", "604800")
	signed.RawQuery = q.Encode()

	rec := fetch(h, signed.String())
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = fetch(h, "http://sharebox.test/objects/files/"+strings.TrimPrefix(signed.Path, "/objects/files/"))
	assert.Equal(t, http.StatusForbidden, rec.Code, "unsigned request")
}

func TestUpload_Limits(t *testing.T) {
	h := newTestServer(t, testConfig(t))
	token, _ := signUp(t, h, "Alice")

	rec := uploadFiles(t, h, token, map[string]string{"big.bin": strings.Repeat("x", 1025)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = uploadFiles(t, h, token, map[string]string{"a": "1", "b": "2", "c": "3"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = uploadFiles(t, h, token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, resp := doJSON(t, h, http.MethodGet, "/api/files", token, nil)
	assert.Equal(t, "[]", string(resp.Data))
}

func TestUpload_RequiresAuth(t *testing.T) {
	h := newTestServer(t, testConfig(t))

	rec := uploadFiles(t, h, "bogus", map[string]string{"a.txt": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestShareWithUsers(t *testing.T) {
	h := newTestServer(t, testConfig(t))
	aliceToken, _ := signUp(t, h, "Alice")
	bobToken, bobID := signUp(t, h, "Bob")
	fileID := uploadOne(t, h, aliceToken, "a.txt", "x")

	rec, _ := doJSON(t, h, http.MethodGet, "/api/files/"+fileID+"/view", bobToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp := doJSON(t, h, http.MethodPost, "/api/files/"+fileID+"/share", bobToken, map[string]interface{}{
		"users": []string{bobID},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apperr.ErrNotOwner.Message, resp.Error)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/files/"+fileID+"/share", aliceToken, map[string]interface{}{
		"users":     []string{bobID},
		"expiresAt": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/api/files/"+fileID+"/view", bobToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/files/"+fileID+"/share", aliceToken, map[string]interface{}{
		"users": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/files/missing/share", aliceToken, map[string]interface{}{
		"users": []string{bobID},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShareLink(t *testing.T) {
	h := newTestServer(t, testConfig(t))
	aliceToken, _ := signUp(t, h, "Alice")
	bobToken, _ := signUp(t, h, "Bob")
	fileID := uploadOne(t, h, aliceToken, "a.txt", "shared content")

	rec, _ := doJSON(t, h, http.MethodPost, "/api/files/"+fileID+"/share-link", bobToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/files/"+fileID+"/share-link", aliceToken, map[string]float64{
		"expiresInHours": -1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp := doJSON(t, h, http.MethodPost, "/api/files/"+fileID+"/share-link", aliceToken, map[string]float64{
		"expiresInHours": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var link struct {
		ShareID  string
		ShareURL string
	}
	require.NoError(t, json.Unmarshal(resp.Data, &link))
	assert.Len(t, link.ShareID, 64)
	assert.Equal(t, "https://app.example.com/view-file/"+link.ShareID, link.ShareURL)

	rec, resp = doJSON(t, h, http.MethodGet, "/api/share/"+link.ShareID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(resp.Data), `"signedUrl":`)
	download := fetch(h, urlFrom(t, resp))
	assert.Equal(t, "shared content", download.Body.String())
}

func TestShareLink_DefaultTTL(t *testing.T) {
	h := newTestServer(t, testConfig(t))
	token, _ := signUp(t, h, "Alice")
	fileID := uploadOne(t, h, token, "a.txt", "x")

	req := httptest.NewRequest(http.MethodPost, "/api/files/"+fileID+"/share-link", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestSharedFile_GenericDenial(t *testing.T) {
	h := newTestServer(t, testConfig(t))

	unknown := fetch(h, "/api/share/"+strings.Repeat("ab", 32))
	garbage := fetch(h, "/api/share/nope")

	assert.Equal(t, http.StatusForbidden, unknown.Code)
	assert.Equal(t, http.StatusForbidden, garbage.Code)
	assert.Equal(t, unknown.Body.String(), garbage.Body.String())
	assert.Contains(t, unknown.Body.String(), `"error":"Access denied"`)
}

func TestPublicRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.PublicPerMinute = 2
	h := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		rec := fetch(h, "/api/share/x")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}
	rec := fetch(h, "/api/share/x")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, testConfig(t))
	fetch(h, "/api/share/x")

	rec := fetch(h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `sharebox_http_requests_total{method="GET",route="/api/share/{shareId}",status="403"} 1`)
	assert.Contains(t, body, `sharebox_access_decisions_total{outcome="deny",path="link",reason="invalid_link"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, testConfig(t))

	req := httptest.NewRequest(http.MethodOptions, "/api/files", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := map[apperr.Code]int{
		apperr.CodeNotFound:         http.StatusNotFound,
		apperr.CodeNotOwner:         http.StatusForbidden,
		apperr.CodeForbidden:        http.StatusForbidden,
		apperr.CodeExpiredOrInvalid: http.StatusForbidden,
		apperr.CodeInvalidArgument:  http.StatusBadRequest,
		apperr.CodeConflict:         http.StatusConflict,
		apperr.CodeUnauthenticated:  http.StatusUnauthorized,
		apperr.CodeRateLimited:      http.StatusTooManyRequests,
		apperr.CodeStore:            http.StatusInternalServerError,
		apperr.CodeInternal:         http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusFor(code), string(code))
	}
}
