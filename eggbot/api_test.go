package eggbot

import (
	"context"
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func apiRequest(
	t testing.TB,
	b *EggBot,
	method string,
	path string,
	body string,
	authenticated bool,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		req.Header.Set("Authorization", bearerPrefix+testAPISecret)
	}
	w := httptest.NewRecorder()
	b.api.engine.ServeHTTP(w, req)
	return w
}

func decodeResponse[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_HealthCheck(t *testing.T) {
	b, _ := newTestEggBot(t)
	b.discord.handlerConnect()(nil, nil)

	w := apiRequest(t, b, http.MethodGet, apiHealthCheck, "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	health := decodeResponse[healthCheckResponse](t, w)
	assert.True(t, health.DiscordGatewayConnected)
	assert.Equal(t, 0, health.KeywordEntries)
}

func TestAPI_Unauthorized(t *testing.T) {
	b, _ := newTestEggBot(t)

	w := apiRequest(t, b, http.MethodGet, apiPrefix+apiPathDeferredTasks, "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathDeferredTasks, nil)
	req.Header.Set("Authorization", bearerPrefix+"wrong")
	rec := httptest.NewRecorder()
	b.api.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	w = apiRequest(t, b, http.MethodPost, apiPrefix+apiPathQuit, "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, b.signalStop)
}

func TestAPI_DeferredTasks(t *testing.T) {
	b, _ := newTestEggBot(t)
	ctx := context.Background()
	store := b.DeferredTasks()

	first, err := store.Save(ctx, "egg", WithEventType("remind"))
	require.NoError(t, err)
	_, err = store.Save(ctx, "toast", WithEventType("announce"))
	require.NoError(t, err)

	w := apiRequest(t, b, http.MethodGet, apiPrefix+apiPathDeferredTasks, "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeResponse[[]DeferredTask](t, w), 2)

	w = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathDeferredTasks+"?event_type=remind", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	tasks := decodeResponse[[]DeferredTask](t, w)
	require.Len(t, tasks, 1)
	assert.Equal(t, first.UID, tasks[0].UID)
	assert.JSONEq(t, `"egg"`, string(tasks[0].Event))

	w = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathDeferredTasks+"?event_type=nothing", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = apiRequest(t, b, http.MethodDelete, apiPrefix+apiPathDeferredTasks+"/"+first.UID, "", true)
	require.Equal(t, http.StatusOK, w.Code)
	count, err := store.RowCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAPI_ModerationActions(t *testing.T) {
	b, _ := newTestEggBot(t)
	ctx := context.Background()
	store := b.ModerationActions()

	action, err := store.Save(ctx, "rude", WithMemberID("1234"))
	require.NoError(t, err)
	_, err = store.Save(ctx, "spam", WithMemberID("5678"), WithAction("warn"))
	require.NoError(t, err)

	path := apiPrefix + apiPathModerationActions

	w := apiRequest(t, b, http.MethodGet, path, "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeResponse[[]ModerationAction](t, w), 2)

	w = apiRequest(t, b, http.MethodGet, path+"?action=warn", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	warnings := decodeResponse[[]ModerationAction](t, w)
	require.Len(t, warnings, 1)
	assert.Equal(t, "5678", warnings[0].MemberID)

	w = apiRequest(t, b, http.MethodGet, path+"?member_id=1234&active=true", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	memberActions := decodeResponse[[]ModerationAction](t, w)
	require.Len(t, memberActions, 1)
	assert.Equal(t, action.UID, memberActions[0].UID)

	w = apiRequest(t, b, http.MethodGet, path+"?member_id=1234&active=maybe", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// amend
	w = apiRequest(t, b, http.MethodPatch, path+"/"+action.UID, `{"note": "very rude"}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	updated := decodeResponse[ModerationAction](t, w)
	assert.Equal(t, "very rude", updated.CurrentNote)
	assert.Equal(t, "rude", updated.OriginalNote)

	w = apiRequest(t, b, http.MethodPatch, path+"/"+action.UID, `{}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, b, http.MethodPatch, path+"/not-a-uid", `{"note": "x"}`, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// deactivate
	w = apiRequest(t, b, http.MethodPost, path+"/"+action.UID+"/deactivate", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	w = apiRequest(t, b, http.MethodGet, path+"?member_id=1234&active=false", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeResponse[[]ModerationAction](t, w), 1)

	w = apiRequest(t, b, http.MethodPost, path+"/not-a-uid/deactivate", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// delete
	w = apiRequest(t, b, http.MethodDelete, path+"/"+action.UID, "", true)
	require.Equal(t, http.StatusOK, w.Code)
	_, found, err := store.GetByUID(ctx, action.UID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAPI_ReloadModules(t *testing.T) {
	b, _ := newTestEggBot(t)

	writeModuleConfig(t, b, "keyword_notifi:\n  - member_id: \"1\"\n    pattern: egg\n")
	w := apiRequest(t, b, http.MethodPost, apiPrefix+apiPathReloadModules, "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decodeResponse[apiReloadModules](t, w).KeywordEntries)

	writeModuleConfig(t, b, "nothing: here\n")
	w = apiRequest(t, b, http.MethodPost, apiPrefix+apiPathReloadModules, "", true)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, 1, b.keywordNotifi.Len())
}

func TestAPI_Quit(t *testing.T) {
	b, _ := newTestEggBot(t)

	w := apiRequest(t, b, http.MethodPost, apiPrefix+apiPathQuit, "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, b.signalStop, 1)

	// repeated requests don't block
	w = apiRequest(t, b, http.MethodPost, apiPrefix+apiPathQuit, "", true)
	require.Equal(t, http.StatusOK, w.Code)
}
