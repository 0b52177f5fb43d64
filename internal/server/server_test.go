package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/KDLN/aurelian-missions/internal/config"
	"github.com/KDLN/aurelian-missions/internal/db"
	"github.com/KDLN/aurelian-missions/internal/domain"
	"github.com/KDLN/aurelian-missions/internal/engine"
	"github.com/KDLN/aurelian-missions/internal/migrate"
	"github.com/KDLN/aurelian-missions/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	APIKey string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("server-1"), nil)

	rawKey := "test-api-key"
	err = e.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      uuid.NewString(),
		ActorID: "ops",
		KeyHash: repo.HashAPIKey(rawKey),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		APIKey: rawKey,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func userToken(t *testing.T, userID, guildID string, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if guildID != "" {
		claims["guild_id"] = guildID
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func adminHeaders(srv *testServer) map[string]string {
	return map[string]string{"X-Api-Key": srv.APIKey}
}

func bearerHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func createTestMission(t *testing.T, srv *testServer, requirements map[string]int64) domain.Mission {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/missions", map[string]any{
		"name":         "Supply the Capital",
		"requirements": requirements,
		"ends_at":      time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		"start_now":    true,
	}, adminHeaders(srv))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create mission: %d %s", res.StatusCode, string(data))
	}
	var out MissionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal mission: %v", err)
	}
	return out.Mission
}

func TestMissionContributionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	m := createTestMission(t, srv, map[string]int64{"iron_ore": 100})

	alice := userToken(t, "alice", "red-banner")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions/"+m.ID+"/contributions", map[string]any{
		"contributions": map[string]int64{"iron_ore": 30},
	}, bearerHeaders(alice))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("contribute: %d %s", res.StatusCode, string(data))
	}
	var contrib ContributionResponse
	if err := json.Unmarshal(data, &contrib); err != nil {
		t.Fatalf("unmarshal contribution: %v", err)
	}
	if contrib.Mission.Progress["iron_ore"] != 30 {
		t.Fatalf("progress = %d, want 30", contrib.Mission.Progress["iron_ore"])
	}
	if contrib.Participant.GuildID == nil || *contrib.Participant.GuildID != "red-banner" {
		t.Fatalf("guild = %v, want red-banner", contrib.Participant.GuildID)
	}
	if contrib.JustCompleted {
		t.Fatalf("completed too early")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions/"+m.ID+"/contributions", map[string]any{
		"contributions": map[string]int64{"iron_ore": 70},
	}, bearerHeaders(alice))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second contribute: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &contrib); err != nil {
		t.Fatal(err)
	}
	if !contrib.JustCompleted || contrib.Mission.Status != domain.StatusCompleted {
		t.Fatalf("expected completion, got %+v", contrib.Mission.Status)
	}

	// further contributions conflict
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions/"+m.ID+"/contributions", map[string]any{
		"contributions": map[string]int64{"iron_ore": 1},
	}, bearerHeaders(alice))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("contribute after completion: %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "invalid_state" {
		t.Fatalf("error code = %s, want invalid_state", envelope.Error.Code)
	}
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	player := userToken(t, "alice", "")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions", map[string]any{
		"name":         "Nope",
		"requirements": map[string]int64{"iron_ore": 10},
		"ends_at":      time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}, bearerHeaders(player))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("player create mission: %d %s", res.StatusCode, string(data))
	}

	// a JWT carrying the admin role passes
	admin := userToken(t, "gm-1", "", "admin")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions", map[string]any{
		"name":         "Yep",
		"requirements": map[string]int64{"iron_ore": 10},
		"ends_at":      time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}, bearerHeaders(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("admin create mission: %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/missions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no auth: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	m := createTestMission(t, srv, map[string]int64{"iron_ore": 100})
	alice := userToken(t, "alice", "red")
	bob := userToken(t, "bob", "blue")
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions/"+m.ID+"/contributions", map[string]any{
		"contributions": map[string]int64{"iron_ore": 60},
	}, bearerHeaders(alice))
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions/"+m.ID+"/contributions", map[string]any{
		"contributions": map[string]int64{"iron_ore": 20},
	}, bearerHeaders(bob))

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/missions/"+m.ID+"/leaderboard", nil, bearerHeaders(bob))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("leaderboard: %d %s", res.StatusCode, string(data))
	}
	var board engine.Leaderboard
	if err := json.Unmarshal(data, &board); err != nil {
		t.Fatal(err)
	}
	if board.Total != 2 || len(board.Entries) != 2 {
		t.Fatalf("board = %+v", board)
	}
	if board.Entries[0].UserID != "alice" || board.Entries[0].Rank != 1 {
		t.Fatalf("entry 0 = %+v", board.Entries[0])
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/missions/"+m.ID+"/leaderboard?guild_id=blue", nil, bearerHeaders(bob))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered leaderboard: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &board); err != nil {
		t.Fatal(err)
	}
	if board.Total != 1 || board.Entries[0].UserID != "bob" || board.Entries[0].Rank != 2 {
		t.Fatalf("filtered board = %+v", board.Entries)
	}
}

func TestClaimEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions", map[string]any{
		"name":         "Gem Drive",
		"requirements": map[string]int64{"gems": 10},
		"rewards_by_tier": map[string]any{
			"gold": map[string]any{"gold": 500},
		},
		"ends_at":   time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"start_now": true,
	}, adminHeaders(srv))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created MissionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}

	alice := userToken(t, "alice", "")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions/"+created.Mission.ID+"/contributions", map[string]any{
		"contributions": map[string]int64{"gems": 10},
	}, bearerHeaders(alice))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("contribute: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions/"+created.Mission.ID+"/claim", nil, bearerHeaders(alice))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	var claim ClaimResponse
	if err := json.Unmarshal(data, &claim); err != nil {
		t.Fatal(err)
	}
	if claim.Tier != "gold" || claim.Reward.Gold != 500 {
		t.Fatalf("claim = %+v", claim)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions/"+created.Mission.ID+"/claim", nil, bearerHeaders(alice))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("double claim: %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "already_claimed" {
		t.Fatalf("error code = %s, want already_claimed", envelope.Error.Code)
	}
}

func TestStandingEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	m := createTestMission(t, srv, map[string]int64{"iron_ore": 100})
	alice := userToken(t, "alice", "")
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions/"+m.ID+"/contributions", map[string]any{
		"contributions": map[string]int64{"iron_ore": 60},
	}, bearerHeaders(alice))

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/missions/"+m.ID+"/standing", nil, bearerHeaders(alice))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("standing: %d %s", res.StatusCode, string(data))
	}
	var standing StandingResponse
	if err := json.Unmarshal(data, &standing); err != nil {
		t.Fatal(err)
	}
	if standing.Score != 0.6 || standing.Rank != 1 || standing.Frozen {
		t.Fatalf("standing = %+v", standing)
	}
	if standing.Tier == nil || *standing.Tier != "silver" {
		t.Fatalf("tier = %v, want silver", standing.Tier)
	}
}

func TestMissionNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	alice := userToken(t, "alice", "")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/missions/nope", nil, bearerHeaders(alice))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get missing mission: %d %s", res.StatusCode, string(data))
	}
}
