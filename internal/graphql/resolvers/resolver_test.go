package resolvers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/99designs/gqlgen/client"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/lacylights-audio/internal/config"
	"github.com/bbernstein/lacylights-audio/internal/cues"
	"github.com/bbernstein/lacylights-audio/internal/database/repositories"
	"github.com/bbernstein/lacylights-audio/internal/services/playback"
	"github.com/bbernstein/lacylights-audio/internal/services/pubsub"
	"github.com/bbernstein/lacylights-audio/internal/services/relay"
	"github.com/bbernstein/lacylights-audio/internal/services/settings"
	"github.com/bbernstein/lacylights-audio/internal/testutil"
)

type recordingEngine struct {
	mu      sync.Mutex
	intents []playback.Intent
}

func (e *recordingEngine) Send(intent playback.Intent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intents = append(e.intents, intent)
	return nil
}

func (e *recordingEngine) sent() []playback.Intent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]playback.Intent(nil), e.intents...)
}

type testEnv struct {
	client   *client.Client
	server   *httptest.Server
	store    *cues.Store
	settings *settings.Service
	playback *playback.Service
	engine   *recordingEngine
	ps       *pubsub.PubSub
}

func testSetup(t *testing.T) *testEnv {
	t.Helper()

	testDB, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	ps := pubsub.New()
	pb := playback.NewService(zerolog.Nop())
	engine := &recordingEngine{}
	pb.AttachEngine(engine)

	store := cues.NewStore(filepath.Join(t.TempDir(), "cues.json"), nil, nil, zerolog.Nop())
	store.SetListener(relay.New(ps, store, pb, nil, zerolog.Nop()))
	svc := settings.NewService(repositories.NewSettingRepository(testDB.DB), settings.Defaults(config.Load()), zerolog.Nop())

	status := func() any { return map[string]bool{"engine": true} }
	srv := NewServer(NewResolver(store, svc, pb, ps, status, zerolog.Nop()))
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)

	return &testEnv{
		client:   client.New(srv),
		server:   httpSrv,
		store:    store,
		settings: svc,
		playback: pb,
		engine:   engine,
		ps:       ps,
	}
}

type cueResponse struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Name          string   `json:"name"`
	FilePath      *string  `json:"filePath"`
	TrimStartTime *float64 `json:"trimStartTime"`
	WingTrigger   *struct {
		Enabled    bool `json:"enabled"`
		UserButton int  `json:"userButton"`
	} `json:"wingTrigger"`
}

func TestCue_Lifecycle(t *testing.T) {
	env := testSetup(t)

	var created struct {
		UpsertCue cueResponse `json:"upsertCue"`
	}
	err := env.client.Post(`mutation($input: JSON!) {
		upsertCue(input: $input) { id type name filePath trimStartTime wingTrigger { enabled userButton } }
	}`, &created, client.Var("input", map[string]any{
		"name":          "Thunder",
		"filePath":      "/sfx/thunder.wav",
		"trimStartTime": 1.5,
		"wingTrigger":   map[string]any{"enabled": true, "userButton": 3},
	}))
	require.NoError(t, err)

	cue := created.UpsertCue
	require.NotEmpty(t, cue.ID)
	assert.Equal(t, "Thunder", cue.Name)
	assert.Equal(t, string(cues.TypeSingleFile), cue.Type)
	require.NotNil(t, cue.FilePath)
	assert.Equal(t, "/sfx/thunder.wav", *cue.FilePath)
	require.NotNil(t, cue.TrimStartTime)
	assert.Equal(t, 1.5, *cue.TrimStartTime)
	require.NotNil(t, cue.WingTrigger)
	assert.Equal(t, 3, cue.WingTrigger.UserButton)

	// Partial update keeps the other fields
	var renamed struct {
		UpsertCue cueResponse `json:"upsertCue"`
	}
	err = env.client.Post(`mutation($input: JSON!) { upsertCue(input: $input) { id name filePath } }`,
		&renamed, client.Var("input", map[string]any{"id": cue.ID, "name": "Big Thunder"}))
	require.NoError(t, err)
	assert.Equal(t, cue.ID, renamed.UpsertCue.ID)
	assert.Equal(t, "Big Thunder", renamed.UpsertCue.Name)
	require.NotNil(t, renamed.UpsertCue.FilePath)

	var read struct {
		Cue  *cueResponse  `json:"cue"`
		Cues []cueResponse `json:"cues"`
	}
	err = env.client.Post(`query($id: ID!) { cue(id: $id) { id name } cues { id } }`, &read, client.Var("id", cue.ID))
	require.NoError(t, err)
	require.NotNil(t, read.Cue)
	assert.Equal(t, "Big Thunder", read.Cue.Name)
	assert.Len(t, read.Cues, 1)

	var deleted struct {
		DeleteCue bool `json:"deleteCue"`
	}
	require.NoError(t, env.client.Post(`mutation($id: ID!) { deleteCue(id: $id) }`, &deleted, client.Var("id", cue.ID)))
	assert.True(t, deleted.DeleteCue)

	require.NoError(t, env.client.Post(`mutation($id: ID!) { deleteCue(id: $id) }`, &deleted, client.Var("id", cue.ID)))
	assert.False(t, deleted.DeleteCue)

	var missing struct {
		Cue *cueResponse `json:"cue"`
	}
	require.NoError(t, env.client.Post(`query($id: ID!) { cue(id: $id) { id } }`, &missing, client.Var("id", cue.ID)))
	assert.Nil(t, missing.Cue)
}

func TestUpsertCue_InvalidInput(t *testing.T) {
	env := testSetup(t)

	var resp map[string]any
	err := env.client.Post(`mutation { upsertCue(input: {name: "Both", filePath: "/a.wav", type: "nonsense"}) { id } }`, &resp)
	require.Error(t, err)
	assert.Empty(t, env.store.All())
}

func TestSelectionShapesResponse(t *testing.T) {
	env := testSetup(t)
	_, err := env.store.Upsert(context.Background(), cues.CuePatch{ID: "a", Name: cues.Some("Rain"), FilePath: cues.Some("/rain.wav")})
	require.NoError(t, err)

	body := strings.NewReader(`{"query":"{ cues { title: name __typename } }"}`)
	resp, err := http.Post(env.server.URL, "application/json", body)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(data), `"errors"`)
	// Keys follow the selection order, aliases included.
	assert.Contains(t, string(data), `{"cues":[{"title":"Rain","__typename":"Cue"}]}`)
}

func TestUpdateCueDuration(t *testing.T) {
	env := testSetup(t)
	_, err := env.store.Upsert(context.Background(), cues.CuePatch{ID: "a", Name: cues.Some("Rain"), FilePath: cues.Some("/rain.wav")})
	require.NoError(t, err)

	var resp struct {
		UpdateCueDuration bool `json:"updateCueDuration"`
	}
	mutation := `mutation($id: ID!, $sec: Float!) { updateCueDuration(id: $id, durationSec: $sec) }`
	require.NoError(t, env.client.Post(mutation, &resp, client.Var("id", "a"), client.Var("sec", 42.0)))
	assert.True(t, resp.UpdateCueDuration)

	require.NoError(t, env.client.Post(mutation, &resp, client.Var("id", "a"), client.Var("sec", 42.0)))
	assert.False(t, resp.UpdateCueDuration, "an unchanged duration is not rewritten")

	err = env.client.Post(mutation, &resp, client.Var("id", "missing"), client.Var("sec", 10.0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), cues.ErrCueNotFound.Error())
}

func TestSettings_QueryAndPartialUpdate(t *testing.T) {
	env := testSetup(t)
	before := env.settings.Get()

	var resp struct {
		UpdateSettings struct {
			Remote struct {
				Enabled bool `json:"enabled"`
				Port    int  `json:"port"`
			} `json:"remote"`
			Automation struct {
				Port int `json:"port"`
			} `json:"automation"`
		} `json:"updateSettings"`
	}
	err := env.client.Post(`mutation($input: JSON!) {
		updateSettings(input: $input) { remote { enabled port } automation { port } }
	}`, &resp, client.Var("input", map[string]any{"remote": map[string]any{"enabled": true, "port": 3105}}))
	require.NoError(t, err)
	assert.Equal(t, 3105, resp.UpdateSettings.Remote.Port)
	assert.Equal(t, before.Automation.Port, resp.UpdateSettings.Automation.Port)
	assert.Equal(t, 3105, env.settings.Get().Remote.Port)

	err = env.client.Post(`mutation { updateSettings(input: {remote: {port: 0}}) { remote { port } } }`, &resp)
	require.Error(t, err)
	assert.Equal(t, 3105, env.settings.Get().Remote.Port)

	var read struct {
		Settings struct {
			Mixer struct {
				MidiChannel int `json:"midiChannel"`
			} `json:"mixer"`
		} `json:"settings"`
	}
	require.NoError(t, env.client.Post(`{ settings { mixer { midiChannel } } }`, &read))
	assert.Equal(t, before.Mixer.MIDIChannel, read.Settings.Mixer.MidiChannel)
}

func TestPlaybackIntents(t *testing.T) {
	env := testSetup(t)
	_, err := env.store.Upsert(context.Background(), cues.CuePatch{ID: "a", Name: cues.Some("Rain"), FilePath: cues.Some("/rain.wav")})
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, env.client.Post(`mutation { triggerCue(id: "a") }`, &resp))
	require.NoError(t, env.client.Post(`mutation { stopCue(id: "a") stopAll(behavior: "fade") }`, &resp))

	err = env.client.Post(`mutation { triggerCue(id: "missing") }`, &resp)
	require.Error(t, err)

	assert.Equal(t, []playback.Intent{
		{Intent: playback.IntentTrigger, CueID: "a", Source: Source},
		{Intent: playback.IntentStop, CueID: "a"},
		{Intent: playback.IntentStopAll, Behavior: "fade"},
	}, env.engine.sent())

	env.playback.DetachEngine(env.engine)
	err = env.client.Post(`mutation { triggerCue(id: "a") }`, &resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), playback.ErrNoEngine.Error())
}

func TestCueStateAndStatus(t *testing.T) {
	env := testSetup(t)
	env.playback.HandleStatus(playback.StatusEvent{CueID: "a", Status: playback.StatusStopped, Details: map[string]any{"error": "file missing"}})

	var resp struct {
		A struct {
			Status string  `json:"status"`
			Error  *string `json:"error"`
		} `json:"a"`
		B struct {
			Status string `json:"status"`
		} `json:"b"`
		Status map[string]any `json:"status"`
	}
	err := env.client.Post(`{
		a: cueState(id: "a") { status error }
		b: cueState(id: "b") { status }
		status
	}`, &resp)
	require.NoError(t, err)
	assert.Equal(t, "stopped", resp.A.Status)
	require.NotNil(t, resp.A.Error)
	assert.Equal(t, "file missing", *resp.A.Error)
	assert.Equal(t, "stopped", resp.B.Status)
	assert.Equal(t, true, resp.Status["engine"])
}

func TestIntrospectionDisabled(t *testing.T) {
	env := testSetup(t)

	var resp map[string]any
	err := env.client.Post(`{ __schema { queryType { name } } }`, &resp)
	assert.Error(t, err)
}

// dialSubscription opens a graphql-transport-ws session and starts query.
func dialSubscription(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{"graphql-transport-ws"}}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := dialer.Dial(url, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "connection_init"}))
	ack := readMessage(t, conn, "connection_ack")
	require.Equal(t, "connection_ack", ack["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"id":      "1",
		"type":    "subscribe",
		"payload": map[string]any{"query": query},
	}))
	return conn
}

// readMessage returns the next message of the given type, skipping
// keep-alives.
func readMessage(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := testutil.ReadJSON(t, conn, time.Until(deadline))
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message", msgType)
	return nil
}

func TestCueListSubscription(t *testing.T) {
	env := testSetup(t)
	conn := dialSubscription(t, env.server, `subscription { cueListUpdated { id name } }`)

	require.Eventually(t, func() bool {
		return env.ps.SubscriberCount(pubsub.TopicCueList) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := env.store.Upsert(context.Background(), cues.CuePatch{ID: "a", Name: cues.Some("Rain"), FilePath: cues.Some("/rain.wav")})
	require.NoError(t, err)

	msg := readMessage(t, conn, "next")
	assert.Equal(t, "1", msg["id"])
	data, err := json.Marshal(msg["payload"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"cueListUpdated":[{"id":"a","name":"Rain"}]}}`, string(data))

	// Stopping the operation releases the subscription.
	require.NoError(t, conn.WriteJSON(map[string]any{"id": "1", "type": "complete"}))
	require.Eventually(t, func() bool {
		return env.ps.SubscriberCount(pubsub.TopicCueList) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
