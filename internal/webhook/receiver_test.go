package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnidesk/internal/automation"
	"omnidesk/internal/deadletter"
	"omnidesk/internal/inbox"
	"omnidesk/internal/repo"
	"omnidesk/internal/tenant"
	"omnidesk/migrations"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProcessor struct {
	mu     sync.Mutex
	events []inbox.Event
	fail   map[string]error
}

func (p *stubProcessor) Process(_ context.Context, ev inbox.Event) (*inbox.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	if err := p.fail[ev.ExternalMessageID]; err != nil {
		return nil, err
	}
	return &inbox.Result{}, nil
}

func whatsappBatch(phoneNumberID string, messages ...string) string {
	var msgs []string
	for _, id := range messages {
		msgs = append(msgs, fmt.Sprintf(`{"from":"905551112233","id":%q,"timestamp":"1700000000","type":"text","text":{"body":"merhaba"}}`, id))
	}
	return fmt.Sprintf(`{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "905550000000", "phone_number_id": %q},
        "contacts": [{"wa_id": "905551112233", "profile": {"name": "Ayse"}}],
        "messages": [%s]
      }
    }]
  }]
}`, phoneNumberID, strings.Join(msgs, ","))
}

func post(t *testing.T, h http.Handler, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/meta", strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandshake(t *testing.T) {
	h := New(Config{VerifyToken: "s3cret"}, &stubProcessor{}, nil, testLogger(), nil)

	cases := []struct {
		name   string
		query  string
		status int
		body   string
	}{
		{"match", "hub.mode=subscribe&hub.verify_token=s3cret&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=s3cret&hub.challenge=12345", http.StatusForbidden, ""},
		{"missing token", "hub.mode=subscribe&hub.challenge=12345", http.StatusForbidden, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/meta?"+tc.query, nil))
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if tc.body != "" && rec.Body.String() != tc.body {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tc.body)
			}
		})
	}
}

func TestHandshakeRejectedWithoutConfiguredToken(t *testing.T) {
	h := New(Config{}, &stubProcessor{}, nil, testLogger(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/meta?hub.mode=subscribe&hub.verify_token=&hub.challenge=1", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeliveryAlwaysAcknowledged(t *testing.T) {
	sink := deadletter.NewMemorySink(0, testLogger(), nil)
	h := New(Config{}, &stubProcessor{}, sink, testLogger(), nil)

	for _, body := range []string{`not json`, `{"object":"telegram","entry":[]}`, `{"object":"instagram","entry":[42]}`} {
		rec := post(t, h, body, nil)
		assert.Equal(t, http.StatusOK, rec.Code, body)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	}
	entries := sink.Entries()
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, deadletter.ReasonMalformed, e.Reason)
	}
}

func TestBatchEntriesAreIsolated(t *testing.T) {
	proc := &stubProcessor{fail: map[string]error{
		"m2": fmt.Errorf("resolve tenant: %w", tenant.ErrUnresolved),
		"m3": errors.New("database is locked"),
	}}
	sink := deadletter.NewMemorySink(0, testLogger(), nil)
	h := New(Config{}, proc, sink, testLogger(), nil)

	body := `{
  "object": "instagram",
  "entry": [
    {"id": "IG1", "time": 1700000000000, "messaging": [
      {"sender": {"id": "u1"}, "recipient": {"id": "IG1"}, "timestamp": 1700000000000, "message": {"mid": "m1", "text": "one"}}
    ]},
    {"id": "IG1", "messaging": "broken"},
    {"id": "IG1", "messaging": [
      {"sender": {"id": "u2"}, "recipient": {"id": "IG1"}, "timestamp": 1700000000000, "message": {"mid": "m2", "text": "two"}},
      {"sender": {"id": "u3"}, "recipient": {"id": "IG1"}, "timestamp": 1700000000000, "message": {"mid": "m3", "text": "three"}}
    ]},
    {"id": "IG1", "messaging": [
      {"sender": {"id": "u4"}, "recipient": {"id": "IG1"}, "timestamp": 1700000000000, "message": {"mid": "m4", "text": "four"}}
    ]}
  ]
}`
	rec := post(t, h, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var ids []string
	for _, ev := range proc.events {
		ids = append(ids, ev.ExternalMessageID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids)

	reasons := map[deadletter.Reason]int{}
	for _, e := range sink.Entries() {
		reasons[e.Reason]++
	}
	assert.Equal(t, map[deadletter.Reason]int{
		deadletter.ReasonMalformed:        1,
		deadletter.ReasonUnresolvedTenant: 1,
		deadletter.ReasonProcessingFailed: 1,
	}, reasons)
}

func TestReplayableDeadLetterCarriesEvent(t *testing.T) {
	proc := &stubProcessor{fail: map[string]error{"wamid.1": tenant.ErrUnresolved}}
	sink := deadletter.NewMemorySink(0, testLogger(), nil)
	h := New(Config{}, proc, sink, testLogger(), nil)

	post(t, h, whatsappBatch("PN9", "wamid.1"), nil)

	entry, ok, err := sink.PopReplayable(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "whatsapp", entry.Channel)

	var ev inbox.Event
	require.NoError(t, json.Unmarshal(entry.Payload, &ev))
	assert.Equal(t, "PN9", ev.RoutingID)
	assert.Equal(t, "wamid.1", ev.ExternalMessageID)
}

func TestSignatureVerification(t *testing.T) {
	proc := &stubProcessor{}
	sink := deadletter.NewMemorySink(0, testLogger(), nil)
	h := New(Config{AppSecret: "app-secret"}, proc, sink, testLogger(), nil)
	body := whatsappBatch("PN1", "wamid.sig")

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write([]byte(body))
	good := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	rec := post(t, h, body, http.Header{"X-Hub-Signature-256": {"sha256=deadbeef"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, proc.events)
	require.Len(t, sink.Entries(), 1)
	assert.Equal(t, deadletter.ReasonMalformed, sink.Entries()[0].Reason)

	rec = post(t, h, body, http.Header{"X-Hub-Signature-256": {good}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, proc.events, 1)
}

func TestMethodNotAllowed(t *testing.T) {
	h := New(Config{}, &stubProcessor{}, nil, testLogger(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/webhook/meta", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// endToEnd wires the receiver to the real engine over a migrated SQLite file and an
// automation endpoint that counts calls.
type endToEnd struct {
	repo     *repo.SQLiteRepository
	receiver *Receiver
	dispatch *automation.Dispatcher
	calls    atomic.Int32
	payloads chan automation.Payload
	endpoint string
}

func newEndToEnd(t *testing.T) *endToEnd {
	t.Helper()
	ctx := context.Background()
	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "webhook.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NoError(t, r.RunMigrations(ctx, migrations.Files))

	e := &endToEnd{repo: r, payloads: make(chan automation.Payload, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		e.calls.Add(1)
		var p automation.Payload
		_ = json.NewDecoder(req.Body).Decode(&p)
		e.payloads <- p
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	e.endpoint = srv.URL

	e.dispatch = automation.NewDispatcher(automation.Config{Workers: 2, QueueSize: 16, MaxAttempts: 1},
		automation.NewClient(time.Second, nil), nil, nil, testLogger(), nil)
	e.dispatch.Start(ctx)

	resolver := tenant.New(r, testLogger(), nil, tenant.Config{LegacyFallback: true})
	engine := inbox.New(resolver, inbox.Stores{Conversations: r, Messages: r, Settings: r}, e.dispatch, nil, testLogger(), nil)
	e.receiver = New(Config{VerifyToken: "tok"}, engine, deadletter.NewMemorySink(0, testLogger(), nil), testLogger(), nil)

	_, err = r.UpsertChannelConnection(ctx, repo.ChannelConnection{
		TenantID:    "T1",
		Channel:     repo.ChannelWhatsApp,
		AccessToken: "token",
		Identifiers: map[repo.IdentifierType]string{repo.IdentifierPhoneNumberID: "PN1"},
	})
	require.NoError(t, err)
	endpoint := e.endpoint
	require.NoError(t, r.UpsertAgentSettings(ctx, repo.AgentSettings{TenantID: "T1", AIOperationalEnabled: true, AutomationEndpoint: &endpoint}))
	return e
}

func (e *endToEnd) conversationInMode(t *testing.T, mode repo.Mode) *repo.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, _, err := e.repo.FindOrCreateConversation(ctx, repo.ConversationKey{TenantID: "T1", Channel: repo.ChannelWhatsApp, ExternalThreadID: "905551112233"}, "")
	require.NoError(t, err)
	conv, err = e.repo.SetConversationMode(ctx, "T1", conv.ID, mode)
	require.NoError(t, err)
	return conv
}

func TestDeliveryToBotConversationCallsAutomationOnce(t *testing.T) {
	e := newEndToEnd(t)
	conv := e.conversationInMode(t, repo.ModeBot)

	rec := post(t, e.receiver, whatsappBatch("PN1", "wamid.A"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	e.dispatch.Stop()

	assert.Equal(t, int32(1), e.calls.Load())
	p := <-e.payloads
	assert.Equal(t, "T1", p.TenantID)
	assert.Equal(t, conv.ID, p.ConversationID)
	assert.Equal(t, "905551112233", p.SenderID)
	assert.Equal(t, "merhaba", p.Message)
	assert.Equal(t, "whatsapp", p.Channel)

	convs, err := e.repo.ListConversations(context.Background(), repo.ConversationFilter{TenantID: "T1"})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := e.repo.ListMessages(context.Background(), "T1", conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, repo.DirectionIn, msgs[0].Direction)
	assert.Equal(t, repo.SenderCustomer, msgs[0].Sender)
}

func TestDeliveryToHumanConversationNeverCallsAutomation(t *testing.T) {
	e := newEndToEnd(t)
	conv := e.conversationInMode(t, repo.ModeHuman)

	post(t, e.receiver, whatsappBatch("PN1", "wamid.A"), nil)
	e.dispatch.Stop()

	assert.Zero(t, e.calls.Load())
	msgs, err := e.repo.ListMessages(context.Background(), "T1", conv.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRepeatedDeliveryIngestsOnce(t *testing.T) {
	e := newEndToEnd(t)
	conv := e.conversationInMode(t, repo.ModeBot)
	body := whatsappBatch("PN1", "wamid.dup")

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			post(t, e.receiver, body, nil)
		}()
	}
	wg.Wait()
	e.dispatch.Stop()

	msgs, err := e.repo.ListMessages(context.Background(), "T1", conv.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, int32(1), e.calls.Load())
}

func TestPageDeliveryResolvesThroughPageID(t *testing.T) {
	e := newEndToEnd(t)
	ctx := context.Background()
	_, err := e.repo.UpsertChannelConnection(ctx, repo.ChannelConnection{
		TenantID:    "T1",
		Channel:     repo.ChannelInstagram,
		AccessToken: "token",
		Identifiers: map[repo.IdentifierType]string{
			repo.IdentifierIGBusinessAccountID: "IGA1",
			repo.IdentifierPageID:              "PAGE1",
		},
	})
	require.NoError(t, err)

	body := `{"object":"page","entry":[{"id":"PAGE1","time":1700000000000,"messaging":[
  {"sender":{"id":"u1"},"recipient":{"id":"PAGE1"},"timestamp":1700000000000,"message":{"mid":"mid.page","text":"selam"}}
]}]}`
	rec := post(t, e.receiver, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	e.dispatch.Stop()

	convs, err := e.repo.ListConversations(ctx, repo.ConversationFilter{TenantID: "T1", Channel: repo.ChannelInstagram})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := e.repo.ListMessages(ctx, "T1", convs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "mid.page", *msgs[0].ExternalMessageID)
}
