package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/centrodesk/lineup/internal/alert"
	"github.com/centrodesk/lineup/internal/allocator"
	"github.com/centrodesk/lineup/internal/failover"
	"github.com/centrodesk/lineup/internal/models"
	"github.com/centrodesk/lineup/internal/pipeline"
	"github.com/centrodesk/lineup/internal/presence"
	"github.com/centrodesk/lineup/internal/push"
	"github.com/centrodesk/lineup/internal/router"
	"github.com/centrodesk/lineup/internal/transport"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "lineup.db") + "?_txlock=immediate&_pragma=busy_timeout(10000)"
	gdb, err := gorm.Open(&sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(
		&models.Line{},
		&models.LineOperator{},
		&models.Operator{},
		&models.Conversation{},
		&models.WaitingQueueEntry{},
		&models.PendingMessage{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return gdb
}

// recordingConn collects pushed events in place of a real SSE stream.
type recordingConn struct {
	events []string
}

func (r *recordingConn) Push(event string, payload []byte) error {
	r.events = append(r.events, event)
	return nil
}

type fixture struct {
	db       *gorm.DB
	registry *presence.Registry
	mock     *transport.Mock
	alerts   *alert.MockAdapter
	ts       *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := openTestDB(t)
	reg := presence.NewRegistry()
	var out bytes.Buffer

	notifier, err := push.NewNotifier(reg)
	if err != nil {
		t.Fatalf("push.NewNotifier: %v", err)
	}
	fo, err := failover.New(failover.Opts{DB: gdb, Notifier: notifier, Out: &out})
	if err != nil {
		t.Fatalf("failover.New: %v", err)
	}
	rt, err := router.New(router.Opts{DB: gdb, Registry: reg, Notifier: notifier, Out: &out})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	mock := transport.NewMock()
	pipe, err := pipeline.New(pipeline.Opts{
		DB: gdb, Transport: mock, Failover: fo, Notifier: notifier, Out: &out,
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	alerts := alert.NewMockAdapter()

	engine, err := NewEngine(Opts{
		DB:       gdb,
		Registry: reg,
		Router:   rt,
		Pipeline: pipe,
		Failover: fo,
		Notifier: notifier,
		Alerts:   alert.NewNotifier(&out, alerts),
		Out:      &out,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ts := httptest.NewServer(engine)
	t.Cleanup(ts.Close)
	return &fixture{db: gdb, registry: reg, mock: mock, alerts: alerts, ts: ts}
}

func (f *fixture) request(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func (f *fixture) seedLine(t *testing.T, phone string, segment int, credRef string) *models.Line {
	t.Helper()
	line := models.Line{PhoneNumber: phone, Status: models.LineActive, Segment: &segment, CredentialRef: credRef}
	if err := f.db.Create(&line).Error; err != nil {
		t.Fatalf("seed line: %v", err)
	}
	return &line
}

func (f *fixture) seedOperator(t *testing.T, name string, segment int) *models.Operator {
	t.Helper()
	op := models.Operator{Name: name, Segment: segment}
	if err := f.db.Create(&op).Error; err != nil {
		t.Fatalf("seed operator: %v", err)
	}
	return &op
}

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine(Opts{}); err == nil {
		t.Fatal("expected error for empty opts")
	}
}

func TestInbound_RoutedToOnlineOperator(t *testing.T) {
	f := newFixture(t)
	line := f.seedLine(t, "5511000000001", 1, "cred-1")
	op := f.seedOperator(t, "alice", 1)
	if err := allocator.Bind(f.db, line.ID, op.ID); err != nil {
		t.Fatalf("bind: %v", err)
	}
	conn := &recordingConn{}
	detach := f.registry.Connect(op.ID, conn)
	defer detach()

	status, body := f.request(t, http.MethodPost, "/webhook/inbound", map[string]any{
		"message_key":   "mk-1",
		"line_phone":    "5511000000001",
		"contact_phone": "5511999990000",
		"body":          "hello there",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%v)", status, body)
	}
	if got := body["routed_to"].(float64); uint(got) != op.ID {
		t.Fatalf("routed_to = %v, want %d", got, op.ID)
	}
	if len(conn.events) != 1 || conn.events[0] != push.EventInboundMessage {
		t.Fatalf("events = %v, want one inbound_message", conn.events)
	}

	var count int64
	f.db.Model(&models.Conversation{}).Where("tabulation_id IS NULL").Count(&count)
	if count != 1 {
		t.Fatalf("open conversations = %d, want 1", count)
	}

	// A second message for the same contact reuses the open conversation.
	status, _ = f.request(t, http.MethodPost, "/webhook/inbound", map[string]any{
		"message_key":   "mk-2",
		"line_phone":    "5511000000001",
		"contact_phone": "5511999990000",
		"body":          "and again",
	})
	if status != http.StatusOK {
		t.Fatalf("second message status = %d, want 200", status)
	}
	f.db.Model(&models.Conversation{}).Where("tabulation_id IS NULL").Count(&count)
	if count != 1 {
		t.Fatalf("open conversations after second message = %d, want 1", count)
	}
}

func TestInbound_QueuedWhenNobodyOnline(t *testing.T) {
	f := newFixture(t)
	f.seedLine(t, "5511000000001", 1, "cred-1")

	status, body := f.request(t, http.MethodPost, "/webhook/inbound", map[string]any{
		"message_key":   "mk-1",
		"line_phone":    "5511000000001",
		"contact_phone": "5511999990000",
		"body":          "anyone there",
	})
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%v)", status, body)
	}

	// Redelivery with the same key must not duplicate.
	f.request(t, http.MethodPost, "/webhook/inbound", map[string]any{
		"message_key":   "mk-1",
		"line_phone":    "5511000000001",
		"contact_phone": "5511999990000",
		"body":          "anyone there",
	})
	var count int64
	f.db.Model(&models.PendingMessage{}).Count(&count)
	if count != 1 {
		t.Fatalf("pending messages = %d, want 1 after redelivery", count)
	}
}

func TestInbound_UnknownLine(t *testing.T) {
	f := newFixture(t)
	status, _ := f.request(t, http.MethodPost, "/webhook/inbound", map[string]any{
		"line_phone":    "5511000000099",
		"contact_phone": "5511999990000",
	})
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestSend_CreatedAndErrorsMapped(t *testing.T) {
	f := newFixture(t)
	line := f.seedLine(t, "5511000000001", 1, "cred-1")
	op := f.seedOperator(t, "alice", 1)
	if err := allocator.Bind(f.db, line.ID, op.ID); err != nil {
		t.Fatalf("bind: %v", err)
	}

	status, body := f.request(t, http.MethodPost, "/api/send", map[string]any{
		"operator_id":   op.ID,
		"contact_phone": "5511999990000",
		"text":          "hello",
	})
	if status != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (%v)", status, body)
	}
	if len(f.mock.Sent) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(f.mock.Sent))
	}

	// Invalid phone → 422.
	status, _ = f.request(t, http.MethodPost, "/api/send", map[string]any{
		"operator_id":   op.ID,
		"contact_phone": "bogus",
		"text":          "hello",
	})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("invalid phone status = %d, want 422", status)
	}

	// Exhausted retries → 502.
	f.mock.FailSends = 3
	status, _ = f.request(t, http.MethodPost, "/api/send", map[string]any{
		"operator_id":   op.ID,
		"contact_phone": "5511999990001",
		"text":          "hello",
	})
	if status != http.StatusBadGateway {
		t.Fatalf("failed send status = %d, want 502", status)
	}
}

func TestSend_NoLineAvailable(t *testing.T) {
	f := newFixture(t)
	op := f.seedOperator(t, "alice", 1)

	status, _ := f.request(t, http.MethodPost, "/api/send", map[string]any{
		"operator_id":   op.ID,
		"contact_phone": "5511999990000",
		"text":          "hello",
	})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", status)
	}
}

func TestBindings_CreateConflictAndUnbind(t *testing.T) {
	f := newFixture(t)
	line := f.seedLine(t, "5511000000001", 1, "cred-1")
	a := f.seedOperator(t, "alice", 1)
	b := f.seedOperator(t, "bob", 1)
	c := f.seedOperator(t, "carol", 1)

	for _, op := range []*models.Operator{a, b} {
		status, body := f.request(t, http.MethodPost, "/api/bindings", map[string]any{
			"line_id": line.ID, "operator_id": op.ID,
		})
		if status != http.StatusCreated {
			t.Fatalf("bind %s status = %d, want 201 (%v)", op.Name, status, body)
		}
	}

	// Third operator exceeds capacity.
	status, _ := f.request(t, http.MethodPost, "/api/bindings", map[string]any{
		"line_id": line.ID, "operator_id": c.ID,
	})
	if status != http.StatusConflict {
		t.Fatalf("capacity status = %d, want 409", status)
	}

	// Unknown line.
	status, _ = f.request(t, http.MethodPost, "/api/bindings", map[string]any{
		"line_id": 999, "operator_id": c.ID,
	})
	if status != http.StatusNotFound {
		t.Fatalf("unknown line status = %d, want 404", status)
	}

	status, _ = f.request(t, http.MethodDelete, "/api/bindings", map[string]any{
		"line_id": line.ID, "operator_id": b.ID,
	})
	if status != http.StatusOK {
		t.Fatalf("unbind status = %d, want 200", status)
	}
	current, err := allocator.CurrentLine(f.db, b.ID)
	if err != nil {
		t.Fatalf("CurrentLine: %v", err)
	}
	if current != nil {
		t.Fatalf("bob still bound to line %d", current.ID)
	}
}

func TestUnbind_ServesWaitingQueue(t *testing.T) {
	f := newFixture(t)
	line := f.seedLine(t, "5511000000001", 1, "cred-1")
	a := f.seedOperator(t, "alice", 1)
	b := f.seedOperator(t, "bob", 1)
	c := f.seedOperator(t, "carol", 1)
	for _, op := range []*models.Operator{a, b} {
		if err := allocator.Bind(f.db, line.ID, op.ID); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}
	f.db.Create(&models.WaitingQueueEntry{OperatorID: c.ID, Segment: 1})

	status, body := f.request(t, http.MethodDelete, "/api/bindings", map[string]any{
		"line_id": line.ID, "operator_id": a.ID,
	})
	if status != http.StatusOK {
		t.Fatalf("unbind status = %d", status)
	}
	if served := body["waiting_served"].(float64); served != 1 {
		t.Fatalf("waiting_served = %v, want 1", served)
	}
	current, err := allocator.CurrentLine(f.db, c.ID)
	if err != nil {
		t.Fatalf("CurrentLine: %v", err)
	}
	if current == nil || current.ID != line.ID {
		t.Fatalf("carol bound to %v, want line %d", current, line.ID)
	}
}

func TestLineBan_CascadesAndAlerts(t *testing.T) {
	f := newFixture(t)
	line := f.seedLine(t, "5511000000001", 1, "cred-1")
	op := f.seedOperator(t, "alice", 1)
	if err := allocator.Bind(f.db, line.ID, op.ID); err != nil {
		t.Fatalf("bind: %v", err)
	}

	status, _ := f.request(t, http.MethodPost, fmt.Sprintf("/api/lines/%d/ban", line.ID), nil)
	if status != http.StatusOK {
		t.Fatalf("ban status = %d, want 200", status)
	}

	var banned models.Line
	f.db.Where("id = ?", line.ID).Find(&banned)
	if banned.Status != models.LineBanned {
		t.Fatalf("line status = %s, want banned", banned.Status)
	}

	evt, ok := f.alerts.LastEvent()
	if !ok || evt.Type != alert.EventLineBanned {
		t.Fatalf("expected line_banned alert, got %+v", evt)
	}

	status, _ = f.request(t, http.MethodPost, "/api/lines/999/ban", nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown line ban status = %d, want 404", status)
	}
}

func TestAdminCreateAndList(t *testing.T) {
	f := newFixture(t)

	status, body := f.request(t, http.MethodPost, "/api/lines", map[string]any{
		"phone_number": "5511000000001", "segment": 1, "credential_ref": "cred-1",
	})
	if status != http.StatusCreated {
		t.Fatalf("line create status = %d (%v)", status, body)
	}

	// Duplicate phone number conflicts.
	status, _ = f.request(t, http.MethodPost, "/api/lines", map[string]any{
		"phone_number": "5511000000001",
	})
	if status != http.StatusConflict {
		t.Fatalf("duplicate line status = %d, want 409", status)
	}

	status, _ = f.request(t, http.MethodPost, "/api/operators", map[string]any{
		"name": "alice", "segment": 1, "role": "supervisor",
	})
	if status != http.StatusCreated {
		t.Fatalf("operator create status = %d", status)
	}
	status, _ = f.request(t, http.MethodPost, "/api/operators", map[string]any{
		"name": "bob", "role": "king",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("invalid role status = %d, want 400", status)
	}

	status, body = f.request(t, http.MethodGet, "/api/lines", nil)
	if status != http.StatusOK || len(body["lines"].([]any)) != 1 {
		t.Fatalf("line list = %d %v", status, body)
	}
	status, body = f.request(t, http.MethodGet, "/api/operators", nil)
	if status != http.StatusOK || len(body["operators"].([]any)) != 1 {
		t.Fatalf("operator list = %d %v", status, body)
	}
}

func TestOverview(t *testing.T) {
	f := newFixture(t)
	line := f.seedLine(t, "5511000000001", 1, "cred-1")
	op := f.seedOperator(t, "alice", 1)
	if err := allocator.Bind(f.db, line.ID, op.ID); err != nil {
		t.Fatalf("bind: %v", err)
	}
	f.db.Create(&models.Line{PhoneNumber: "5511000000002", Status: models.LineBanned})
	f.db.Create(&models.Conversation{ContactPhone: "5511999990000", OperatorID: &op.ID, Segment: 1})
	detach := f.registry.Connect(op.ID, &recordingConn{})
	defer detach()

	status, body := f.request(t, http.MethodGet, "/api/overview", nil)
	if status != http.StatusOK {
		t.Fatalf("overview status = %d", status)
	}
	checks := map[string]float64{
		"active_lines":       1,
		"banned_lines":       1,
		"online_operators":   1,
		"open_conversations": 1,
	}
	for key, want := range checks {
		if got := body[key].(float64); got != want {
			t.Errorf("%s = %v, want %v", key, got, want)
		}
	}
}

func TestLineOverview_Occupancy(t *testing.T) {
	f := newFixture(t)
	line := f.seedLine(t, "5511000000001", 1, "cred-1")
	a := f.seedOperator(t, "alice", 1)
	b := f.seedOperator(t, "bob", 1)
	for _, op := range []*models.Operator{a, b} {
		if err := allocator.Bind(f.db, line.ID, op.ID); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}

	rows, err := LineOverview(f.db)
	if err != nil {
		t.Fatalf("LineOverview: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].FreeSlots != 0 || len(rows[0].Operators) != 2 {
		t.Fatalf("unexpected occupancy: %+v", rows[0])
	}
	if rows[0].Operators[0] != "alice" {
		t.Fatalf("first bound operator = %s, want alice (binding order)", rows[0].Operators[0])
	}
}
