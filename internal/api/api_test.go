package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/pillbox/internal/alarm"
	"github.com/MrWong99/pillbox/internal/extraction"
	"github.com/MrWong99/pillbox/internal/scan"
	"github.com/MrWong99/pillbox/internal/store"
	"github.com/MrWong99/pillbox/pkg/provider/extract"
	"github.com/MrWong99/pillbox/pkg/provider/extract/mock"
	"github.com/MrWong99/pillbox/pkg/types"
)

const amoxicillin = `[{"name":"Amoxicillin","dosage":"250mg","frequency":"TDS","times_per_day":3,"meal_timing":"after meals"}]`

var fixedNow = time.Date(2026, 3, 14, 7, 0, 0, 0, time.Local)

type env struct {
	srv       *httptest.Server
	store     *store.MemStore
	registrar *alarm.TimerRegistrar
}

func newEnv(t *testing.T, p extract.Provider, credentials ...string) *env {
	t.Helper()
	st := store.NewMemStore()
	clock := func() time.Time { return fixedNow }
	reg := alarm.NewTimerRegistrar(alarm.WithTimerClock(clock))
	t.Cleanup(reg.Close)

	pl := scan.New(scan.Config{
		Rotator:      extraction.NewRotator(credentials, st),
		Orchestrator: extraction.New(p),
		Models:       []string{"model-a"},
		Anchors:      types.DefaultMealAnchors(),
		Store:        st,
		Scheduler:    alarm.NewScheduler(reg, nil, alarm.WithClock(clock)),
	})
	srv := httptest.NewServer(New(pl, st, WithClock(clock)).Routes())
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: st, registrar: reg}
}

// do sends a request and decodes the JSON response into out when non-nil.
func (e *env) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestCreateScan(t *testing.T) {
	t.Parallel()

	e := newEnv(t, &mock.Provider{Fallback: mock.Response{Text: amoxicillin}}, "key")

	var preview scanResponse
	if code := e.do(t, "POST", "/v1/scans", `{"text":"Amoxicillin 250mg TDS"}`, &preview); code != http.StatusOK {
		t.Fatalf("preview status = %d", code)
	}
	if preview.ScanID == "" || len(preview.Medicines) != 1 || len(preview.Slots) != 3 || preview.Saved != nil {
		t.Errorf("preview = %+v", preview)
	}

	var saved scanResponse
	if code := e.do(t, "POST", "/v1/scans", `{"text":"Amoxicillin 250mg TDS","save":true}`, &saved); code != http.StatusCreated {
		t.Fatalf("save status = %d", code)
	}
	if saved.Saved == nil || len(saved.Saved.Alarms) != 3 || saved.Saved.Registered != 3 {
		t.Fatalf("saved = %+v", saved.Saved)
	}
	if e.registrar.Len() != 3 {
		t.Errorf("armed = %d", e.registrar.Len())
	}
}

func TestCreateScan_NoMedicinesIs422WithTrace(t *testing.T) {
	t.Parallel()

	e := newEnv(t, &mock.Provider{Fallback: mock.Response{Text: "I cannot read this."}}, "key")
	var res scanResponse
	if code := e.do(t, "POST", "/v1/scans", `{"text":"smudge","save":true}`, &res); code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", code)
	}
	if len(res.Trace) == 0 || res.Saved != nil {
		t.Errorf("trace %v saved %v", res.Trace, res.Saved)
	}
	if meds, _ := e.store.ListMedicines(context.Background(), false); len(meds) != 0 {
		t.Errorf("persisted %d medicines", len(meds))
	}
}

func TestCreateScan_BadRequests(t *testing.T) {
	t.Parallel()

	e := newEnv(t, &mock.Provider{}, "key")
	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty text", `{"text":"  "}`, http.StatusBadRequest},
		{"not json", `text=1`, http.StatusBadRequest},
		{"unknown field", `{"text":"x","colour":"red"}`, http.StatusBadRequest},
		{"trailing data", `{"text":"x"}{}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var body errorBody
			if code := e.do(t, "POST", "/v1/scans", tc.body, &body); code != tc.want {
				t.Errorf("status = %d, want %d (%s)", code, tc.want, body.Error)
			}
			if body.Error == "" {
				t.Error("missing error message")
			}
		})
	}
}

func TestCreateScan_BodyTooLarge(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	h := New(scan.New(scan.Config{
		Rotator:      extraction.NewRotator(nil, st),
		Orchestrator: extraction.New(&mock.Provider{}),
		Store:        st,
	}), st)

	body := `{"text":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/scans", strings.NewReader(body)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestMedicineRoutes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, &mock.Provider{}, "key")
	med, _ := e.store.AddMedicine(ctx, types.Medicine{Name: "Metformin", Dosage: "500mg", TimesPerDay: 2, Compartment: 1})
	gone, _ := e.store.AddMedicine(ctx, types.Medicine{Name: "Old pill", TimesPerDay: 1})
	_ = e.store.DeactivateMedicine(ctx, gone.ID)

	var active, all []types.Medicine
	e.do(t, "GET", "/v1/medicines", "", &active)
	e.do(t, "GET", "/v1/medicines?all=true", "", &all)
	if len(active) != 1 || len(all) != 2 {
		t.Errorf("active %d all %d", len(active), len(all))
	}

	var got types.Medicine
	if code := e.do(t, "GET", "/v1/medicines/1", "", &got); code != http.StatusOK || got.Name != "Metformin" {
		t.Errorf("get: %d %+v", code, got)
	}
	if code := e.do(t, "GET", "/v1/medicines/99", "", nil); code != http.StatusNotFound {
		t.Errorf("missing: %d", code)
	}
	if code := e.do(t, "GET", "/v1/medicines/abc", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad id: %d", code)
	}

	var regen scan.Saved
	if code := e.do(t, "POST", "/v1/medicines/1/schedule", "", &regen); code != http.StatusOK || len(regen.Alarms) != 2 {
		t.Errorf("regenerate: %d %+v", code, regen)
	}
	if code := e.do(t, "POST", "/v1/medicines/2/schedule", "", nil); code != http.StatusConflict {
		t.Errorf("regenerate inactive: %d", code)
	}

	if code := e.do(t, "DELETE", "/v1/medicines/1", "", nil); code != http.StatusNoContent {
		t.Errorf("delete: %d", code)
	}
	if e.registrar.Len() != 0 {
		t.Errorf("alarms still armed after delete: %d", e.registrar.Len())
	}
	if m, _ := e.store.GetMedicine(ctx, med.ID); m.Active {
		t.Error("medicine still active")
	}
}

func TestAlarmRoutes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, &mock.Provider{}, "key")
	_, _ = e.store.AddMedicine(ctx, types.Medicine{Name: "Levothyroxine", Dosage: "50mcg", TimesPerDay: 1, Compartment: 2})

	var created scan.AlarmChange
	code := e.do(t, "POST", "/v1/alarms", `{"medicine_id":1,"time":"06:30","label":"Before breakfast"}`, &created)
	if code != http.StatusCreated {
		t.Fatalf("create: %d", code)
	}
	if created.Alarm.Hour != 6 || created.Alarm.Minute != 30 || created.Alarm.AutoGenerated || created.Alarm.Compartment != 2 {
		t.Errorf("created = %+v", created.Alarm)
	}

	for _, bad := range []string{`{"medicine_id":1,"time":"6h"}`, `{"time":"06:00"}`} {
		if code := e.do(t, "POST", "/v1/alarms", bad, nil); code != http.StatusBadRequest {
			t.Errorf("create %s: %d", bad, code)
		}
	}
	if code := e.do(t, "POST", "/v1/alarms", `{"medicine_id":7,"time":"06:00"}`, nil); code != http.StatusNotFound {
		t.Errorf("create for unknown medicine: %d", code)
	}

	var updated scan.AlarmChange
	if code := e.do(t, "PATCH", "/v1/alarms/1", `{"enabled":false}`, &updated); code != http.StatusOK || updated.Alarm.Enabled {
		t.Errorf("disable: %d %+v", code, updated.Alarm)
	}
	if code := e.do(t, "PATCH", "/v1/alarms/1", `{}`, nil); code != http.StatusBadRequest {
		t.Errorf("patch without enabled: %d", code)
	}

	var enabled []types.Alarm
	e.do(t, "GET", "/v1/alarms?enabled=true", "", &enabled)
	if len(enabled) != 0 {
		t.Errorf("enabled alarms = %+v", enabled)
	}
	var byMed []types.Alarm
	e.do(t, "GET", "/v1/alarms?medicine_id=1", "", &byMed)
	if len(byMed) != 1 {
		t.Errorf("alarms for medicine 1 = %d", len(byMed))
	}

	if code := e.do(t, "DELETE", "/v1/alarms/1", "", nil); code != http.StatusNoContent {
		t.Errorf("delete: %d", code)
	}
	if code := e.do(t, "DELETE", "/v1/alarms/1", "", nil); code != http.StatusNotFound {
		t.Errorf("second delete: %d", code)
	}
}

func TestDoseRoutes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, &mock.Provider{}, "key")
	for i := range 3 {
		_, _ = e.store.AddDoseLog(ctx, types.DoseLog{
			AlarmID:      1,
			MedicineID:   int64(i%2 + 1),
			MedicineName: "Aspirin",
			ScheduledAt:  fixedNow.Add(time.Duration(i) * time.Hour),
			Status:       types.DosePending,
		})
	}

	var updated types.DoseLog
	if code := e.do(t, "PATCH", "/v1/doses/2", `{"status":"taken"}`, &updated); code != http.StatusOK {
		t.Fatalf("patch: %d", code)
	}
	if updated.Status != types.DoseTaken || !updated.UpdatedAt.Equal(fixedNow) {
		t.Errorf("updated = %+v", updated)
	}
	if code := e.do(t, "PATCH", "/v1/doses/2", `{"status":"forgotten"}`, nil); code != http.StatusBadRequest {
		t.Errorf("invalid status: %d", code)
	}
	if code := e.do(t, "PATCH", "/v1/doses/9", `{"status":"missed"}`, nil); code != http.StatusNotFound {
		t.Errorf("unknown dose: %d", code)
	}

	var taken, limited, med1 []types.DoseLog
	e.do(t, "GET", "/v1/doses?status=taken", "", &taken)
	e.do(t, "GET", "/v1/doses?limit=2", "", &limited)
	e.do(t, "GET", "/v1/doses?medicine_id=1", "", &med1)
	if len(taken) != 1 || len(limited) != 2 || len(med1) != 2 {
		t.Errorf("taken %d limited %d medicine 1 %d", len(taken), len(limited), len(med1))
	}
	if code := e.do(t, "GET", "/v1/doses?status=lost", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad status filter: %d", code)
	}
}

func TestCredentials_Masked(t *testing.T) {
	t.Parallel()

	key := "AIzaSyA-0123456789abcdefghijklmnop"
	e := newEnv(t, &mock.Provider{}, key, "AIzaSyB-0123456789abcdefghijklmnop")

	resp, err := http.Get(e.srv.URL + "/v1/debug/credentials")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(raw), key) {
		t.Fatalf("response leaks a credential: %s", raw)
	}

	var info extraction.DebugInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatal(err)
	}
	if info.Count != 2 || info.Cursor != -1 || len(info.Masked) != 2 {
		t.Errorf("info = %+v", info)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrInvalid, http.StatusBadRequest},
		{scan.ErrInactive, http.StatusConflict},
		{badRequest("x"), http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
