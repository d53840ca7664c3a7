package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/pillbox/internal/medparse"
	"github.com/MrWong99/pillbox/internal/observe"
	"github.com/MrWong99/pillbox/internal/resilience"
	"github.com/MrWong99/pillbox/pkg/types"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

var anchors = types.MealAnchors{
	Morning:   types.MustParseClock("08:00"),
	Afternoon: types.MustParseClock("13:30"),
	Night:     types.MustParseClock("21:00"),
}

func TestGenerate_Policy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tpd  int
		want []types.SlotLabel
	}{
		{1, []types.SlotLabel{types.LabelMorning}},
		{2, []types.SlotLabel{types.LabelMorning, types.LabelNight}},
		{3, []types.SlotLabel{types.LabelMorning, types.LabelAfternoon, types.LabelNight}},
		{0, []types.SlotLabel{types.LabelMorning}},
		{4, []types.SlotLabel{types.LabelMorning}},
		{5, []types.SlotLabel{types.LabelMorning}},
		{-1, []types.SlotLabel{types.LabelMorning}},
	}
	for _, tc := range tests {
		meds := []types.Medicine{{Name: "A", Dosage: "5mg"}}
		slots := Generate(meds, map[string]int{"A": tc.tpd}, anchors)

		var got []types.SlotLabel
		for _, s := range slots {
			got = append(got, s.Label)
			if s.Compartment != 1 {
				t.Errorf("tpd=%d: compartment = %d, want 1", tc.tpd, s.Compartment)
			}
			if s.Time() != anchors.At(s.Label) {
				t.Errorf("tpd=%d: %s slot at %s, want anchor %s", tc.tpd, s.Label, s.Time(), anchors.At(s.Label))
			}
		}
		if !slices.Equal(got, tc.want) {
			t.Errorf("tpd=%d: labels = %v, want %v", tc.tpd, got, tc.want)
		}
	}
}

func TestGenerate_TwiceDailyExample(t *testing.T) {
	t.Parallel()

	a := types.MealAnchors{Morning: types.MustParseClock("08:00"), Night: types.MustParseClock("21:00")}
	slots := Generate([]types.Medicine{{Name: "A"}}, map[string]int{"A": 2}, a)

	want := []types.Slot{
		{MedicineIndex: 0, MedicineName: "A", Hour: 8, Minute: 0, Label: types.LabelMorning, Compartment: 1},
		{MedicineIndex: 0, MedicineName: "A", Hour: 21, Minute: 0, Label: types.LabelNight, Compartment: 1},
	}
	if !slices.Equal(slots, want) {
		t.Errorf("slots = %+v, want %+v", slots, want)
	}
}

func TestGenerate_CompartmentsAndFallback(t *testing.T) {
	t.Parallel()

	meds := []types.Medicine{
		{Name: "Amox", TimesPerDay: 3},
		{Name: "Dolo"},
		{Name: "Pan", TimesPerDay: 2},
	}
	// Dolo and Pan are missing from the map; Pan's own count applies.
	slots := Generate(meds, map[string]int{"Amox": 3}, anchors)

	byMed := map[string][]int{}
	for _, s := range slots {
		byMed[s.MedicineName] = append(byMed[s.MedicineName], s.Compartment)
	}
	if got := byMed["Amox"]; !slices.Equal(got, []int{1, 1, 1}) {
		t.Errorf("Amox compartments = %v", got)
	}
	if got := byMed["Dolo"]; !slices.Equal(got, []int{2}) {
		t.Errorf("Dolo compartments = %v", got)
	}
	if got := byMed["Pan"]; !slices.Equal(got, []int{3, 3}) {
		t.Errorf("Pan compartments = %v", got)
	}
}

func TestGenerate_EndToEndExample(t *testing.T) {
	t.Parallel()

	stub := `[{"name":"Paracetamol","dosage":"500mg","frequency":"OD","times_per_day":1,"meal_timing":"","duration":"5 days"}]`
	parsed := medparse.Parse(stub)
	slots := Generate(parsed.Medicines, parsed.TimesPerDay, types.DefaultMealAnchors())

	if len(slots) != 1 {
		t.Fatalf("slots = %+v, want one", slots)
	}
	if slots[0].Label != types.LabelMorning || slots[0].Time().String() != "08:00" {
		t.Errorf("slot = %+v, want morning at 08:00", slots[0])
	}
}

func TestBuildPayload(t *testing.T) {
	t.Parallel()

	meds := []types.Medicine{
		{Name: "Amox", Dosage: "500mg"},
		{Name: "Dolo", Dosage: "650mg"},
		{Name: "Pan", Dosage: "40mg"},
	}
	slots := Generate(meds, map[string]int{"Amox": 3, "Dolo": 1, "Pan": 2}, anchors)
	got := BuildPayload(slots, anchors)

	want := []Entry{
		{Time: "08:00", Label: "Morning", Compartments: []int{1, 2, 3}, Medicines: []string{"Amox 500mg", "Dolo 650mg", "Pan 40mg"}},
		{Time: "13:30", Label: "Afternoon", Compartments: []int{1}, Medicines: []string{"Amox 500mg"}},
		{Time: "21:00", Label: "Night", Compartments: []int{1, 3}, Medicines: []string{"Amox 500mg", "Pan 40mg"}},
	}
	if len(got) != len(want) {
		t.Fatalf("entries = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i].Time != want[i].Time || got[i].Label != want[i].Label ||
			!slices.Equal(got[i].Compartments, want[i].Compartments) ||
			!slices.Equal(got[i].Medicines, want[i].Medicines) {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestBuildPayload_OmitsEmptySlots(t *testing.T) {
	t.Parallel()

	slots := Generate([]types.Medicine{{Name: "Dolo", Dosage: "650mg"}}, map[string]int{"Dolo": 1}, anchors)
	got := BuildPayload(slots, anchors)
	if len(got) != 1 || got[0].Label != "Morning" {
		t.Fatalf("entries = %+v, want only Morning", got)
	}

	b, err := json.Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	const wantJSON = `[{"time":"08:00","label":"Morning","compartments":[1],"medicines":["Dolo 650mg"]}]`
	if string(b) != wantJSON {
		t.Errorf("json = %s, want %s", b, wantJSON)
	}

	if got := BuildPayload(nil, anchors); len(got) != 0 {
		t.Errorf("empty input produced %+v", got)
	}
}

func TestPayloadFromAlarms(t *testing.T) {
	t.Parallel()

	alarms := []types.Alarm{
		{MedicineName: "Pan", Dosage: "40mg", Hour: 21, Label: "Night", Compartment: 2, Enabled: true},
		{MedicineName: "Amox", Dosage: "500mg", Hour: 8, Label: "Morning", Compartment: 1, Enabled: true},
		{MedicineName: "Pan", Dosage: "40mg", Hour: 8, Label: "Morning", Compartment: 2, Enabled: true},
		{MedicineName: "Iron", Hour: 14, Minute: 15, Label: "Custom", Compartment: 3, Enabled: false},
		{MedicineName: "Note", Hour: 9, Label: "Custom", Enabled: true},
	}
	got := PayloadFromAlarms(alarms)
	if len(got) != 2 {
		t.Fatalf("entries = %+v, want 2", got)
	}
	if got[0].Time != "08:00" || !slices.Equal(got[0].Compartments, []int{1, 2}) {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Time != "21:00" || !slices.Equal(got[1].Medicines, []string{"Pan 40mg"}) {
		t.Errorf("second = %+v", got[1])
	}
}

func TestPayloadFromAlarms_PrefersAutoGeneratedLabel(t *testing.T) {
	t.Parallel()

	alarms := []types.Alarm{
		{MedicineName: "Zinc", Hour: 8, Label: "Custom", Compartment: 3, Enabled: true},
		{MedicineName: "Amox", Dosage: "500mg", Hour: 8, Label: "Morning", Compartment: 1, Enabled: true, AutoGenerated: true},
		{MedicineName: "Pan", Dosage: "40mg", Hour: 8, Label: "Breakfast", Compartment: 2, Enabled: true, AutoGenerated: true},
		{MedicineName: "Iron", Hour: 17, Label: "Custom", Compartment: 4, Enabled: true},
	}
	got := PayloadFromAlarms(alarms)
	if len(got) != 2 {
		t.Fatalf("entries = %+v, want 2", got)
	}
	if got[0].Label != "Morning" {
		t.Errorf("08:00 label = %q, want Morning", got[0].Label)
	}
	if !slices.Equal(got[0].Compartments, []int{3, 1, 2}) {
		t.Errorf("08:00 compartments = %v", got[0].Compartments)
	}
	if got[1].Label != "Custom" {
		t.Errorf("17:00 label = %q, want Custom", got[1].Label)
	}
}

func TestAlarmsFor(t *testing.T) {
	t.Parallel()

	med := types.Medicine{ID: 7, Name: "Pan", Dosage: "40mg"}
	slots := Generate([]types.Medicine{med}, map[string]int{"Pan": 2}, anchors)
	alarms := AlarmsFor(med, slots)
	if len(alarms) != 2 {
		t.Fatalf("alarms = %+v", alarms)
	}
	for _, a := range alarms {
		if a.MedicineID != 7 || !a.Enabled || !a.AutoGenerated || a.Compartment != 1 {
			t.Errorf("alarm = %+v", a)
		}
	}
	if alarms[1].Label != "Night" || alarms[1].Hour != 21 {
		t.Errorf("second alarm = %+v", alarms[1])
	}
}

// ---- publisher ----

func TestHTTPChannel_Deliver(t *testing.T) {
	t.Parallel()

	var got []Entry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("request = %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"status":"ok","jobs":1}`))
	}))
	t.Cleanup(srv.Close)

	entries := []Entry{{Time: "08:00", Label: "Morning", Compartments: []int{1}, Medicines: []string{"Dolo 650mg"}}}
	if err := NewHTTPChannel(srv.URL, time.Second).Deliver(context.Background(), entries); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(got) != 1 || got[0].Time != "08:00" {
		t.Errorf("server received %+v", got)
	}
}

func TestHTTPChannel_Non2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"status":"error"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	err := NewHTTPChannel(srv.URL, time.Second).Deliver(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for HTTP 400")
	}
}

func TestPublisher_FallsBackAndTripsBreaker(t *testing.T) {
	t.Parallel()

	var httpCalls, deviceCalls atomic.Int32
	primary := ChannelFunc(func(context.Context, []Entry) error {
		httpCalls.Add(1)
		return errors.New("connection refused")
	})
	device := ChannelFunc(func(context.Context, []Entry) error {
		deviceCalls.Add(1)
		return nil
	})

	p := NewPublisher([]NamedChannel{{"http", primary}, {"device", device}},
		resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}, testMetrics(t))

	for range 4 {
		name, err := p.Publish(context.Background(), nil)
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if name != "device" {
			t.Errorf("channel = %q, want device", name)
		}
	}
	if httpCalls.Load() != 2 {
		t.Errorf("http calls = %d, want 2 (breaker opens after two failures)", httpCalls.Load())
	}
	if deviceCalls.Load() != 4 {
		t.Errorf("device calls = %d, want 4", deviceCalls.Load())
	}
	if st := p.Status(); len(st) != 2 || st[0].State != "open" {
		t.Errorf("Status = %+v", st)
	}
}

func TestPublisher_Disabled(t *testing.T) {
	t.Parallel()

	p := NewPublisher(nil, resilience.CircuitBreakerConfig{}, testMetrics(t))
	if _, err := p.Publish(context.Background(), nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
	var nilP *Publisher
	if _, err := nilP.Publish(context.Background(), nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("nil publisher err = %v, want ErrDisabled", err)
	}
	if p.Status() != nil {
		t.Error("disabled publisher reports status")
	}
}

func TestPublisher_AllFail(t *testing.T) {
	t.Parallel()

	fail := ChannelFunc(func(context.Context, []Entry) error { return errors.New("down") })
	p := NewPublisher([]NamedChannel{{"http", fail}}, resilience.CircuitBreakerConfig{}, testMetrics(t))
	if _, err := p.Publish(context.Background(), nil); !errors.Is(err, resilience.ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}
