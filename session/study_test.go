package session

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tradingiq/tradingview-client/types"
)

const volumeID = "Volume@tv-basicstudies-241"

func newStudyChart(t *testing.T) (*Chart, *fakeSender, *Registry, *Router) {
	t.Helper()
	c, sender, registry := newTestChart(t)
	if err := c.SetMarket("BINANCE:BTCEUR", types.MarketConfig{}); err != nil {
		t.Fatal(err)
	}
	return c, sender, registry, NewRouter(registry, nil)
}

func studyData(id string, update map[string]any) map[string]any {
	return map[string]any{id: update}
}

func TestStudy_CreateFrame(t *testing.T) {
	c, sender, _, _ := newStudyChart(t)

	ind := types.NewBuiltInIndicator(volumeID)
	ind.Options["length"] = 20
	s, err := c.NewStudy(ind)
	if err != nil {
		t.Fatalf("NewStudy: %v", err)
	}

	create := sender.last(t, "create_study")
	got := []string{create.StringParam(0), create.StringParam(1), create.StringParam(2), create.StringParam(3), create.StringParam(4)}
	want := []string{c.ID(), s.ID(), "st1", "$prices", volumeID}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("create_study mismatch (-want +got):\n%s", diff)
	}

	var inputs map[string]any
	if err := create.Param(5, &inputs); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"length": float64(20)}, inputs); diff != "" {
		t.Errorf("inputs mismatch (-want +got):\n%s", diff)
	}
}

func TestStudy_ScriptNeedsToken(t *testing.T) {
	c, sender, registry, _ := newStudyChart(t)
	sender.reset()

	tests := []struct {
		name string
		ind  types.Indicator
	}{
		{"no token", types.Indicator{Kind: types.IndicatorScript, ID: "PUB;abc", Script: "bmF0aXZl"}},
		{"no script", types.Indicator{Kind: types.IndicatorScript, ID: "PUB;abc", Token: "tok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.NewStudy(tt.ind)
			var unavailable *types.IndicatorUnavailableError
			if !errors.As(err, &unavailable) {
				t.Fatalf("NewStudy = %v, expected IndicatorUnavailableError", err)
			}
		})
	}
	if len(sender.packets()) != 0 {
		t.Errorf("sent %v for unusable indicators", sender.methods())
	}
	if registry.Len() != 1 {
		t.Errorf("registry holds %d sessions, expected only the chart", registry.Len())
	}
}

func TestStudy_ReadyAndPlots(t *testing.T) {
	c, _, _, router := newStudyChart(t)

	ind := types.NewBuiltInIndicator(volumeID)
	ind.Plots = map[string]string{"plot_0": "Volume"}
	s, err := c.NewStudy(ind)
	if err != nil {
		t.Fatal(err)
	}

	ready := 0
	var updates []StudyUpdate
	s.OnReady(func() { ready++ })
	s.OnUpdate(func(u StudyUpdate) { updates = append(updates, u) })

	router.Route(packet(t, "timescale_update", c.ID(), studyData(s.ID(), map[string]any{
		"st": []map[string]any{
			{"i": 0, "v": []float64{100, 5, 1}},
			{"i": 1, "v": []float64{200, 7, 0}},
		},
	})))
	router.Route(packet(t, "study_completed", c.ID(), s.ID(), "st1"))
	router.Route(packet(t, "study_completed", c.ID(), s.ID(), "st1"))
	router.Route(packet(t, "du", c.ID(), studyData(s.ID(), map[string]any{
		"st": []map[string]any{{"i": 1, "v": []float64{200, 9}}},
	})))

	if ready != 1 {
		t.Errorf("OnReady fired %d times, expected 1", ready)
	}
	if len(updates) != 2 {
		t.Fatalf("OnUpdate fired %d times, expected 2", len(updates))
	}
	if !s.Ready() {
		t.Error("expected study to be ready")
	}

	want := []types.StudyPeriod{
		{Time: 100, Plots: map[string]float64{"Volume": 5, "plot_1": 1}},
		{Time: 200, Plots: map[string]float64{"Volume": 9, "plot_1": 0}},
	}
	if diff := cmp.Diff(want, s.Periods()); diff != "" {
		t.Errorf("periods mismatch (-want +got):\n%s", diff)
	}
}

func TestStudy_ErrorsAreIsolated(t *testing.T) {
	c, _, _, router := newStudyChart(t)

	a, _ := c.NewStudy(types.NewBuiltInIndicator(volumeID))
	b, _ := c.NewStudy(types.NewBuiltInIndicator("RSI@tv-basicstudies-241"))

	var aErrs, bErrs, chartErrs []error
	a.OnError(func(err error) { aErrs = append(aErrs, err) })
	b.OnError(func(err error) { bErrs = append(bErrs, err) })
	c.OnError(func(err error) { chartErrs = append(chartErrs, err) })
	bUpdates := 0
	b.OnUpdate(func(StudyUpdate) { bUpdates++ })

	router.Route(packet(t, "study_error", c.ID(), a.ID(), "st1", "compute failed"))
	router.Route(packet(t, "du", c.ID(), studyData(b.ID(), map[string]any{
		"st": []map[string]any{{"i": 0, "v": []float64{100, 50}}},
	})))

	if len(aErrs) != 1 {
		t.Fatalf("study a errors = %d, expected 1", len(aErrs))
	}
	var studyErr *types.StudyError
	if !errors.As(aErrs[0], &studyErr) || studyErr.Detail != "compute failed" {
		t.Errorf("error = %v", aErrs[0])
	}
	if len(bErrs) != 0 || len(chartErrs) != 0 {
		t.Errorf("error leaked: study b %v, chart %v", bErrs, chartErrs)
	}
	if bUpdates != 1 {
		t.Errorf("study b updates = %d, expected 1", bUpdates)
	}
}

func TestStudy_ScriptAccessDenied(t *testing.T) {
	c, _, _, router := newStudyChart(t)

	s, err := c.NewStudy(types.Indicator{Kind: types.IndicatorScript, ID: "USER;x", Version: "1", Script: "enc", Token: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	var got error
	s.OnError(func(err error) { got = err })

	router.Route(packet(t, "study_error", c.ID(), s.ID(), "st1", "Permission denied"))

	var unavailable *types.IndicatorUnavailableError
	if !errors.As(got, &unavailable) || unavailable.Indicator != "USER;x" {
		t.Errorf("error = %v, expected IndicatorUnavailableError", got)
	}
}

func TestStudy_SetOptionReattaches(t *testing.T) {
	c, sender, registry, router := newStudyChart(t)

	s, err := c.NewStudy(types.NewBuiltInIndicator(volumeID))
	if err != nil {
		t.Fatal(err)
	}
	oldID := s.ID()
	ready := 0
	s.OnReady(func() { ready++ })
	router.Route(packet(t, "study_completed", c.ID(), oldID, "st1"))
	sender.reset()

	if err := s.SetOption("length", 50); err != nil {
		t.Fatalf("SetOption: %v", err)
	}

	newID := s.ID()
	if newID == oldID {
		t.Fatal("expected a fresh study id")
	}
	if diff := cmp.Diff([]string{"remove_study", "create_study"}, sender.methods()); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	if got := sender.last(t, "remove_study").StringParam(1); got != oldID {
		t.Errorf("removed %q, expected %q", got, oldID)
	}
	if got := sender.last(t, "create_study").StringParam(1); got != newID {
		t.Errorf("created %q, expected %q", got, newID)
	}
	if _, ok := registry.Lookup(oldID); ok {
		t.Error("old id still registered")
	}
	if _, ok := registry.Lookup(newID); !ok {
		t.Error("new id not registered")
	}
	if s.Ready() {
		t.Error("expected study to wait for a new computation")
	}

	router.Route(packet(t, "study_completed", c.ID(), oldID, "st1"))
	router.Route(packet(t, "study_completed", c.ID(), newID, "st1"))
	if ready != 2 {
		t.Errorf("OnReady fired %d times, expected 2", ready)
	}

	if err := s.SetOption("length", "x"); err != nil {
		t.Errorf("built-in options accept any value: %v", err)
	}
	script, _ := c.NewStudy(types.Indicator{Kind: types.IndicatorScript, ID: "PUB;a", Script: "s", Token: "t",
		Inputs: []types.IndicatorInput{{ID: "in_0", Name: "Length", Type: "integer", Value: 14}}})
	if err := script.SetOption("Missing", 1); err == nil {
		t.Error("expected unknown script input to fail")
	}
}

func TestStudy_DeleteIdempotent(t *testing.T) {
	c, sender, registry, _ := newStudyChart(t)

	s, _ := c.NewStudy(types.NewBuiltInIndicator(volumeID))
	sender.reset()

	if err := s.Delete(); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"remove_study"}, sender.methods()); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	if len(c.Studies()) != 0 {
		t.Error("chart still lists the study")
	}
	if registry.Len() != 1 {
		t.Errorf("registry holds %d sessions, expected only the chart", registry.Len())
	}
}

func TestStudy_Graphics(t *testing.T) {
	c, _, _, router := newStudyChart(t)
	s, _ := c.NewStudy(types.NewBuiltInIndicator(volumeID))

	var updates []StudyUpdate
	s.OnUpdate(func(u StudyUpdate) { updates = append(updates, u) })

	send := func(cmds map[string]any) {
		d, err := json.Marshal(map[string]any{"graphicsCmds": cmds})
		if err != nil {
			t.Fatal(err)
		}
		router.Route(packet(t, "du", c.ID(), studyData(s.ID(), map[string]any{
			"ns": map[string]any{"d": string(d)},
		})))
	}

	send(map[string]any{"create": map[string]any{
		"dwglabels": []map[string]any{{"data": []map[string]any{{"id": 1, "t": "a"}, {"id": 2, "t": "b"}}}},
		"dwglines":  []map[string]any{{"data": []map[string]any{{"id": 7}}}},
	}})
	send(map[string]any{"erase": []map[string]any{{"action": "one", "type": "dwglabels", "id": 1}}})
	send(map[string]any{"erase": []map[string]any{{"action": "all", "type": "dwglines"}}})

	g := s.Graphics()
	if len(g["dwglabels"]) != 1 || g["dwglabels"]["2"] == nil {
		t.Errorf("labels = %v, expected only id 2", g["dwglabels"])
	}
	if _, ok := g["dwglines"]; ok {
		t.Error("expected lines to be erased")
	}
	if len(updates) != 3 {
		t.Fatalf("updates = %d, expected 3", len(updates))
	}
	if _, ok := updates[1].Graphics["dwglabels"]; !ok {
		t.Errorf("second update did not report labels: %v", updates[1].Graphics)
	}
}

func TestGraphics_Apply(t *testing.T) {
	g := Graphics{}
	changed := g.Apply(&graphicsCommands{Create: map[string][]graphicsBatch{
		"dwgboxes": {{Data: []json.RawMessage{json.RawMessage(`{"id":"x"}`), json.RawMessage(`{"noid":1}`)}}},
	}})
	if diff := cmp.Diff([]string{"dwgboxes"}, changed); diff != "" {
		t.Errorf("changed mismatch (-want +got):\n%s", diff)
	}
	if len(g["dwgboxes"]) != 1 {
		t.Errorf("boxes = %v", g["dwgboxes"])
	}

	if changed := g.Apply(&graphicsCommands{Erase: []graphicsErase{{Action: "all"}}}); len(changed) != 1 || len(g) != 0 {
		t.Errorf("erase all changed %v, left %v", changed, g)
	}
	if changed := g.Apply(nil); changed != nil {
		t.Errorf("nil commands changed %v", changed)
	}
}
