package progress

import (
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"run start minimal", Event{RunID: "r", TS: now, Stage: StageRunStart}, false},
		{"run done with duration", Event{RunID: "r", TS: now, Stage: StageRunDone, Dur: time.Minute}, false},
		{"fetch done complete", Event{RunID: "r", TS: now, Stage: StageFetchDone, Host: "example.com", StatusClass: Status2xx}, false},
		{"fetch failed complete", Event{RunID: "r", TS: now, Stage: StageFetchFailed, Host: "example.com", Reason: "timeout"}, false},
		{"record stored complete", Event{RunID: "r", TS: now, Stage: StageRecordStored, Host: "example.com"}, false},
		{"unit dropped complete", Event{RunID: "r", TS: now, Stage: StageUnitDropped, Reason: "depth"}, false},
		{"missing run id", Event{TS: now, Stage: StageRunStart}, true},
		{"missing timestamp", Event{RunID: "r", Stage: StageRunStart}, true},
		{"fetch done without status class", Event{RunID: "r", TS: now, Stage: StageFetchDone, Host: "example.com"}, true},
		{"fetch failed without reason", Event{RunID: "r", TS: now, Stage: StageFetchFailed, Host: "example.com"}, true},
		{"record stored without host", Event{RunID: "r", TS: now, Stage: StageRecordStored}, true},
		{"unknown stage", Event{RunID: "r", TS: now, Stage: Stage("NOPE")}, true},
		{"negative duration", Event{RunID: "r", TS: now, Stage: StageRunDone, Dur: -time.Second}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int
		want StatusClass
	}{
		{200, Status2xx},
		{204, Status2xx},
		{301, Status3xx},
		{404, Status4xx},
		{429, Status4xx},
		{500, Status5xx},
		{503, Status5xx},
		{0, StatusOther},
		{999, StatusOther},
	}
	for _, tc := range cases {
		if got := ClassifyStatus(tc.code); got != tc.want {
			t.Errorf("ClassifyStatus(%d) = %q, want %q", tc.code, got, tc.want)
		}
	}
}
