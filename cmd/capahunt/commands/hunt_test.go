package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/capahunt/capahunt/pkg/classify"
	"github.com/capahunt/capahunt/pkg/config"
	"github.com/capahunt/capahunt/pkg/coordinator"
	"github.com/capahunt/capahunt/pkg/notify"
	"github.com/capahunt/capahunt/pkg/provision"
	"github.com/capahunt/capahunt/pkg/schedule"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Region: "eu-frankfurt-1",
		Profiles: []config.ProfileConfig{
			{Name: "a1-flex", Shape: "VM.Standard.A1.Flex", Zones: []string{"AD-1"}},
			{Name: "micro", Shape: "VM.Standard.E2.1.Micro", Zones: []string{"AD-1"}},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestSelectProfilesAll(t *testing.T) {
	cfg := testConfig()
	got, err := selectProfiles(cfg, nil)
	if err != nil {
		t.Fatalf("selectProfiles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected all profiles, got %d", len(got))
	}
}

func TestSelectProfilesFilter(t *testing.T) {
	cfg := testConfig()
	got, err := selectProfiles(cfg, []string{"micro"})
	if err != nil {
		t.Fatalf("selectProfiles: %v", err)
	}
	if len(got) != 1 || got[0].Name != "micro" {
		t.Fatalf("expected only micro, got %+v", got)
	}
}

func TestSelectProfilesUnknown(t *testing.T) {
	cfg := testConfig()
	if _, err := selectProfiles(cfg, []string{"nope"}); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestScheduleOutcomeMapping(t *testing.T) {
	cases := []struct {
		status coordinator.Status
		want   schedule.Outcome
	}{
		{coordinator.StatusSuccess, schedule.OutcomeSuccess},
		{coordinator.StatusCapacityExhausted, schedule.OutcomeCapacityFailure},
		{coordinator.StatusFailure, schedule.OutcomeAttempt},
		{coordinator.StatusTimeout, schedule.OutcomeAttempt},
	}
	for _, tc := range cases {
		agg := &coordinator.Aggregate{Status: tc.status}
		if got := scheduleOutcome(agg); got != tc.want {
			t.Errorf("status %s: got %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestPrintAggregate(t *testing.T) {
	now := time.Now()
	agg := &coordinator.Aggregate{
		RunID:      "run-1",
		Status:     coordinator.StatusSuccess,
		StartedAt:  now,
		FinishedAt: now.Add(90 * time.Second),
		Results: []*provision.Result{
			{
				Profile:    "a1-flex",
				Outcome:    provision.OutcomeCreated,
				Zone:       "AD-2",
				ResourceID: "ocid1.instance.oc1.fra.abc123",
			},
			{
				Profile: "micro",
				Outcome: provision.OutcomeCapacity,
			},
		},
	}

	var buf bytes.Buffer
	if err := printAggregate(&buf, agg); err != nil {
		t.Fatalf("printAggregate: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"run-1", "success", "a1-flex", "AD-2", "ocid1.instance.oc1.fra.abc123", "micro"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestExitErrorMessage(t *testing.T) {
	err := &ExitError{Code: classify.ExitCapacity}
	if !strings.Contains(err.Error(), "2") {
		t.Errorf("bare exit error should mention the code, got %q", err.Error())
	}
	err = &ExitError{Code: classify.ExitFatal, Message: "bad config"}
	if err.Error() != "bad config" {
		t.Errorf("got %q", err.Error())
	}
}

func TestNotificationSeverityMapping(t *testing.T) {
	failedWith := func(class classify.Classification) *coordinator.Aggregate {
		return &coordinator.Aggregate{
			Status: coordinator.StatusFailure,
			Results: []*provision.Result{
				{Profile: "a1-flex", Outcome: provision.OutcomeFailed, Classification: class},
			},
		}
	}

	cases := []struct {
		name string
		agg  *coordinator.Aggregate
		want notify.Severity
	}{
		{"success", &coordinator.Aggregate{Status: coordinator.StatusSuccess}, notify.SeveritySuccess},
		{"capacity", &coordinator.Aggregate{Status: coordinator.StatusCapacityExhausted}, notify.SeverityInfo},
		{"timeout", &coordinator.Aggregate{Status: coordinator.StatusTimeout}, notify.SeverityWarning},
		{"network failure", failedWith(classify.Network), notify.SeverityError},
		{"auth failure", failedWith(classify.Auth), notify.SeverityCritical},
		{"config failure", failedWith(classify.Config), notify.SeverityCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := notificationSeverity(tc.agg)
			if got != tc.want {
				t.Errorf("severity = %s, want %s", got, tc.want)
			}
		})
	}
}
