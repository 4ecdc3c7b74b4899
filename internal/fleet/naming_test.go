package fleet

import (
	"strings"
	"testing"
	"time"

	"cattle-orchestrator/internal/models"
)

func TestServerName(t *testing.T) {
	at := time.Unix(1767225600, 0)
	if got := ServerName("Rex", at); got != "cattle-rex-1767225600" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := ServerName("!!!", at); got != "cattle-id-1767225600" {
		t.Fatalf("unexpected fallback name %q", got)
	}
	long := ServerName(strings.Repeat("ab-", 40), at)
	if len(long) > 63 || !strings.HasSuffix(long, "-1767225600") || strings.Contains(long, "--") {
		t.Fatalf("bad long name %q (%d chars)", long, len(long))
	}
}

func TestLabelValue(t *testing.T) {
	cases := map[string]string{
		"rex":                   "rex",
		"Task_1.2":              "Task_1.2",
		"hello world!":          "hello-world",
		"  ":                    "fallback",
		"-lead":                 "lead",
		"ünïcödé":               "n-c-d",
		strings.Repeat("x", 80): strings.Repeat("x", 63),
	}
	for in, want := range cases {
		if got := LabelValue(in, "fallback"); got != want {
			t.Fatalf("LabelValue(%q) = %q, want %q", in, got, want)
		}
		if got := LabelValue(in, "fallback"); !ValidLabelValue(got) {
			t.Fatalf("LabelValue(%q) produced invalid %q", in, got)
		}
	}
}

func TestSelector(t *testing.T) {
	if got := Selector(nil); got != "managed-by=clf,cattle=true" {
		t.Fatalf("unexpected selector %q", got)
	}
	got := Selector(map[string]string{"identity": "rex", "managed-by": "other", "": "x"})
	if got != "managed-by=clf,cattle=true,identity=rex" {
		t.Fatalf("unexpected selector %q", got)
	}
}

func TestInstanceLabelsOwnershipWins(t *testing.T) {
	created := time.Unix(1000, 0)
	labels := InstanceLabels(map[string]string{"managed-by": "someone", "team": "infra", "bad key!": "x"}, "Rex Dog", "t1", created, created.Add(time.Hour))
	if labels[LabelManagedBy] != ManagedByValue || labels[LabelCattle] != CattleValue {
		t.Fatalf("ownership labels overridden: %v", labels)
	}
	if labels["team"] != "infra" || labels[LabelIdentity] != "rex-dog" || labels[LabelExpiresAt] != "4600" {
		t.Fatalf("unexpected labels %v", labels)
	}
	if _, ok := labels["bad key!"]; ok {
		t.Fatalf("invalid key accepted")
	}
}

func TestParseTTL(t *testing.T) {
	ok := map[string]time.Duration{
		"30s":  30 * time.Second,
		"1m":   time.Minute,
		"2h":   2 * time.Hour,
		"1d":   24 * time.Hour,
		"1w":   7 * 24 * time.Hour,
		" 5M ": 5 * time.Minute,
	}
	for in, want := range ok {
		got, err := ParseTTL(in)
		if err != nil || got != want {
			t.Fatalf("ParseTTL(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	for _, in := range []string{"", "0m", "5", "m", "1y", "-1h", "99999999999999999999w"} {
		if _, err := ParseTTL(in); err == nil {
			t.Fatalf("ParseTTL(%q) expected error", in)
		}
	}
}

func TestInstanceFromLabelsAndExpiry(t *testing.T) {
	created := time.Unix(1000, 0).UTC()
	labels := map[string]string{LabelCreatedAt: "1000", LabelExpiresAt: "1600", LabelIdentity: "rex", LabelTaskID: "t1"}
	inst := InstanceFromLabels("7", "cattle-rex-1000", models.InstanceRunning, "1.2.3.4", time.Unix(999999, 0), labels)
	if !inst.CreatedAt.Equal(created) || inst.TTLSeconds != 600 || inst.Identity != "rex" || inst.TaskID != "t1" {
		t.Fatalf("unexpected instance %+v", inst)
	}

	noExpiry := InstanceFromLabels("8", "n", models.InstanceRunning, "", created, map[string]string{LabelExpiresAt: "garbage"})
	if !noExpiry.ExpiresAt.IsZero() || noExpiry.TTLSeconds != 0 {
		t.Fatalf("garbage expiry should be ignored: %+v", noExpiry)
	}

	now := time.Unix(2000, 0)
	a := models.CattleInstance{ID: "b", ExpiresAt: time.Unix(1500, 0)}
	b := models.CattleInstance{ID: "a", ExpiresAt: time.Unix(1500, 0)}
	c := models.CattleInstance{ID: "c", ExpiresAt: time.Unix(1200, 0)}
	d := models.CattleInstance{ID: "d", ExpiresAt: time.Unix(2000, 0)}
	e := models.CattleInstance{ID: "e", ExpiresAt: time.Unix(2001, 0)}
	f := models.CattleInstance{ID: "f"}
	got := ExpiredInstances([]models.CattleInstance{a, b, c, d, e, f}, now)
	ids := make([]string, len(got))
	for i, inst := range got {
		ids[i] = inst.ID
	}
	if strings.Join(ids, ",") != "c,a,b,d" {
		t.Fatalf("unexpected expired order %v", ids)
	}
}

func TestIsTransient(t *testing.T) {
	cases := map[int]bool{0: true, 429: true, 500: true, 503: true, 400: false, 404: false, 409: false}
	for status, want := range cases {
		if got := IsTransient(&ProviderError{Op: "x", Status: status}); got != want {
			t.Fatalf("IsTransient(%d) = %v, want %v", status, got, want)
		}
	}
	if IsTransient(nil) {
		t.Fatalf("nil must not be transient")
	}
}

func TestClampConcurrency(t *testing.T) {
	if ClampConcurrency(0) != 4 || ClampConcurrency(-1) != 4 || ClampConcurrency(50) != 10 || ClampConcurrency(3) != 3 {
		t.Fatalf("unexpected clamp")
	}
}
