package fleet

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Labels attached to every instance this orchestrator creates. The selector
// built from the first two is the ownership boundary for list and reap.
const (
	LabelManagedBy = "managed-by"
	LabelCattle    = "cattle"
	LabelIdentity  = "identity"
	LabelTaskID    = "task-id"
	LabelCreatedAt = "created-at"
	LabelExpiresAt = "expires-at"

	ManagedByValue = "clf"
	CattleValue    = "true"

	maxLabelLen = 63
)

var (
	labelValuePattern = regexp.MustCompile(`^(([A-Za-z0-9][-A-Za-z0-9_.]*)?[A-Za-z0-9])?$`)
	labelKeyPattern   = regexp.MustCompile(`^([a-z0-9]([-a-z0-9.]*[a-z0-9])?/)?[A-Za-z0-9]([-A-Za-z0-9_.]*[A-Za-z0-9])?$`)
	ttlPattern        = regexp.MustCompile(`^(\d+)\s*([smhdw])$`)
)

// Selector returns the label selector matching instances owned by this
// orchestrator, narrowed by any extra key=value pairs.
func Selector(extra map[string]string) string {
	parts := []string{LabelManagedBy + "=" + ManagedByValue, LabelCattle + "=" + CattleValue}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kk, vv := strings.TrimSpace(k), strings.TrimSpace(extra[k])
		if kk == "" || vv == "" || kk == LabelManagedBy || kk == LabelCattle {
			continue
		}
		parts = append(parts, kk+"="+vv)
	}
	return strings.Join(parts, ",")
}

// ValidLabelValue reports whether v is accepted by the provider as a label
// value.
func ValidLabelValue(v string) bool {
	return len(v) <= maxLabelLen && labelValuePattern.MatchString(v)
}

// ValidLabelKey reports whether k is accepted as a label key.
func ValidLabelKey(k string) bool {
	return len(k) <= maxLabelLen && labelKeyPattern.MatchString(k)
}

// LabelValue returns v when it is already a valid label value and a
// lowercase slug of it otherwise. An empty slug yields fallback.
func LabelValue(v, fallback string) string {
	v = strings.TrimSpace(v)
	if v != "" && ValidLabelValue(v) {
		return v
	}
	return slug(v, fallback, maxLabelLen)
}

func slug(v, fallback string, maxLen int) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(v) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash && b.Len() > 0 {
			b.WriteByte('-')
			lastDash = true
		}
	}
	out := b.String()
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	out = strings.Trim(out, "-")
	if out == "" {
		return fallback
	}
	return out
}

// ServerName builds a hostname-safe instance name: cattle-<identity>-<unix>,
// at most 63 characters, with the timestamp suffix always preserved.
func ServerName(identity string, at time.Time) string {
	ts := at.Unix()
	if ts < 0 {
		ts = 0
	}
	const prefix = "cattle-"
	suffix := "-" + strconv.FormatInt(ts, 10)
	maxSlug := maxLabelLen - len(prefix) - len(suffix)
	s := slug(identity, "id", maxSlug)
	return prefix + s + suffix
}

// InstanceLabels returns the full label set for a new instance. Extra labels
// from configuration are applied first so ownership labels always win.
func InstanceLabels(extra map[string]string, identity, taskID string, createdAt, expiresAt time.Time) map[string]string {
	labels := make(map[string]string, len(extra)+6)
	for k, v := range extra {
		if ValidLabelKey(k) && ValidLabelValue(v) {
			labels[k] = v
		}
	}
	labels[LabelManagedBy] = ManagedByValue
	labels[LabelCattle] = CattleValue
	labels[LabelIdentity] = LabelValue(identity, "id")
	labels[LabelTaskID] = LabelValue(taskID, "task")
	labels[LabelCreatedAt] = strconv.FormatInt(createdAt.Unix(), 10)
	labels[LabelExpiresAt] = strconv.FormatInt(expiresAt.Unix(), 10)
	return labels
}

// ParseTTL converts "<n><unit>" with unit one of s, m, h, d, w into a
// duration. The amount must be positive.
func ParseTTL(raw string) (time.Duration, error) {
	m := ttlPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(raw)))
	if m == nil {
		return 0, fmt.Errorf("invalid ttl %q (expected e.g. 30m, 2h, 1d)", raw)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid ttl %q: amount must be positive", raw)
	}
	unit := map[string]time.Duration{
		"s": time.Second,
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
		"w": 7 * 24 * time.Hour,
	}[m[2]]
	if n > int64((1<<63-1)/unit) {
		return 0, fmt.Errorf("invalid ttl %q: too large", raw)
	}
	return time.Duration(n) * unit, nil
}
