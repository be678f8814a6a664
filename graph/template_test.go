package graph

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyBackoff(t *testing.T) {
	fixed := RetryPolicy{MaxRetries: 3, Method: RetryFixed, BackoffFactor: 5}
	require.Equal(t, 5*time.Second, fixed.Backoff(1))
	require.Equal(t, 5*time.Second, fixed.Backoff(7))

	linear := RetryPolicy{MaxRetries: 3, Method: RetryLinear, BackoffFactor: 3}
	require.Equal(t, 3*time.Second, linear.Backoff(1))
	require.Equal(t, 9*time.Second, linear.Backoff(3))

	exponential := RetryPolicy{MaxRetries: 3, Method: RetryExponential, BackoffFactor: 2}
	require.Equal(t, 2*time.Second, exponential.Backoff(1))
	require.Equal(t, 4*time.Second, exponential.Backoff(2))
	require.Equal(t, 8*time.Second, exponential.Backoff(3))
}

// Fixed backoff is independent of the attempt number.
func TestFixedBackoffIgnoresAttempt(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff(FIXED, k) == factor seconds", prop.ForAll(
		func(factor, attempt int) bool {
			p := RetryPolicy{MaxRetries: 1, Method: RetryFixed, BackoffFactor: factor}
			return p.Backoff(attempt) == time.Duration(factor)*time.Second
		},
		gen.IntRange(1, 3600),
		gen.IntRange(1, 1000),
	))
	properties.TestingRun(t)
}

func TestRetryPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy().Validate())
	require.Error(t, RetryPolicy{MaxRetries: -1, Method: RetryFixed, BackoffFactor: 1}.Validate())
	require.Error(t, RetryPolicy{MaxRetries: 1, Method: RetryFixed, BackoffFactor: 0}.Validate())
	require.Error(t, RetryPolicy{MaxRetries: 1, Method: "QUADRATIC", BackoffFactor: 1}.Validate())
}

func TestStoreConfigNormalize(t *testing.T) {
	cfg := StoreConfig{
		RequiredKeys:  []string{" bucket ", "region"},
		DefaultValues: map[string]string{"region": "us-east-1"},
	}
	require.NoError(t, cfg.Normalize())
	require.Equal(t, []string{"bucket", "region"}, cfg.RequiredKeys)
	require.True(t, cfg.HasKey("bucket"))
	require.True(t, cfg.HasKey("region"))
	require.False(t, cfg.HasKey("missing"))

	bad := StoreConfig{RequiredKeys: []string{"a.b"}}
	require.Error(t, bad.Normalize())
	bad = StoreConfig{RequiredKeys: []string{""}}
	require.Error(t, bad.Normalize())
	bad = StoreConfig{RequiredKeys: []string{"k", "k"}}
	require.Error(t, bad.Normalize())
}

func TestNodeTemplateNormalize(t *testing.T) {
	n := NodeTemplate{NodeName: " worker ", Namespace: " ns ", Identifier: " A ", NextNodes: []string{" B "}}
	require.NoError(t, n.Normalize())
	require.Equal(t, "worker", n.NodeName)
	require.Equal(t, "A", n.Identifier)
	require.Equal(t, []string{"B"}, n.NextNodes)

	reserved := NodeTemplate{NodeName: "worker", Identifier: "store"}
	require.ErrorContains(t, reserved.Normalize(), "reserved")

	dup := NodeTemplate{NodeName: "worker", Identifier: "A", NextNodes: []string{"B", "B"}}
	require.ErrorContains(t, dup.Normalize(), "not unique")
}

func TestUnitesStrategyNormalize(t *testing.T) {
	n := NodeTemplate{NodeName: "worker", Identifier: "A", Unites: &Unites{Identifier: "B"}}
	require.NoError(t, n.Normalize())
	require.Equal(t, UnitesAllSuccess, n.Unites.Strategy)

	n = NodeTemplate{NodeName: "worker", Identifier: "A", Unites: &Unites{Identifier: "B", Strategy: UnitesAllDone}}
	require.NoError(t, n.Normalize())
	require.Equal(t, UnitesAllDone, n.Unites.Strategy)

	n = NodeTemplate{NodeName: "worker", Identifier: "A", Unites: &Unites{Identifier: "B", Strategy: "SOME"}}
	require.ErrorContains(t, n.Normalize(), "unknown unites strategy")
}

func TestTriggerNormalize(t *testing.T) {
	trig := Trigger{Expression: " */5 * * * * "}
	require.NoError(t, trig.Normalize())
	require.Equal(t, TriggerTypeCron, trig.Type)
	require.Equal(t, "*/5 * * * *", trig.Expression)
	require.Equal(t, "UTC", trig.Timezone)

	require.Error(t, (&Trigger{Expression: ""}).Normalize())
	require.Error(t, (&Trigger{Type: "WEBHOOK", Expression: "* * * * *"}).Normalize())
}

func TestCronTriggersCollapseDuplicates(t *testing.T) {
	tpl := Template{Triggers: []Trigger{
		{Type: TriggerTypeCron, Expression: "* * * * *", Timezone: "UTC"},
		{Type: TriggerTypeCron, Expression: "* * * * *", Timezone: "UTC"},
		{Type: TriggerTypeCron, Expression: "* * * * *", Timezone: "Asia/Kolkata"},
	}}
	require.Len(t, tpl.CronTriggers(), 2)
}

func TestSecretPresence(t *testing.T) {
	tpl := Template{Secrets: map[string]string{"token": "<encrypted>"}}
	require.Equal(t, map[string]bool{"token": true}, tpl.SecretPresence())
}
