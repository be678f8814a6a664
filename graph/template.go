// Package graph defines workflow graph templates: the nodes of a DAG, their
// input placeholders, retry policy, per-run store configuration and triggers,
// together with the structural analysis the validator and the fan-out engine
// rely on.
package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/exospherehost/state-manager/placeholder"
)

// UniversalNamespace is the reserved namespace of the built-in node library.
// Node templates may reference nodes from it regardless of the template's own
// namespace.
const UniversalNamespace = "exospherehost"

// ValidationStatus tracks the lifecycle of a template's background validation.
type ValidationStatus string

const (
	// ValidationPending marks a template awaiting validation after upsert.
	ValidationPending ValidationStatus = "PENDING"
	// ValidationOngoing marks a template currently being validated.
	ValidationOngoing ValidationStatus = "ONGOING"
	// ValidationValid marks a template that passed validation.
	ValidationValid ValidationStatus = "VALID"
	// ValidationInvalid marks a template that failed validation.
	ValidationInvalid ValidationStatus = "INVALID"
)

// RetryMethod selects the backoff curve applied between retry attempts.
type RetryMethod string

const (
	// RetryFixed waits backoff_factor seconds between every attempt.
	RetryFixed RetryMethod = "FIXED"
	// RetryLinear waits backoff_factor * attempt seconds.
	RetryLinear RetryMethod = "LINEAR"
	// RetryExponential waits backoff_factor ^ attempt seconds.
	RetryExponential RetryMethod = "EXPONENTIAL"
)

// RetryPolicy controls automatic retries of errored states.
type RetryPolicy struct {
	MaxRetries    int         `json:"max_retries" bson:"max_retries"`
	Method        RetryMethod `json:"method" bson:"method"`
	BackoffFactor int         `json:"backoff_factor" bson:"backoff_factor"`
}

// DefaultRetryPolicy mirrors the defaults applied when a template omits the
// policy: three exponential retries with a factor of two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Method: RetryExponential, BackoffFactor: 2}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.BackoffFactor <= 0 {
		return fmt.Errorf("backoff_factor must be > 0, got %d", p.BackoffFactor)
	}
	switch p.Method {
	case RetryFixed, RetryLinear, RetryExponential:
		return nil
	default:
		return fmt.Errorf("unknown retry method %q", p.Method)
	}
}

// Backoff returns the delay before retry attempt k (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := int64(p.BackoffFactor)
	var seconds int64
	switch p.Method {
	case RetryFixed:
		seconds = f
	case RetryLinear:
		seconds = f * int64(attempt)
	case RetryExponential:
		seconds = 1
		for i := 0; i < attempt; i++ {
			seconds *= f
		}
	default:
		seconds = f
	}
	return time.Duration(seconds) * time.Second
}

// StoreConfig declares the per-run store slots a graph expects: keys the
// trigger request must provide and keys filled from defaults when absent.
type StoreConfig struct {
	RequiredKeys  []string          `json:"required_keys" bson:"required_keys"`
	DefaultValues map[string]string `json:"default_values" bson:"default_values"`
}

// Normalize trims keys and rejects empty, dotted or duplicated ones.
func (c *StoreConfig) Normalize() error {
	var errs []string
	seen := make(map[string]bool)
	keys := make([]string, 0, len(c.RequiredKeys))
	for _, key := range c.RequiredKeys {
		key = strings.TrimSpace(key)
		switch {
		case key == "":
			errs = append(errs, "store key cannot be empty")
		case strings.Contains(key, "."):
			errs = append(errs, fmt.Sprintf("store key %q cannot contain '.'", key))
		case seen[key]:
			errs = append(errs, fmt.Sprintf("store key %q is duplicated", key))
		default:
			seen[key] = true
			keys = append(keys, key)
		}
	}
	c.RequiredKeys = keys

	defaults := make(map[string]string, len(c.DefaultValues))
	for key, value := range c.DefaultValues {
		key = strings.TrimSpace(key)
		switch {
		case key == "":
			errs = append(errs, "store key cannot be empty")
		case strings.Contains(key, "."):
			errs = append(errs, fmt.Sprintf("store key %q cannot contain '.'", key))
		default:
			defaults[key] = value
		}
	}
	c.DefaultValues = defaults

	if len(errs) > 0 {
		return fmt.Errorf("invalid store config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// HasKey reports whether key is a required key or has a default value.
func (c StoreConfig) HasKey(key string) bool {
	for _, k := range c.RequiredKeys {
		if k == key {
			return true
		}
	}
	_, ok := c.DefaultValues[key]
	return ok
}

// UnitesStrategy selects which descendant statuses satisfy a join.
type UnitesStrategy string

const (
	// UnitesAllSuccess fires the join once every descendant completed
	// successfully. This is the default.
	UnitesAllSuccess UnitesStrategy = "ALL_SUCCESS"
	// UnitesAllDone fires the join once every descendant reached any
	// terminal status, failures included.
	UnitesAllDone UnitesStrategy = "ALL_DONE"
)

// Unites declares a join point: the declaring node waits until every state
// descending from its instance of the referenced ancestor has completed
// according to the strategy.
type Unites struct {
	Identifier string         `json:"identifier" bson:"identifier"`
	Strategy   UnitesStrategy `json:"strategy,omitempty" bson:"strategy,omitempty"`
}

// NodeTemplate is one node of a graph template.
type NodeTemplate struct {
	NodeName   string            `json:"node_name" bson:"node_name"`
	Namespace  string            `json:"namespace" bson:"namespace"`
	Identifier string            `json:"identifier" bson:"identifier"`
	Inputs     map[string]string `json:"inputs" bson:"inputs"`
	NextNodes  []string          `json:"next_nodes,omitempty" bson:"next_nodes,omitempty"`
	Unites     *Unites           `json:"unites,omitempty" bson:"unites,omitempty"`
}

// Normalize trims the template's fields and applies the ingestion checks that
// do not need the rest of the graph.
func (n *NodeTemplate) Normalize() error {
	var errs []string

	n.NodeName = strings.TrimSpace(n.NodeName)
	if n.NodeName == "" {
		errs = append(errs, "node name cannot be empty")
	}
	n.Namespace = strings.TrimSpace(n.Namespace)
	n.Identifier = strings.TrimSpace(n.Identifier)
	switch n.Identifier {
	case "":
		errs = append(errs, "node identifier cannot be empty")
	case placeholder.StoreIdentifier:
		errs = append(errs, fmt.Sprintf("node identifier cannot be reserved word %q", placeholder.StoreIdentifier))
	}

	seen := make(map[string]bool, len(n.NextNodes))
	next := make([]string, 0, len(n.NextNodes))
	for _, id := range n.NextNodes {
		id = strings.TrimSpace(id)
		switch {
		case id == "":
			errs = append(errs, "next node identifier cannot be empty")
		case seen[id]:
			errs = append(errs, fmt.Sprintf("next node identifier %q is not unique", id))
		default:
			seen[id] = true
			next = append(next, id)
		}
	}
	if len(next) > 0 {
		n.NextNodes = next
	} else {
		n.NextNodes = nil
	}

	if n.Unites != nil {
		n.Unites.Identifier = strings.TrimSpace(n.Unites.Identifier)
		if n.Unites.Identifier == "" {
			errs = append(errs, "unites identifier cannot be empty")
		}
		switch n.Unites.Strategy {
		case "":
			n.Unites.Strategy = UnitesAllSuccess
		case UnitesAllSuccess, UnitesAllDone:
		default:
			errs = append(errs, fmt.Sprintf("unknown unites strategy %q", n.Unites.Strategy))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid node template %q: %s", n.Identifier, strings.Join(errs, "; "))
	}
	return nil
}

// DependentStrings parses every input value of the node.
func (n NodeTemplate) DependentStrings() (map[string]*placeholder.DependentString, error) {
	out := make(map[string]*placeholder.DependentString, len(n.Inputs))
	for name, value := range n.Inputs {
		ds, err := placeholder.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		out[name] = ds
	}
	return out, nil
}

// TriggerType enumerates trigger kinds. Cron is the only one today.
type TriggerType string

// TriggerTypeCron fires a graph on a cron schedule.
const TriggerTypeCron TriggerType = "CRON"

// Trigger is a recurring trigger declared on a graph template.
type Trigger struct {
	Type       TriggerType `json:"type" bson:"type"`
	Expression string      `json:"expression" bson:"expression"`
	Timezone   string      `json:"timezone" bson:"timezone"`
}

// Normalize fills the default timezone and rejects empty expressions.
func (t *Trigger) Normalize() error {
	if t.Type == "" {
		t.Type = TriggerTypeCron
	}
	if t.Type != TriggerTypeCron {
		return fmt.Errorf("unknown trigger type %q", t.Type)
	}
	t.Expression = strings.TrimSpace(t.Expression)
	if t.Expression == "" {
		return fmt.Errorf("trigger expression cannot be empty")
	}
	if strings.TrimSpace(t.Timezone) == "" {
		t.Timezone = "UTC"
	}
	return nil
}

// Key identifies a trigger for reconciliation diffing across upserts.
func (t Trigger) Key() string { return t.Expression + "\x00" + t.Timezone }

// Template is a stored graph template, uniquely identified by
// (Namespace, Name). Secrets hold encrypted blobs; plaintext never reaches
// the store.
type Template struct {
	Name             string            `json:"name" bson:"name"`
	Namespace        string            `json:"namespace" bson:"namespace"`
	Nodes            []NodeTemplate    `json:"nodes" bson:"nodes"`
	ValidationStatus ValidationStatus  `json:"validation_status" bson:"validation_status"`
	ValidationErrors []string          `json:"validation_errors,omitempty" bson:"validation_errors,omitempty"`
	Secrets          map[string]string `json:"-" bson:"secrets,omitempty"`
	Triggers         []Trigger         `json:"triggers,omitempty" bson:"triggers,omitempty"`
	RetryPolicy      RetryPolicy       `json:"retry_policy" bson:"retry_policy"`
	StoreConfig      StoreConfig       `json:"store_config" bson:"store_config"`
	CreatedAt        time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" bson:"updated_at"`
}

// Normalize validates and trims the template's own fields (not the graph
// shape; see Analyze).
func (t *Template) Normalize() error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("graph name cannot be empty")
	}
	t.Namespace = strings.TrimSpace(t.Namespace)
	if t.Namespace == "" {
		return fmt.Errorf("graph namespace cannot be empty")
	}
	for i := range t.Nodes {
		if err := t.Nodes[i].Normalize(); err != nil {
			return err
		}
	}
	if err := t.RetryPolicy.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	if err := t.StoreConfig.Normalize(); err != nil {
		return err
	}
	for i := range t.Triggers {
		if err := t.Triggers[i].Normalize(); err != nil {
			return err
		}
	}
	return nil
}

// Node returns the node template with the given identifier, or nil.
func (t *Template) Node(identifier string) *NodeTemplate {
	for i := range t.Nodes {
		if t.Nodes[i].Identifier == identifier {
			return &t.Nodes[i]
		}
	}
	return nil
}

// IsValid reports whether the template passed its last validation.
func (t *Template) IsValid() bool { return t.ValidationStatus == ValidationValid }

// IsValidating reports whether a validation is pending or running.
func (t *Template) IsValidating() bool {
	return t.ValidationStatus == ValidationPending || t.ValidationStatus == ValidationOngoing
}

// SecretPresence returns the {name: true} map exposed over the API in place
// of secret values.
func (t *Template) SecretPresence() map[string]bool {
	out := make(map[string]bool, len(t.Secrets))
	for name := range t.Secrets {
		out[name] = true
	}
	return out
}

// CronTriggers returns the cron triggers of the template with identical
// (expression, timezone) duplicates collapsed.
func (t *Template) CronTriggers() []Trigger {
	seen := make(map[string]bool, len(t.Triggers))
	var out []Trigger
	for _, trig := range t.Triggers {
		if trig.Type != TriggerTypeCron || seen[trig.Key()] {
			continue
		}
		seen[trig.Key()] = true
		out = append(out, trig)
	}
	return out
}
