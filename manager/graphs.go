package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exospherehost/state-manager/graph"
	"github.com/exospherehost/state-manager/noderegistry"
	"github.com/exospherehost/state-manager/placeholder"
	"github.com/exospherehost/state-manager/telemetry"
	"github.com/exospherehost/state-manager/triggers"
)

// UpsertGraphRequest replaces the nodes, policies and triggers of a graph
// template. Secrets carries plaintext values for new or changed secrets only;
// secrets absent from the map keep their stored encrypted blobs.
type UpsertGraphRequest struct {
	Nodes       []graph.NodeTemplate `json:"nodes"`
	Secrets     map[string]string    `json:"secrets,omitempty"`
	RetryPolicy *graph.RetryPolicy   `json:"retry_policy,omitempty"`
	StoreConfig graph.StoreConfig    `json:"store_config"`
	Triggers    []graph.Trigger      `json:"triggers,omitempty"`
}

// GraphView is the API representation of a template. Secret values are never
// exposed; Secrets maps each stored name to true.
type GraphView struct {
	Name             string                 `json:"name"`
	Namespace        string                 `json:"namespace"`
	Nodes            []graph.NodeTemplate   `json:"nodes"`
	ValidationStatus graph.ValidationStatus `json:"validation_status"`
	ValidationErrors []string               `json:"validation_errors,omitempty"`
	Secrets          map[string]bool        `json:"secrets"`
	Triggers         []graph.Trigger        `json:"triggers,omitempty"`
	RetryPolicy      graph.RetryPolicy      `json:"retry_policy"`
	StoreConfig      graph.StoreConfig      `json:"store_config"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

func graphView(t *graph.Template) *GraphView {
	return &GraphView{
		Name:             t.Name,
		Namespace:        t.Namespace,
		Nodes:            t.Nodes,
		ValidationStatus: t.ValidationStatus,
		ValidationErrors: t.ValidationErrors,
		Secrets:          t.SecretPresence(),
		Triggers:         t.Triggers,
		RetryPolicy:      t.RetryPolicy,
		StoreConfig:      t.StoreConfig,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

// UpsertGraph creates or replaces the template for (namespace, name), resets
// its validation status to PENDING and schedules a background validation
// carrying a snapshot of the previous cron triggers for reconciliation.
func (s *Service) UpsertGraph(ctx context.Context, namespace, name string, req UpsertGraphRequest) (*GraphView, error) {
	tpl, err := s.graphs.Get(ctx, namespace, name)
	switch {
	case errors.Is(err, graph.ErrNotFound):
		tpl = &graph.Template{Name: name, Namespace: namespace}
	case err != nil:
		return nil, internal("load graph template", err)
	}
	previousTriggers := tpl.CronTriggers()

	tpl.Nodes = req.Nodes
	tpl.StoreConfig = req.StoreConfig
	tpl.Triggers = req.Triggers
	if req.RetryPolicy != nil {
		tpl.RetryPolicy = *req.RetryPolicy
	} else if tpl.RetryPolicy == (graph.RetryPolicy{}) {
		tpl.RetryPolicy = graph.DefaultRetryPolicy()
	}

	// New secret values are encrypted and merged over the stored blobs;
	// untouched secrets stay encrypted as-is.
	if tpl.Secrets == nil {
		tpl.Secrets = make(map[string]string, len(req.Secrets))
	}
	for secretName, plaintext := range req.Secrets {
		blob, err := s.encrypter.Encrypt(plaintext)
		if err != nil {
			return nil, internal("encrypt secret", err)
		}
		tpl.Secrets[secretName] = blob
	}

	if err := tpl.Normalize(); err != nil {
		return nil, invalidInputf("%v", err)
	}
	tpl.ValidationStatus = graph.ValidationPending
	tpl.ValidationErrors = nil

	if err := s.graphs.Save(ctx, tpl); err != nil {
		return nil, internal("save graph template", err)
	}
	s.logger.Info(ctx, "graph template upserted", "namespace", namespace, "graph", name)

	s.spawn(ctx, func(ctx context.Context) {
		s.validateGraph(ctx, namespace, name, previousTriggers)
	})
	return graphView(tpl), nil
}

// GetGraph returns the stored template view.
func (s *Service) GetGraph(ctx context.Context, namespace, name string) (*GraphView, error) {
	tpl, err := s.graphs.Get(ctx, namespace, name)
	if errors.Is(err, graph.ErrNotFound) {
		return nil, notFoundf("graph template %s/%s not found", namespace, name)
	}
	if err != nil {
		return nil, internal("load graph template", err)
	}
	return graphView(tpl), nil
}

// GraphsList is the catalogue of graph templates of one namespace.
type GraphsList struct {
	Namespace string       `json:"namespace"`
	Count     int          `json:"count"`
	Graphs    []*GraphView `json:"graphs"`
}

// ListGraphs returns every template of the namespace as API views, ordered
// by name.
func (s *Service) ListGraphs(ctx context.Context, namespace string) (*GraphsList, error) {
	templates, err := s.graphs.List(ctx, namespace)
	if err != nil {
		return nil, internal("list graph templates", err)
	}
	views := make([]*GraphView, len(templates))
	for i, tpl := range templates {
		views[i] = graphView(tpl)
	}
	return &GraphsList{Namespace: namespace, Count: len(views), Graphs: views}, nil
}

// schemaKey names a registered node's schema in the compilation cache.
func schemaKey(namespace, name, kind string) string {
	return namespace + "/" + name + "#" + kind
}

// validateGraph runs the background validation of a template, aggregating
// every detected problem into validation_errors. When the template is valid,
// it reconciles the cron trigger rows against the previous trigger set.
// Errors are recovered locally; callers observe the status on their next
// poll.
func (s *Service) validateGraph(ctx context.Context, namespace, name string, previousTriggers []graph.Trigger) {
	if err := s.graphs.SetValidation(ctx, namespace, name, graph.ValidationOngoing, nil); err != nil {
		s.logger.Error(ctx, "mark validation ongoing", "namespace", namespace, "graph", name, "err", err)
		return
	}
	tpl, err := s.graphs.Get(ctx, namespace, name)
	if err != nil {
		s.logger.Error(ctx, "load graph template for validation", "namespace", namespace, "graph", name, "err", err)
		return
	}

	validationErrors := s.collectValidationErrors(ctx, tpl)

	if len(validationErrors) > 0 {
		s.metrics.IncCounter(telemetry.MetricGraphValidations, 1, "outcome", "invalid")
		s.logger.Info(ctx, "graph template invalid",
			"namespace", namespace, "graph", name, "errors", len(validationErrors))
		if err := s.graphs.SetValidation(ctx, namespace, name, graph.ValidationInvalid, validationErrors); err != nil {
			s.logger.Error(ctx, "mark validation invalid", "namespace", namespace, "graph", name, "err", err)
		}
		return
	}

	if err := s.graphs.SetValidation(ctx, namespace, name, graph.ValidationValid, nil); err != nil {
		s.logger.Error(ctx, "mark validation valid", "namespace", namespace, "graph", name, "err", err)
		return
	}
	s.metrics.IncCounter(telemetry.MetricGraphValidations, 1, "outcome", "valid")
	s.logger.Info(ctx, "graph template valid", "namespace", namespace, "graph", name)
	s.reconcileTriggers(ctx, tpl, previousTriggers)
}

// collectValidationErrors applies the full validation check list to the
// template: node namespaces, registered node existence, required secrets,
// input typing and placeholder resolution, then graph structure.
func (s *Service) collectValidationErrors(ctx context.Context, tpl *graph.Template) []string {
	var errs []string

	// Node namespaces must match the template's, or reference the universal
	// built-in library.
	keys := make([]noderegistry.Key, 0, len(tpl.Nodes))
	for _, node := range tpl.Nodes {
		if node.Namespace != tpl.Namespace && node.Namespace != graph.UniversalNamespace {
			errs = append(errs, fmt.Sprintf(
				"node %q has namespace %q, expected %q or %q",
				node.Identifier, node.Namespace, tpl.Namespace, graph.UniversalNamespace))
			continue
		}
		keys = append(keys, noderegistry.Key{Namespace: node.Namespace, Name: node.NodeName})
	}

	registered := make(map[noderegistry.Key]*noderegistry.RegisteredNode)
	nodes, err := s.nodes.GetMany(ctx, keys)
	if err != nil {
		errs = append(errs, fmt.Sprintf("load registered nodes: %v", err))
	}
	for _, rn := range nodes {
		registered[noderegistry.Key{Namespace: rn.Namespace, Name: rn.Name}] = rn
	}
	for _, node := range tpl.Nodes {
		key := noderegistry.Key{Namespace: node.Namespace, Name: node.NodeName}
		if _, ok := registered[key]; !ok {
			errs = append(errs, fmt.Sprintf(
				"node %q references %s/%s which is not registered",
				node.Identifier, node.Namespace, node.NodeName))
		}
	}

	// Every secret a registered node requires must be present on the
	// template.
	for _, rn := range nodes {
		for _, secretName := range rn.Secrets {
			if _, ok := tpl.Secrets[secretName]; !ok {
				errs = append(errs, fmt.Sprintf(
					"secret %q required by node %s/%s is not set", secretName, rn.Namespace, rn.Name))
			}
		}
	}

	analysis, analyzeErr := graph.Analyze(tpl.Nodes)
	if analyzeErr != nil {
		errs = append(errs, analyzeErr.Error())
	} else {
		errs = append(errs, analysis.CycleErrors()...)
		errs = append(errs, analysis.ConnectivityErrors()...)
		errs = append(errs, analysis.UnitesErrors()...)
	}

	for _, node := range tpl.Nodes {
		rn := registered[noderegistry.Key{Namespace: node.Namespace, Name: node.NodeName}]
		if rn == nil {
			continue
		}
		errs = append(errs, s.checkNodeInputs(tpl, analysis, node, rn, registered)...)
	}

	for _, trig := range tpl.CronTriggers() {
		if err := triggers.ValidateExpression(trig.Expression); err != nil {
			errs = append(errs, err.Error())
		}
		if _, err := time.LoadLocation(trig.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("invalid timezone %q", trig.Timezone))
		}
	}
	return errs
}

// checkNodeInputs verifies that every declared input is a string-typed field
// of the registered schema and that each placeholder resolves to a known
// store key or a string-typed output of a node on a directed path to this
// one. analysis may be nil when the structural analysis failed; ancestry
// checks are skipped then.
func (s *Service) checkNodeInputs(tpl *graph.Template, analysis *graph.Analysis, node graph.NodeTemplate, rn *noderegistry.RegisteredNode, registered map[noderegistry.Key]*noderegistry.RegisteredNode) []string {
	var errs []string

	inputFields, err := s.schemas.Fields(schemaKey(rn.Namespace, rn.Name, "inputs"), rn.SchemaRev(), rn.InputsSchema)
	if err != nil {
		return []string{fmt.Sprintf("node %q: %v", node.Identifier, err)}
	}

	for inputName, value := range node.Inputs {
		if !inputFields.Has(inputName) {
			errs = append(errs, fmt.Sprintf(
				"node %q declares input %q which is not in the inputs schema of %s/%s",
				node.Identifier, inputName, rn.Namespace, rn.Name))
			continue
		}
		if !inputFields.IsString(inputName) {
			errs = append(errs, fmt.Sprintf(
				"node %q input %q is not string-typed", node.Identifier, inputName))
			continue
		}

		ds, err := placeholder.Parse(value)
		if err != nil {
			errs = append(errs, fmt.Sprintf("node %q input %q: %v", node.Identifier, inputName, err))
			continue
		}
		for _, dep := range ds.IdentifierFields() {
			if dep.Identifier == placeholder.StoreIdentifier {
				if !tpl.StoreConfig.HasKey(dep.Field) {
					errs = append(errs, fmt.Sprintf(
						"node %q input %q references store key %q which is neither required nor defaulted",
						node.Identifier, inputName, dep.Field))
				}
				continue
			}
			if analysis == nil {
				continue
			}
			if !analysis.IsAncestor(dep.Identifier, node.Identifier) {
				errs = append(errs, fmt.Sprintf(
					"node %q input %q references %q which is not an ancestor",
					node.Identifier, inputName, dep.Identifier))
				continue
			}
			ancestor := analysis.Node(dep.Identifier)
			ancestorRN := registered[noderegistry.Key{Namespace: ancestor.Namespace, Name: ancestor.NodeName}]
			if ancestorRN == nil {
				continue
			}
			outputFields, err := s.schemas.Fields(schemaKey(ancestorRN.Namespace, ancestorRN.Name, "outputs"), ancestorRN.SchemaRev(), ancestorRN.OutputsSchema)
			if err != nil {
				errs = append(errs, fmt.Sprintf("node %q: %v", dep.Identifier, err))
				continue
			}
			if !outputFields.Has(dep.Field) || !outputFields.IsString(dep.Field) {
				errs = append(errs, fmt.Sprintf(
					"node %q input %q references %s.outputs.%s which is not a string-typed output field",
					node.Identifier, inputName, dep.Identifier, dep.Field))
			}
		}
	}
	return errs
}

// reconcileTriggers diffs the previous and current cron trigger sets of a
// freshly validated template: PENDING rows of removed crons are cancelled and
// one PENDING row is inserted at the next fire of each added cron. Duplicate
// rows are tolerated via the unique fire index.
func (s *Service) reconcileTriggers(ctx context.Context, tpl *graph.Template, previous []graph.Trigger) {
	current := tpl.CronTriggers()
	currentKeys := make(map[string]bool, len(current))
	for _, trig := range current {
		currentKeys[trig.Key()] = true
	}
	previousKeys := make(map[string]bool, len(previous))
	for _, trig := range previous {
		previousKeys[trig.Key()] = true
	}

	expiresAt := s.now().Add(s.triggerRetention)
	for _, trig := range previous {
		if currentKeys[trig.Key()] {
			continue
		}
		cancelled, err := s.triggers.CancelPending(ctx, tpl.Namespace, tpl.Name, trig.Expression, trig.Timezone, expiresAt)
		if err != nil {
			s.logger.Error(ctx, "cancel pending triggers",
				"namespace", tpl.Namespace, "graph", tpl.Name, "expression", trig.Expression, "err", err)
			continue
		}
		s.logger.Info(ctx, "cancelled pending triggers",
			"namespace", tpl.Namespace, "graph", tpl.Name, "expression", trig.Expression, "count", cancelled)
	}

	now := s.now()
	for _, trig := range current {
		if previousKeys[trig.Key()] {
			continue
		}
		next, err := triggers.NextFire(trig.Expression, trig.Timezone, now)
		if err != nil {
			s.logger.Error(ctx, "compute next fire",
				"namespace", tpl.Namespace, "graph", tpl.Name, "expression", trig.Expression, "err", err)
			continue
		}
		err = s.triggers.Insert(ctx, &triggers.Trigger{
			Type:        trig.Type,
			Expression:  trig.Expression,
			Timezone:    trig.Timezone,
			GraphName:   tpl.Name,
			Namespace:   tpl.Namespace,
			TriggerTime: next,
			Status:      triggers.Pending,
		})
		switch {
		case errors.Is(err, triggers.ErrDuplicate):
			s.logger.Debug(ctx, "trigger row already exists",
				"namespace", tpl.Namespace, "graph", tpl.Name, "expression", trig.Expression, "at", next)
		case err != nil:
			s.logger.Error(ctx, "insert trigger row",
				"namespace", tpl.Namespace, "graph", tpl.Name, "expression", trig.Expression, "err", err)
		default:
			s.logger.Info(ctx, "scheduled trigger",
				"namespace", tpl.Namespace, "graph", tpl.Name, "expression", trig.Expression, "at", next)
		}
	}
}
