package manager

import (
	"context"
	"strings"

	"github.com/exospherehost/state-manager/noderegistry"
)

// NodeRegistration declares one node a runtime can execute.
type NodeRegistration struct {
	Name          string         `json:"name"`
	InputsSchema  map[string]any `json:"inputs_schema"`
	OutputsSchema map[string]any `json:"outputs_schema"`
	Secrets       []string       `json:"secrets,omitempty"`
	// TimeoutMinutes bounds execution of this node's states; zero means the
	// global default applies.
	TimeoutMinutes int `json:"timeout_minutes,omitempty"`
}

// RegisterNodesRequest is the payload of a runtime registration.
type RegisterNodesRequest struct {
	RuntimeName      string             `json:"runtime_name"`
	RuntimeNamespace string             `json:"runtime_namespace"`
	Nodes            []NodeRegistration `json:"nodes"`
}

// RegisterNodes upserts the registered nodes a runtime declares it can
// execute, keyed on (namespace, name), and returns the registered keys.
func (s *Service) RegisterNodes(ctx context.Context, namespace string, req RegisterNodesRequest) ([]noderegistry.Key, error) {
	if strings.TrimSpace(req.RuntimeName) == "" {
		return nil, invalidInputf("runtime_name is required")
	}
	if len(req.Nodes) == 0 {
		return nil, invalidInputf("at least one node is required")
	}

	now := s.now()
	keys := make([]noderegistry.Key, 0, len(req.Nodes))
	for _, reg := range req.Nodes {
		name := strings.TrimSpace(reg.Name)
		if name == "" {
			return nil, invalidInputf("node name cannot be empty")
		}
		node := &noderegistry.RegisteredNode{
			Name:             name,
			Namespace:        namespace,
			RuntimeName:      req.RuntimeName,
			RuntimeNamespace: req.RuntimeNamespace,
			InputsSchema:     reg.InputsSchema,
			OutputsSchema:    reg.OutputsSchema,
			Secrets:          reg.Secrets,
			TimeoutMinutes:   reg.TimeoutMinutes,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.nodes.Upsert(ctx, node); err != nil {
			return nil, internal("upsert registered node", err)
		}
		keys = append(keys, noderegistry.Key{Namespace: namespace, Name: name})
	}

	s.logger.Info(ctx, "registered nodes",
		"namespace", namespace, "runtime", req.RuntimeName, "count", len(keys))
	return keys, nil
}

// NodesList is the catalogue of registered nodes of one namespace.
type NodesList struct {
	Namespace string                         `json:"namespace"`
	Count     int                            `json:"count"`
	Nodes     []*noderegistry.RegisteredNode `json:"nodes"`
}

// ListNodes returns every node registered under the namespace, ordered by
// name.
func (s *Service) ListNodes(ctx context.Context, namespace string) (*NodesList, error) {
	nodes, err := s.nodes.List(ctx, namespace)
	if err != nil {
		return nil, internal("list registered nodes", err)
	}
	if nodes == nil {
		nodes = []*noderegistry.RegisteredNode{}
	}
	return &NodesList{Namespace: namespace, Count: len(nodes), Nodes: nodes}, nil
}

// NamespacesList enumerates every namespace with at least one registered
// node.
type NamespacesList struct {
	Namespaces []string `json:"namespaces"`
	Count      int      `json:"count"`
}

// ListNamespaces returns the namespaces known to the node registry, sorted
// ascending.
func (s *Service) ListNamespaces(ctx context.Context) (*NamespacesList, error) {
	namespaces, err := s.nodes.Namespaces(ctx)
	if err != nil {
		return nil, internal("list namespaces", err)
	}
	if namespaces == nil {
		namespaces = []string{}
	}
	return &NamespacesList{Namespaces: namespaces, Count: len(namespaces)}, nil
}
