package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// Breach is one resource over its threshold.
type Breach struct {
	Resource  string  `json:"resource"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Policy evaluates machine resource snapshots against thresholds.
type Policy struct {
	query rego.PreparedEvalQuery
}

// NewPolicy prepares the given rego module. It must define
// data.fleet.resources.breaches as a set of Breach objects.
func NewPolicy(ctx context.Context, module string) (*Policy, error) {
	r := rego.New(
		rego.Query("data.fleet.resources.breaches"),
		rego.Module("fleet_resources.rego", module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Policy{query: query}, nil
}

// Evaluate returns the breached resources, ordered by name. A resource
// missing from the snapshot never breaches.
func (p *Policy) Evaluate(ctx context.Context, stats json.RawMessage, th Thresholds) ([]Breach, error) {
	if len(stats) == 0 {
		return nil, nil
	}
	var snapshot map[string]any
	if err := json.Unmarshal(stats, &snapshot); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	input := map[string]any{
		"stats": snapshot,
		"thresholds": map[string]float64{
			"cpu":    th.CPU,
			"memory": th.Memory,
			"gpu":    th.GPU,
		},
	}

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, err
	}
	var breaches []Breach
	if err := json.Unmarshal(raw, &breaches); err != nil {
		return nil, fmt.Errorf("unexpected policy result: %w", err)
	}
	sort.Slice(breaches, func(i, j int) bool { return breaches[i].Resource < breaches[j].Resource })
	return breaches, nil
}

// DefaultResourcePolicy flags cpu, memory and gpu usage over the configured
// percentages. A zero threshold disables the check.
const DefaultResourcePolicy = `
package fleet.resources

breaches contains {"resource": "cpu", "value": v, "threshold": t} if {
	v := input.stats.cpu_percent
	t := input.thresholds.cpu
	t > 0
	v > t
}

breaches contains {"resource": "memory", "value": v, "threshold": t} if {
	v := input.stats.memory_percent
	t := input.thresholds.memory
	t > 0
	v > t
}

breaches contains {"resource": "gpu", "value": v, "threshold": t} if {
	v := input.stats.gpu_percent
	t := input.thresholds.gpu
	t > 0
	v > t
}
`

func breachMessage(m *domain.Machine, b Breach) string {
	return fmt.Sprintf("%s usage on %s is %.1f%% (threshold %.0f%%)", b.Resource, m.Name, b.Value, b.Threshold)
}
