package oracle

import (
	"fmt"

	"github.com/vettaio/vetta/pkg/config"
)

// Registry is the typed dependency bag binding oracle names at startup.
// Monitor, Intent, and Evaluator are required; Hint and Polish fall back
// to templates when absent.
type Registry struct {
	Monitor   *Client
	Intent    *Client
	Hint      *Client
	Evaluator *Client
	Polish    *Client
}

// NewRegistry builds clients for every configured route and binds the
// well-known names. Lookups after construction are plain field reads.
func NewRegistry(routes map[string]*config.OracleConfig, opts ...ClientOption) (*Registry, error) {
	clients := make(map[string]*Client, len(routes))
	for name, cfg := range routes {
		clients[name] = NewClient(name, cfg, opts...)
	}

	r := &Registry{
		Monitor:   clients[config.OracleMonitor],
		Intent:    clients[config.OracleIntent],
		Hint:      clients[config.OracleHint],
		Evaluator: clients[config.OracleEvaluator],
		Polish:    clients[config.OraclePolish],
	}

	if r.Monitor == nil || r.Intent == nil || r.Evaluator == nil {
		return nil, fmt.Errorf("oracle registry requires monitor, intent, and evaluator routes")
	}

	return r, nil
}
