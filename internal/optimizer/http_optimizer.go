package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/shuttle-dispatch/internal/models"
)

// HTTPOptimizer delegates ordering to an external solver. The client
// timeout is a hard upper bound independent of the caller's context so
// a hung solver cannot stall a scan.
type HTTPOptimizer struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPOptimizer(endpoint string, timeout time.Duration) *HTTPOptimizer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPOptimizer{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (o *HTTPOptimizer) Propose(ctx context.Context, origin models.Coord, legs []Leg) (Proposal, error) {
	body, _ := json.Marshal(map[string]any{"origin": origin, "legs": legs})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Proposal{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.Client.Do(req)
	if err != nil {
		return Proposal{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Proposal{}, fmt.Errorf("optimizer status %d", resp.StatusCode)
	}
	var out Proposal
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Proposal{}, err
	}
	if len(out.Order) != len(legs) {
		return Proposal{}, fmt.Errorf("optimizer returned %d of %d legs", len(out.Order), len(legs))
	}
	return out, nil
}
