package ollama

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that Ollama is running and pulls the embedding model
// if it is missing, writing progress to w.
func EnsureReady(ctx context.Context, c *Client, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running at %s. Start it with: ollama serve", c.baseURL)
	}

	ok, err := c.HasModel(ctx)
	if err != nil {
		return fmt.Errorf("checking model %s: %w", c.model, err)
	}
	if ok {
		fmt.Fprintf(w, "model %s: ready\n", c.model)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", c.model)
	err = c.PullModel(ctx, func(p PullProgress) {
		if p.Total > 0 {
			pct := float64(p.Completed) / float64(p.Total) * 100
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
		} else {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", c.model, err)
	}
	fmt.Fprintf(w, "model %s: ready\n", c.model)
	return nil
}
