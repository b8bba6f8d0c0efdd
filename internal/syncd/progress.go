package syncd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Progress is the externally visible sync progress, written as JSON so
// other services can poll it.
type Progress struct {
	Stage   string `json:"stage"`
	Percent int    `json:"progress"`
	Current int    `json:"current,omitempty"`
	Total   int    `json:"total,omitempty"`
}

// writeProgress persists the progress file. Failures are logged, never
// fatal: progress reporting must not break the sync itself.
func (c *Coordinator) writeProgress(p Progress) {
	if c.progressFile == "" {
		return
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		c.log().Warn("encode progress", "error", err)
		return
	}
	if dir := filepath.Dir(c.progressFile); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			c.log().Warn("create progress dir", "error", err)
			return
		}
	}
	if err := os.WriteFile(c.progressFile, data, 0o644); err != nil {
		c.log().Warn("write progress", "error", err)
	}
}

// markComplete writes the completion marker that gates dependent services.
func (c *Coordinator) markComplete() {
	if c.completeFile != "" {
		stamp := fmt.Sprintf("%d", time.Now().Unix())
		if err := os.WriteFile(c.completeFile, []byte(stamp), 0o644); err != nil {
			c.log().Warn("write completion marker", "error", err)
		}
	}
	c.writeProgress(Progress{Stage: "complete", Percent: 100})
	c.log().Info("initial sync complete")
}
