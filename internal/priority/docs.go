package priority

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Focus is the user's declared focus statement. Optional; ranking without
// one leans on roadmaps and activity alone.
type Focus struct {
	Statement string    `yaml:"statement"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// Roadmap summarizes one project's direction for the ranking prompt. A
// project without a roadmap participates with reduced context.
type Roadmap struct {
	Summary string   `yaml:"summary"`
	Urgency string   `yaml:"urgency,omitempty"` // low, normal, high
	Next    []string `yaml:"next,omitempty"`
}

// Docs reads focus and roadmap documents from the config directory:
// <dir>/focus.yaml and <dir>/roadmaps/<project>.yaml. Files are re-read on
// every ranking computation so edits take effect without a restart.
type Docs struct {
	dir string
}

// NewDocs creates a reader rooted at dir.
func NewDocs(dir string) *Docs {
	return &Docs{dir: dir}
}

// Focus loads the focus statement. Returns false when absent or empty.
func (d *Docs) Focus() (Focus, bool) {
	var f Focus
	if !d.read(filepath.Join(d.dir, "focus.yaml"), &f) {
		return Focus{}, false
	}
	return f, f.Statement != ""
}

// Roadmap loads the roadmap for a project. Returns false when absent.
func (d *Docs) Roadmap(project string) (Roadmap, bool) {
	var r Roadmap
	if !d.read(filepath.Join(d.dir, "roadmaps", project+".yaml"), &r) {
		return Roadmap{}, false
	}
	return r, r.Summary != ""
}

func (d *Docs) read(path string, out any) bool {
	if d == nil || d.dir == "" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			prioLog.Warn("context_doc_unreadable",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return false
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		prioLog.Warn("context_doc_malformed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return false
	}
	return true
}
