package daemon

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/zulandar/intercom/internal/config"
	"github.com/zulandar/intercom/internal/registry"
)

// HomeProject is always hosted: an agent working from the user's home
// directory with machine-wide reach.
const HomeProject = "home"

// projectMarkers identify a directory as an agent workspace.
var projectMarkers = []string{"CLAUDE.md", ".claude", ".git"}

// Project is an agent workspace hosted by this daemon.
type Project struct {
	ID           string
	Path         string
	Description  string
	Capabilities []string
	Tags         []string
	AgentCommand string
}

// Info converts p to the shape announced to the hub.
func (p Project) Info() registry.ProjectInfo {
	return registry.ProjectInfo{
		ID:           p.ID,
		Description:  p.Description,
		Capabilities: p.Capabilities,
		Tags:         p.Tags,
		Path:         p.Path,
		AgentCommand: p.AgentCommand,
	}
}

// Discover lists direct children of each scan path that carry a project
// marker. The directory name is the project id; the first scan path wins
// on a duplicate name. Unreadable scan paths are skipped.
func Discover(scanPaths []string) []Project {
	seen := make(map[string]bool)
	var out []Project
	for _, root := range scanPaths {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || seen[e.Name()] {
				continue
			}
			dir := filepath.Join(root, e.Name())
			if !hasMarker(dir) {
				continue
			}
			seen[e.Name()] = true
			out = append(out, Project{ID: e.Name(), Path: dir})
		}
	}
	return out
}

func hasMarker(dir string) bool {
	for _, m := range projectMarkers {
		if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
			return true
		}
	}
	return false
}

// Projects builds the daemon's project table: the home project, discovered
// projects, then configured projects, later entries replacing earlier ones
// with the same id. The result is sorted by id.
func Projects(cfg *config.Config) []Project {
	byID := make(map[string]Project)
	if home, err := os.UserHomeDir(); err == nil {
		byID[HomeProject] = Project{
			ID:           HomeProject,
			Path:         home,
			Description:  "Home directory",
			Capabilities: []string{"admin"},
		}
	}
	for _, p := range Discover(cfg.Discovery.ScanPaths) {
		byID[p.ID] = p
	}
	for _, pc := range cfg.Projects {
		byID[pc.ID] = Project{
			ID:           pc.ID,
			Path:         pc.Path,
			Description:  pc.Description,
			Capabilities: pc.Capabilities,
			Tags:         pc.Tags,
			AgentCommand: pc.AgentCommand,
		}
	}

	out := make([]Project, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
