package sonar

import (
	"time"

	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

// Branch is one branch of a project. Branches have no independent
// lifecycle: they are listed, audited and exported with their project.
type Branch struct {
	Name             string
	IsMain           bool
	Type             string
	LastAnalysis     time.Time
	KeepWhenInactive bool
}

// BranchExport is the branch entry inside a project export. It carries
// branch configuration only; analysis dates are migration data.
type BranchExport struct {
	Name             string `json:"name"`
	IsMain           bool   `json:"isMain,omitempty"`
	KeepWhenInactive bool   `json:"keepWhenInactive,omitempty"`
}

func (b Branch) export() BranchExport {
	return BranchExport{
		Name:             b.Name,
		IsMain:           b.IsMain,
		KeepWhenInactive: b.KeepWhenInactive,
	}
}

// auditBranches flags branches that are protected from purge yet have
// not been analyzed in a long time. The main branch is exempt: keeping
// it forever is the point.
func auditBranches(projectKey, webURL string, branches []Branch, settings *config.AuditSettings) []audit.Problem {
	maxAge := settings.MaxBranchLastAnalysisAgeDays
	if maxAge <= 0 {
		return nil
	}

	var problems []audit.Problem
	for _, b := range branches {
		if b.IsMain || !b.KeepWhenInactive {
			continue
		}
		if age := ageDays(b.LastAnalysis); !b.LastAnalysis.IsZero() && age > maxAge {
			problems = append(problems,
				audit.ProjectStaleBranch.ProblemWithURL(projectKey, webURL, b.Name, age))
		}
	}
	return problems
}
