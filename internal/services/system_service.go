package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
)

// BuildInfo is the release metadata reported by /healthz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps configures NewSystemService.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	// Features maps optional integrations (gemini, pexels, reve, exports,
	// reminders) to whether they are configured.
	Features map[string]bool
}

type systemService struct {
	probes   repositories.HealthRepository
	now      func() time.Time
	build    BuildInfo
	features []feature
}

type feature struct {
	name       string
	configured bool
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	var features []feature
	for name, configured := range deps.Features {
		if name = strings.TrimSpace(name); name != "" {
			features = append(features, feature{name: name, configured: configured})
		}
	}
	sort.Slice(features, func(i, j int) bool { return features[i].name < features[j].name })

	return &systemService{
		probes:   deps.HealthRepository,
		now:      func() time.Time { return clock().UTC() },
		build:    build,
		features: features,
	}, nil
}

// HealthReport probes the dependencies and folds in feature checks. Probed
// results win over feature entries of the same name.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.probes.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	fill(&report.Version, s.build.Version)
	fill(&report.CommitSHA, s.build.CommitSHA)
	fill(&report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	if report.Checks == nil {
		report.Checks = make(map[string]domain.SystemHealthCheck, len(s.features))
	}
	for _, f := range s.features {
		if _, probed := report.Checks[f.name]; !probed {
			report.Checks[f.name] = featureCheck(f, now)
		}
	}
	report.Status = report.Status.Worse(domain.RollUp(report.Checks))
	return report, nil
}

func featureCheck(f feature, now time.Time) domain.SystemHealthCheck {
	if f.configured {
		return domain.SystemHealthCheck{Status: domain.HealthStatusOK, Detail: "configured", CheckedAt: now}
	}
	return domain.SystemHealthCheck{Status: domain.HealthStatusDegraded, Detail: "not configured", CheckedAt: now}
}

func fill(dst *string, fallback string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = fallback
	}
}
