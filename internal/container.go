// Package internal wires the object graph. Commands build one container
// per run and invoke exactly what they need; nothing here knows about
// flags or terminals.
package internal

import (
	"go.uber.org/dig"

	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/internal/cache"
	"github.com/okorach/sonar-tools-sub002/internal/engine"
	"github.com/okorach/sonar-tools-sub002/internal/roundtrip"
	"github.com/okorach/sonar-tools-sub002/internal/sonar"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
	"github.com/okorach/sonar-tools-sub002/pkg/logger"
	"github.com/okorach/sonar-tools-sub002/pkg/metrics"
)

// Override mutates loaded settings before anything consumes them. The
// command layer uses it to map flags onto configuration.
type Override func(*config.Settings)

// BuildContainer assembles the dependency graph for one command run.
func BuildContainer(configPath string, overrides ...Override) (*dig.Container, error) {
	container := dig.New()

	if err := container.Provide(func() (*config.Settings, error) {
		settings, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		for _, override := range overrides {
			override(settings)
		}
		return settings, nil
	}); err != nil {
		return nil, err
	}

	for _, register := range []func(*dig.Container) error{
		registerFoundation,
		registerServices,
		registerOperations,
	} {
		if err := register(container); err != nil {
			return nil, err
		}
	}
	return container, nil
}

// registerFoundation provides configuration slices, logging, metrics,
// the API client, the object cache and the task runner, then binds the
// consumer-side interfaces each package declares for them.
func registerFoundation(container *dig.Container) error {
	providers := []interface{}{
		func(s *config.Settings) *config.ServerSettings { return &s.Server },
		func(s *config.Settings) *config.EngineSettings { return &s.Engine },
		func(s *config.Settings) *config.LoggingSettings { return &s.Logging },
		func(s *config.Settings) *config.MetricsSettings { return &s.Metrics },

		logger.NewLogger,
		func() *metrics.Collector { return metrics.NewCollector("") },
		metrics.NewServer,
		client.NewClient,
		cache.New,
		engine.NewRunner,

		func(l *logger.Logger) client.Logger { return l },
		func(l *logger.Logger) metrics.Logger { return l },
		func(l *logger.Logger) engine.Logger { return l },
		func(l *logger.Logger) sonar.Logger { return l },
		func(l *logger.Logger) audit.Logger { return l },
		func(l *logger.Logger) roundtrip.Logger { return l },

		func(c *metrics.Collector) client.MetricsCollector { return c },
		func(c *metrics.Collector) cache.Recorder { return c },
		func(c *metrics.Collector) engine.Recorder { return c },
		func(c *metrics.Collector) engine.WriterRecorder { return c },
		func(c *metrics.Collector) audit.Recorder { return c },
		func(c *metrics.Collector) roundtrip.Recorder { return c },
	}

	return provideAll(container, providers)
}

// registerServices provides the platform identity service and one
// service per object family, all sharing the client and the cache.
func registerServices(container *dig.Container) error {
	providers := []interface{}{
		sonar.NewPlatform,
		sonar.NewGlobalSettings,
		sonar.NewProjects,
		sonar.NewPortfolios,
		sonar.NewApplications,
		sonar.NewQualityGates,
		sonar.NewQualityProfiles,
		sonar.NewUsers,
		sonar.NewGroups,
	}

	return provideAll(container, providers)
}

// registerOperations provides the audit, export and import
// orchestrators over the service slices they drive.
func registerOperations(container *dig.Container) error {
	providers := []interface{}{
		func(
			projects *sonar.Projects,
			portfolios *sonar.Portfolios,
			applications *sonar.Applications,
			gates *sonar.QualityGates,
			profiles *sonar.QualityProfiles,
			users *sonar.Users,
			groups *sonar.Groups,
			settings *sonar.GlobalSettings,
		) []audit.Target {
			return []audit.Target{projects, portfolios, applications, gates, profiles, users, groups, settings}
		},

		func(
			settings *sonar.GlobalSettings,
			projects *sonar.Projects,
			portfolios *sonar.Portfolios,
			applications *sonar.Applications,
			gates *sonar.QualityGates,
			profiles *sonar.QualityProfiles,
			users *sonar.Users,
			groups *sonar.Groups,
		) []roundtrip.Source {
			return []roundtrip.Source{settings, projects, portfolios, applications, gates, profiles, users, groups}
		},

		// Import replays referenced objects before their referrers:
		// groups before projects (permissions), projects before
		// portfolios and applications (membership), gates and profiles
		// in between so assignments in pass two resolve.
		func(
			settings *sonar.GlobalSettings,
			groups *sonar.Groups,
			projects *sonar.Projects,
			gates *sonar.QualityGates,
			profiles *sonar.QualityProfiles,
			portfolios *sonar.Portfolios,
			applications *sonar.Applications,
		) []roundtrip.Target {
			return []roundtrip.Target{settings, groups, projects, gates, profiles, portfolios, applications}
		},

		func(p *sonar.Platform) roundtrip.Header { return p },

		audit.NewAuditor,
		roundtrip.NewExporter,
		roundtrip.NewImporter,
	}

	return provideAll(container, providers)
}

func provideAll(container *dig.Container, providers []interface{}) error {
	for _, provider := range providers {
		if err := container.Provide(provider); err != nil {
			return err
		}
	}
	return nil
}
