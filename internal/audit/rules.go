package audit

// The rule catalog. Ids are stable: they appear in output files and in
// the audit.disabled_rules config list, so renaming one is a breaking
// change.

// Global settings and platform.
var (
	SettingForceAuth = Rule{
		ID:       "SETTING_FORCE_AUTH",
		Severity: SeverityCritical,
		Type:     TypeSecurity,
		Message:  "forceAuthentication is off, anonymous users can browse the platform",
	}
	SettingDefaultVisibility = Rule{
		ID:       "SETTING_DEFAULT_VISIBILITY",
		Severity: SeverityHigh,
		Type:     TypeSecurity,
		Message:  "default visibility of new projects is %s",
	}
	SettingCrossProjectDuplication = Rule{
		ID:       "SETTING_CPD_CROSS_PROJECT",
		Severity: SeverityMedium,
		Type:     TypePerformance,
		Message:  "cross project duplication detection is enabled, this slows down analyses platform wide",
	}
	SettingBaseURL = Rule{
		ID:       "SETTING_BASE_URL",
		Severity: SeverityMedium,
		Type:     TypeOperations,
		Message:  "sonar.core.serverBaseURL is not set, notification links will not work",
	}
	WebhookInsecureURL = Rule{
		ID:       "WEBHOOK_INSECURE_URL",
		Severity: SeverityHigh,
		Type:     TypeSecurity,
		Message:  "webhook %q delivers to the non-https url %q",
	}
)

// Projects and branches.
var (
	ProjectLastAnalysis = Rule{
		ID:       "PROJ_LAST_ANALYSIS",
		Severity: SeverityMedium,
		Type:     TypePerformance,
		Message:  "project has not been analyzed for %d days",
	}
	ProjectNeverAnalyzed = Rule{
		ID:       "PROJ_NOT_ANALYZED",
		Severity: SeverityLow,
		Type:     TypePerformance,
		Message:  "project exists but has never been analyzed",
	}
	ProjectPublicVisibility = Rule{
		ID:       "PROJ_VISIBILITY_PUBLIC",
		Severity: SeverityHigh,
		Type:     TypeSecurity,
		Message:  "project visibility is public",
	}
	ProjectPermissionsAnyone = Rule{
		ID:       "PROJ_PERM_ANYONE",
		Severity: SeverityCritical,
		Type:     TypeSecurity,
		Message:  "the Anyone group holds %s permission on the project",
	}
	ProjectStaleBranch = Rule{
		ID:       "PROJ_STALE_BRANCH",
		Severity: SeverityMedium,
		Type:     TypePerformance,
		Message:  "branch %q has not been analyzed for %d days but is kept forever",
	}
)

// Quality gates.
var (
	GateWithoutConditions = Rule{
		ID:       "QG_NO_CONDITIONS",
		Severity: SeverityMedium,
		Type:     TypeGovernance,
		Message:  "quality gate has no conditions, it can never fail",
	}
	GateTooManyConditions = Rule{
		ID:       "QG_TOO_MANY_CONDITIONS",
		Severity: SeverityMedium,
		Type:     TypeGovernance,
		Message:  "quality gate has %d conditions, more than the recommended maximum of %d",
	}
	GateLegacyMetric = Rule{
		ID:       "QG_LEGACY_METRIC",
		Severity: SeverityLow,
		Type:     TypeGovernance,
		Message:  "quality gate has a condition on overall code metric %q instead of a new code metric",
	}
	GateUnused = Rule{
		ID:       "QG_NOT_USED",
		Severity: SeverityLow,
		Type:     TypeGovernance,
		Message:  "quality gate is used by no project",
	}
	TooManyGates = Rule{
		ID:       "QG_TOO_MANY_GATES",
		Severity: SeverityMedium,
		Type:     TypeGovernance,
		Message:  "%d quality gates. Maintaining more than %d is hard to govern",
	}
)

// Quality profiles.
var (
	ProfileNotUpdated = Rule{
		ID:       "QP_LAST_CHANGE",
		Severity: SeverityMedium,
		Type:     TypeGovernance,
		Message:  "quality profile has not been updated for %d days",
	}
	ProfileUnused = Rule{
		ID:       "QP_NOT_USED",
		Severity: SeverityLow,
		Type:     TypeGovernance,
		Message:  "quality profile is the default for no language and used by no project",
	}
	ProfileTooFewRules = Rule{
		ID:       "QP_TOO_FEW_RULES",
		Severity: SeverityMedium,
		Type:     TypeGovernance,
		Message:  "quality profile activates only %d rules, fewer than the expected minimum of %d",
	}
	ProfileDeprecatedRules = Rule{
		ID:       "QP_DEPRECATED_RULES",
		Severity: SeverityMedium,
		Type:     TypeBadPractice,
		Message:  "quality profile activates %d deprecated rules",
	}
	TooManyProfiles = Rule{
		ID:       "QP_TOO_MANY_PROFILES",
		Severity: SeverityMedium,
		Type:     TypeGovernance,
		Message:  "%d quality profiles for language %q, more than the recommended maximum of %d",
	}
)

// Portfolios and applications.
var (
	PortfolioEmpty = Rule{
		ID:       "PORTFOLIO_EMPTY",
		Severity: SeverityLow,
		Type:     TypeGovernance,
		Message:  "portfolio contains no project",
	}
	PortfolioSingleton = Rule{
		ID:       "PORTFOLIO_SINGLETON",
		Severity: SeverityLow,
		Type:     TypeGovernance,
		Message:  "portfolio contains a single project",
	}
	ApplicationEmpty = Rule{
		ID:       "APPLICATION_EMPTY",
		Severity: SeverityLow,
		Type:     TypeGovernance,
		Message:  "application contains no project",
	}
	ApplicationSingleton = Rule{
		ID:       "APPLICATION_SINGLETON",
		Severity: SeverityLow,
		Type:     TypeGovernance,
		Message:  "application contains a single project",
	}
)

// Users and groups.
var (
	UserTokenTooOld = Rule{
		ID:       "USER_TOKEN_TOO_OLD",
		Severity: SeverityMedium,
		Type:     TypeSecurity,
		Message:  "token %q is %d days old and should be rotated",
	}
	UserTooManyTokens = Rule{
		ID:       "USER_TOO_MANY_TOKENS",
		Severity: SeverityMedium,
		Type:     TypeGovernance,
		Message:  "user holds %d active tokens",
	}
	UserInactive = Rule{
		ID:       "USER_INACTIVE",
		Severity: SeverityMedium,
		Type:     TypeGovernance,
		Message:  "user has not logged in for %d days",
	}
	GroupEmpty = Rule{
		ID:       "GROUP_EMPTY",
		Severity: SeverityLow,
		Type:     TypeGovernance,
		Message:  "group has no members",
	}
	GroupDefault = Rule{
		ID:       "GROUP_DEFAULT",
		Severity: SeverityLow,
		Type:     TypeGovernance,
		Message:  "group replaces sonar-users as the default group, every new user lands in it",
	}
)
