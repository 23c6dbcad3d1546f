package secrets

// DefaultRules covers what tends to show up in build logs, appsettings files
// and model traffic. Self-identifying prefixes need no keywords.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "sonar-token",
			Description: "SonarQube token",
			Pattern:     `\bsq[apu]_[0-9a-f]{40}\b`,
			Severity:    "high",
		},
		{
			ID:          "openai-api-key",
			Description: "OpenAI-style API key",
			Pattern:     `\bsk-(?:proj-)?[A-Za-z0-9_\-]{32,}`,
			Severity:    "high",
		},
		{
			ID:          "anthropic-api-key",
			Description: "Anthropic API key",
			Pattern:     `sk-ant-[A-Za-z0-9_\-]{90,}`,
			Severity:    "high",
		},
		{
			ID:          "github-token",
			Description: "GitHub token",
			Pattern:     `\b(?:gh[pousr]_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,})`,
			Severity:    "high",
		},
		{
			ID:          "gitlab-token",
			Description: "GitLab personal access token",
			Pattern:     `glpat-[A-Za-z0-9\-]{20,}`,
			Severity:    "high",
		},
		{
			ID:          "aws-access-key-id",
			Description: "AWS access key ID",
			Pattern:     `\b(?:A3T[A-Z0-9]|AKIA|ASIA)[A-Z0-9]{16}\b`,
			Severity:    "high",
		},
		{
			ID:          "azure-storage-key",
			Description: "Azure storage account key",
			Pattern:     `(?i)AccountKey=[A-Za-z0-9+/]{86}==`,
			Keywords:    []string{"AccountKey"},
			Severity:    "high",
		},
		{
			ID:          "connection-string-password",
			Description: "Password in a connection string",
			Pattern:     `(?i)(?:password|pwd)\s*=\s*[^;"'\s]{4,}`,
			Keywords:    []string{"password", "pwd"},
			Severity:    "high",
		},
		{
			ID:          "url-credentials",
			Description: "Credentials embedded in a URL",
			Pattern:     `(?i)\b[a-z][a-z0-9+.\-]*://[^/\s:@]+:[^/\s@]+@[^\s]+`,
			Severity:    "high",
		},
		{
			ID:          "generic-api-key",
			Description: "Generic API key assignment",
			Pattern:     `(?i)(?:api[_-]?key|apikey|access[_-]?token|auth[_-]?token)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,}['"]?`,
			Keywords:    []string{"key", "token"},
			Severity:    "high",
		},
		{
			ID:          "bearer-token",
			Description: "Bearer token",
			Pattern:     `(?i)\bbearer\s+[A-Za-z0-9_\-\.=]{20,}`,
			Keywords:    []string{"bearer"},
			Severity:    "medium",
		},
		{
			ID:          "jwt",
			Description: "JSON Web Token",
			Pattern:     `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`,
			Severity:    "medium",
		},
		{
			ID:          "private-key",
			Description: "Private key block",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`,
			Severity:    "high",
		},
	}
}
