package api

import "github.com/craterd/craterd/pkg/models"

// AgentConfigResponse is the body of GET config, per spec §4.4.
type AgentConfigResponse struct {
	AgentName     string        `json:"agent_name"`
	CraterConfig  CraterConfig  `json:"crater_config"`
}

// CraterConfig is the operator-facing document named in spec §6:
// blacklisted/broken crate lists, bot ACL, and report-bucket metadata.
type CraterConfig struct {
	BlacklistedCrates []string `json:"blacklisted_crates"`
	BrokenCrates      []string `json:"broken_crates"`
	BotACL            []string `json:"bot_acl"`
	ReportBucket      string   `json:"report_bucket,omitempty"`
}

// ProgressResult is one entry of record-progress's results array.
type ProgressResult struct {
	Crate     models.Crate      `json:"crate"`
	Toolchain string            `json:"toolchain"`
	Result    models.TestResult `json:"result"`
	LogBase64 string            `json:"log"`
}

// ProgressSha is one entry of record-progress's shas array.
type ProgressSha struct {
	Org  string `json:"org"`
	Name string `json:"name"`
	Sha  string `json:"sha"`
}

// RecordProgressRequest is the body of POST record-progress, per spec
// §4.4: `{results:[{crate,toolchain,result,log(base64)}], shas:[(repo,sha)]}`.
type RecordProgressRequest struct {
	Results []ProgressResult `json:"results"`
	Shas    []ProgressSha    `json:"shas"`
}

// ErrorRequest is the body of POST error.
type ErrorRequest struct {
	Error string `json:"error"`
}
