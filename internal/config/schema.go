package config

// Config is the top-level YAML structure.
type Config struct {
	Version     string         `yaml:"version"`
	Server      ServerConf     `yaml:"server"`
	Log         LogConf        `yaml:"log"`
	Storage     StorageConf    `yaml:"storage"`
	Signatures  SignatureConf  `yaml:"signatures"`
	Rewards     RewardsConf    `yaml:"rewards"`
	Ledger      LedgerConf     `yaml:"ledger"`
	Dispatch    DispatchConf   `yaml:"dispatch"`
	Gamify      GamifyConf     `yaml:"gamify"`
	Identity    IdentityConf   `yaml:"identity"`
	Imports     ImportsConf    `yaml:"imports"`
	Adjustments AdjustConf     `yaml:"adjustments"`
	Dedup       DedupConf      `yaml:"dedup"`
	Background  BackgroundConf `yaml:"background"`
	Reconcile   ReconcileConf  `yaml:"reconcile"`
}

// ServerConf holds the HTTP listener settings.
type ServerConf struct {
	Addr           string `yaml:"addr"`
	PublicBaseURL  string `yaml:"public_base_url"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type LogConf struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type StorageConf struct {
	DataDir  string `yaml:"data_dir"`
	Timezone string `yaml:"timezone"` // calendar day and month boundaries
}

type SignatureConf struct {
	CRM       CRMSignatureConf       `yaml:"crm"`
	Telephony TelephonySignatureConf `yaml:"telephony"`
}

// CRMSignatureConf configures the v3 HMAC scheme. Several secrets may be
// active at once while an app secret is rotated.
type CRMSignatureConf struct {
	Secrets []string `yaml:"secrets"`
}

type TelephonySignatureConf struct {
	VerificationToken string `yaml:"verification_token"`
	WebhookSecret     string `yaml:"webhook_secret"`
	Header            string `yaml:"header"`
	MaxSkewSeconds    int    `yaml:"max_skew_seconds"`
}

// RewardsConf holds every table the reward rules read.
type RewardsConf struct {
	Call          CallConf              `yaml:"call"`
	Appointment   AppointmentConf       `yaml:"appointment"`
	Approval      ApprovalConf          `yaml:"approval"`
	Sales         SalesConf             `yaml:"sales"`
	Tenants       map[string]TenantConf `yaml:"tenants"`
	CRMProperties []string              `yaml:"crm_properties"` // property names that carry an outcome label
}

// CallConf fields held by pointer accept an explicit 0; nil means unset.
type CallConf struct {
	PerCallXP      *int64   `yaml:"per_call_xp"`
	UnitMs         int64    `yaml:"unit_ms"`
	PerUnitXP      *int64   `yaml:"per_unit_xp"`
	MaxDurationMs  int64    `yaml:"max_duration_ms"`
	MissedPenalty  *int64   `yaml:"missed_penalty"`
	MissedStatuses []string `yaml:"missed_statuses"`
	MissedLabels   []string `yaml:"missed_labels"`
}

type AppointmentConf struct {
	DefaultXP *int64   `yaml:"default_xp"`
	Outcomes  []string `yaml:"outcomes"` // global fallback list
}

type ApprovalConf struct {
	XP *int64 `yaml:"xp"`
}

// Int64 returns a pointer to v, for the optional numeric settings.
func Int64(v int64) *int64 { return &v }

type SalesConf struct {
	StepSize  int64 `yaml:"step_size"`
	PerStepXP int64 `yaml:"per_step_xp"`
	// SmallRowXP, when positive, is awarded immediately for a single row whose
	// amount is below one step. Zero disables the exception.
	SmallRowXP int64 `yaml:"small_row_xp"`
}

type TenantConf struct {
	Labels []LabelConf `yaml:"labels"`
}

type LabelConf struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	XP    int64  `yaml:"xp"`
	Badge string `yaml:"badge"`
}

type LedgerConf struct {
	Company CompanyConf `yaml:"company"`
}

type CompanyConf struct {
	StepSize  int64        `yaml:"step_size"`
	PerStepXP int64        `yaml:"per_step_xp"`
	Members   []MemberConf `yaml:"members"`
}

type MemberConf struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

type DispatchConf struct {
	MinIntervalMs int `yaml:"min_interval_ms"`
	QueueDepth    int `yaml:"queue_depth"`
	MaxAttempts   int `yaml:"max_attempts"`
}

type GamifyConf struct {
	BaseURL   string `yaml:"base_url"`
	Token     string `yaml:"token"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// IdentityConf feeds the actor resolver.
type IdentityConf struct {
	Owners            map[string]MemberConf `yaml:"owners"` // owner id → person
	Names             map[string]string     `yaml:"names"`  // spoken name → email
	NamePrefixPattern string                `yaml:"name_prefix_pattern"`
	Unresolved        string                `yaml:"unresolved"`
}

type ImportsConf struct {
	Tokens           []string            `yaml:"tokens"`
	Synonyms         map[string][]string `yaml:"synonyms"`
	ApprovedStatuses []string            `yaml:"approved_statuses"`
}

type AdjustConf struct {
	Capacity              int       `yaml:"capacity"`
	RefillSeconds         int       `yaml:"refill_seconds"`
	IdempotencyTTLSeconds int       `yaml:"idempotency_ttl_seconds"`
	Redis                 RedisConf `yaml:"redis"`
}

type RedisConf struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DedupConf struct {
	SeenTTLSeconds int `yaml:"seen_ttl_seconds"`
}

// BackgroundConf sizes the pool that runs post-acknowledgement work.
type BackgroundConf struct {
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queue_depth"`
}

type ReconcileConf struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}
