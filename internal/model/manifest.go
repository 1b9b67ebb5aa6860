package model

// ArgType names one of the closed set of argument kinds a manifest may declare.
type ArgType string

const (
	ArgString      ArgType = "string"
	ArgNumber      ArgType = "number"
	ArgBoolean     ArgType = "boolean"
	ArgSelect      ArgType = "select"
	ArgMultiSelect ArgType = "multiselect"
	ArgHost        ArgType = "host"
	ArgPort        ArgType = "port"
	ArgCIDR        ArgType = "cidr"
	ArgURL         ArgType = "url"
	ArgFile        ArgType = "file"
)

// ArgDef declares one argument a tool accepts.
type ArgDef struct {
	Name        string   `json:"name" yaml:"name"`
	Type        ArgType  `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any      `json:"default,omitempty" yaml:"default,omitempty"`
	Pattern     string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	MinLength   *int     `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength   *int     `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Min         *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Options     []string `json:"options,omitempty" yaml:"options,omitempty"`
}

type NetworkMode string

const (
	NetworkNone       NetworkMode = "none"
	NetworkHost       NetworkMode = "host"
	NetworkBridge     NetworkMode = "bridge"
	NetworkRestricted NetworkMode = "restricted"
)

// Resources are the manifest's default ceilings. Zero values fall back to the
// worker configuration.
type Resources struct {
	TimeoutMs int64   `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	MemoryMB  int64   `json:"memoryMb,omitempty" yaml:"memoryMb,omitempty"`
	CPUs      float64 `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	PidsLimit int64   `json:"pidsLimit,omitempty" yaml:"pidsLimit,omitempty"`
}

// SecurityPosture is the isolation contract of a tool.
type SecurityPosture struct {
	DropCapabilities   []string    `json:"dropCapabilities,omitempty" yaml:"dropCapabilities,omitempty"`
	KeepCapabilities   []string    `json:"keepCapabilities,omitempty" yaml:"keepCapabilities,omitempty"`
	ReadOnlyFilesystem *bool       `json:"readOnlyFilesystem,omitempty" yaml:"readOnlyFilesystem,omitempty"`
	NoNewPrivileges    *bool       `json:"noNewPrivileges,omitempty" yaml:"noNewPrivileges,omitempty"`
	NetworkMode        NetworkMode `json:"networkMode,omitempty" yaml:"networkMode,omitempty"`
	AllowedEgress      []string    `json:"allowedEgress,omitempty" yaml:"allowedEgress,omitempty"`
}

// ToolManifest is the trusted, administrator-owned definition of a tool. It is
// the only source of the binary path and command template.
type ToolManifest struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
	RiskLevel   string `json:"riskLevel,omitempty" yaml:"riskLevel,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Binary           string            `json:"binary" yaml:"binary"`
	Image            string            `json:"image,omitempty" yaml:"image,omitempty"`
	CommandTemplate  []string          `json:"commandTemplate" yaml:"commandTemplate"`
	WorkingDirectory string            `json:"workingDirectory,omitempty" yaml:"workingDirectory,omitempty"`
	Environment      map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`

	ArgsSchema []ArgDef        `json:"argsSchema,omitempty" yaml:"argsSchema,omitempty"`
	Resources  Resources       `json:"resources,omitempty" yaml:"resources,omitempty"`
	Security   SecurityPosture `json:"security,omitempty" yaml:"security,omitempty"`

	RedactionRules []string `json:"redactionRules,omitempty" yaml:"redactionRules,omitempty"`
	OutputParser   string   `json:"outputParser,omitempty" yaml:"outputParser,omitempty"`
}

// ReadOnlyRootfs reports whether the root filesystem is mounted read-only.
// Unset means read-only.
func (m *ToolManifest) ReadOnlyRootfs() bool {
	return m.Security.ReadOnlyFilesystem == nil || *m.Security.ReadOnlyFilesystem
}

// NoNewPrivs reports whether privilege escalation is blocked. Unset means blocked.
func (m *ToolManifest) NoNewPrivs() bool {
	return m.Security.NoNewPrivileges == nil || *m.Security.NoNewPrivileges
}

// Network returns the configured network mode, defaulting to none.
func (m *ToolManifest) Network() NetworkMode {
	if m.Security.NetworkMode == "" {
		return NetworkNone
	}
	return m.Security.NetworkMode
}

// Arg returns the argument definition with the given name.
func (m *ToolManifest) Arg(name string) (*ArgDef, bool) {
	for i := range m.ArgsSchema {
		if m.ArgsSchema[i].Name == name {
			return &m.ArgsSchema[i], true
		}
	}
	return nil, false
}
