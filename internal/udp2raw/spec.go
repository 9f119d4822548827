package udp2raw

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Role selects which side of the tunnel an instance binds.
type Role string

const (
	// RoleServer is the public-facing endpoint: it listens on the WAN
	// address and forwards decapsulated traffic to a local service.
	RoleServer Role = "server"

	// RoleClient is the local-facing endpoint: it listens on a local
	// address and forwards encapsulated traffic to a remote server.
	RoleClient Role = "client"
)

// InstanceSpec is one tunnel endpoint definition from the snapshot.
//
// The meaning of the endpoint fields depends on the role: servers use
// listen/forward, clients use local/server. An InstanceSpec is immutable
// once handed to the supervisor for a start cycle.
type InstanceSpec struct {
	// Enabled controls whether this instance is spawned at all.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Alias is a display name for logs and status. It need not be unique
	// but should be stable for a given config entry.
	Alias string `json:"alias" yaml:"alias"`

	// Server endpoints: where to accept raw packets and where to forward
	// the decapsulated UDP stream.
	ListenIP    string `json:"listen_ip,omitempty" yaml:"listen_ip,omitempty"`
	ListenPort  int    `json:"listen_port,omitempty" yaml:"listen_port,omitempty"`
	ForwardIP   string `json:"forward_ip,omitempty" yaml:"forward_ip,omitempty"`
	ForwardPort int    `json:"forward_port,omitempty" yaml:"forward_port,omitempty"`

	// Client endpoints: where to accept local UDP and which remote
	// server to tunnel it to.
	LocalIP    string `json:"local_ip,omitempty" yaml:"local_ip,omitempty"`
	LocalPort  int    `json:"local_port,omitempty" yaml:"local_port,omitempty"`
	ServerIP   string `json:"server_ip,omitempty" yaml:"server_ip,omitempty"`
	ServerPort int    `json:"server_port,omitempty" yaml:"server_port,omitempty"`

	// Password is the shared secret (-k).
	Password string `json:"password" yaml:"password"`

	// RawMode selects the encapsulation: faketcp, udp or icmp.
	RawMode string `json:"raw_mode,omitempty" yaml:"raw_mode,omitempty"`

	// CipherMode selects the payload cipher: xor, aes128cbc or none.
	CipherMode string `json:"cipher_mode,omitempty" yaml:"cipher_mode,omitempty"`

	// AuthMode selects packet authentication: md5, hmac_sha1, simple or none.
	AuthMode string `json:"auth_mode,omitempty" yaml:"auth_mode,omitempty"`

	// AutoRule lets udp2raw insert its own iptables rules (-a). The
	// firewall reconciler exists to clean those up when the binary is
	// killed before it can.
	AutoRule bool `json:"auto_rule" yaml:"auto_rule"`

	// LogLevel overrides the global verbosity for this instance.
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	// SeqMode emulates TCP sequence number behaviour (client only).
	// nil means the flag is not emitted.
	SeqMode *int `json:"seq_mode,omitempty" yaml:"seq_mode,omitempty"`

	// SourceIP and SourcePort override the source address of outgoing
	// raw packets (client only).
	SourceIP   string `json:"source_ip,omitempty" yaml:"source_ip,omitempty"`
	SourcePort string `json:"source_port,omitempty" yaml:"source_port,omitempty"`

	// LowerLevel passes a manual link-layer header spec, and Dev pins the
	// capture interface. Both are advanced escape hatches.
	LowerLevel string `json:"lower_level,omitempty" yaml:"lower_level,omitempty"`
	Dev        string `json:"dev,omitempty" yaml:"dev,omitempty"`

	// DisableAntiReplay and DisableBPF turn off the corresponding
	// protections in the binary. Emitted as bare flags when true.
	DisableAntiReplay bool `json:"disable_anti_replay,omitempty" yaml:"disable_anti_replay,omitempty"`
	DisableBPF        bool `json:"disable_bpf,omitempty" yaml:"disable_bpf,omitempty"`

	// ExtraArgs are free-form arguments appended verbatim after
	// everything the builder knows about.
	ExtraArgs ExtraArgs `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
}

// GlobalSpec holds settings shared by every instance in one start cycle.
type GlobalSpec struct {
	// Enabled gates the whole service; when false, StartAll spawns nothing.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// LogLevel is the default verbosity for instances that do not set
	// their own.
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	// WaitLock makes udp2raw wait for the xtables lock instead of
	// failing when another process holds it.
	WaitLock bool `json:"wait_lock,omitempty" yaml:"wait_lock,omitempty"`

	// RetryOnError restarts instances that exit unexpectedly.
	RetryOnError bool `json:"retry_on_error,omitempty" yaml:"retry_on_error,omitempty"`
}

// Snapshot is the complete tunnel configuration consumed from the
// configuration collaborator. The supervisor treats it as read-only.
type Snapshot struct {
	Global  GlobalSpec     `json:"global" yaml:"global"`
	Servers []InstanceSpec `json:"servers" yaml:"servers"`
	Clients []InstanceSpec `json:"clients" yaml:"clients"`
}

// LoadSnapshot decodes a snapshot from a JSON file. Field defaulting and
// merge logic belong to the configuration collaborator, not here; absent
// fields simply stay at their zero values.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	return &snap, nil
}

// ExtraArgs accepts two wire shapes for backward compatibility: a single
// shell-syntax string, or a list of shell-syntax fragments. Earlier
// configs stored `"extra_args": "--mtu 1300"`, newer ones store
// `"extra_args": ["--mtu 1300", "--fix-gro"]`.
type ExtraArgs struct {
	fragments []string
}

// NewExtraArgs builds an ExtraArgs from fragments. Intended for tests and
// programmatic snapshot construction.
func NewExtraArgs(fragments ...string) ExtraArgs {
	return ExtraArgs{fragments: fragments}
}

// Fragments returns the raw shell-syntax fragments in config order.
func (e ExtraArgs) Fragments() []string {
	return e.fragments
}

// IsZero reports whether no fragments are present, so yaml omitempty
// works on the struct form.
func (e ExtraArgs) IsZero() bool {
	return len(e.fragments) == 0
}

// UnmarshalJSON accepts either a JSON string or an array of strings.
func (e *ExtraArgs) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		e.fragments = []string{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("extra_args must be a string or a list of strings")
	}
	e.fragments = list
	return nil
}

// MarshalJSON always emits the list shape.
func (e ExtraArgs) MarshalJSON() ([]byte, error) {
	if e.fragments == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(e.fragments)
}

// UnmarshalYAML accepts either a scalar or a sequence node.
func (e *ExtraArgs) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		e.fragments = []string{single}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		e.fragments = list
		return nil
	default:
		return fmt.Errorf("extra_args must be a string or a list of strings")
	}
}

// MarshalYAML always emits the list shape.
func (e ExtraArgs) MarshalYAML() (interface{}, error) {
	return e.fragments, nil
}
